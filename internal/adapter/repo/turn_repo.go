package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// TurnRepositoryPG implements domain.TurnRepository. Status transitions are
// guarded in SQL: terminal writes only apply while the row is still pending or
// running, so complete and failed turns can never be rewritten.
type TurnRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewTurnRepository creates a turn repository backed by PostgreSQL.
func NewTurnRepository(pool *pgxpool.Pool) *TurnRepositoryPG {
	return &TurnRepositoryPG{pool: pool}
}

// Create inserts a new pending turn record.
func (r *TurnRepositoryPG) Create(ctx context.Context, turn *domain.Turn) error {
	query := `
INSERT INTO turns (id, conversation_id, turn_index, status, user_query)
VALUES ($1, $2, $3, $4, $5);
`
	_, err := r.pool.Exec(ctx, query,
		turn.ID,
		turn.ConversationID,
		turn.Index,
		turn.Status,
		turn.UserQuery,
	)
	return err
}

// Get fetches a turn scoped to its conversation, so a valid turn id under the
// wrong conversation reads as absent.
func (r *TurnRepositoryPG) Get(ctx context.Context, conversationID, turnID string) (*domain.Turn, error) {
	query := `
SELECT id, conversation_id, turn_index, status, user_query,
       COALESCE(model_response, ''), COALESCE(product_names, '{}'), COALESCE(error_message, ''),
       created_at, updated_at
FROM turns
WHERE id = $1 AND conversation_id = $2;
`
	row := r.pool.QueryRow(ctx, query, turnID, conversationID)
	turn, err := scanTurn(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return turn, nil
}

// ListByConversation returns all turns of a conversation in index order.
func (r *TurnRepositoryPG) ListByConversation(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	query := `
SELECT id, conversation_id, turn_index, status, user_query,
       COALESCE(model_response, ''), COALESCE(product_names, '{}'), COALESCE(error_message, ''),
       created_at, updated_at
FROM turns
WHERE conversation_id = $1
ORDER BY turn_index ASC;
`
	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, *turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return turns, nil
}

// NextIndex returns the index for the conversation's next turn and whether any
// existing turn is still in flight. One query answers both so the submit path
// reads a single consistent snapshot.
func (r *TurnRepositoryPG) NextIndex(ctx context.Context, conversationID string) (int, bool, error) {
	query := `
SELECT COALESCE(MAX(turn_index) + 1, 0),
       COUNT(*) FILTER (WHERE status IN ('pending', 'running')) > 0
FROM turns
WHERE conversation_id = $1;
`
	var (
		next     int
		inflight bool
	)
	if err := r.pool.QueryRow(ctx, query, conversationID).Scan(&next, &inflight); err != nil {
		return 0, false, err
	}
	return next, inflight, nil
}

// MarkRunning moves a pending turn to running.
func (r *TurnRepositoryPG) MarkRunning(ctx context.Context, turnID string) error {
	query := `
UPDATE turns
SET status = 'running', updated_at = NOW()
WHERE id = $1 AND status = 'pending';
`
	return r.guardedUpdate(ctx, turnID, query)
}

// Complete writes the successful result. A turn already in a terminal state
// returns ErrConflict and keeps its original payload.
func (r *TurnRepositoryPG) Complete(ctx context.Context, turnID string, result domain.TurnResult) error {
	query := `
UPDATE turns
SET status = 'complete',
    model_response = $2,
    product_names = $3,
    updated_at = NOW()
WHERE id = $1 AND status IN ('pending', 'running');
`
	return r.guardedUpdate(ctx, turnID, query, result.ModelResponse, result.ProductNames)
}

// Fail records the terminal failure message, leaving result columns untouched.
func (r *TurnRepositoryPG) Fail(ctx context.Context, turnID, message string) error {
	query := `
UPDATE turns
SET status = 'failed',
    error_message = $2,
    updated_at = NOW()
WHERE id = $1 AND status IN ('pending', 'running');
`
	return r.guardedUpdate(ctx, turnID, query, message)
}

// guardedUpdate runs a status-guarded UPDATE and distinguishes a missing row
// from one whose guard no longer matches.
func (r *TurnRepositoryPG) guardedUpdate(ctx context.Context, turnID, query string, args ...any) error {
	params := append([]any{turnID}, args...)
	tag, err := r.pool.Exec(ctx, query, params...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM turns WHERE id = $1);`, turnID).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return domain.ErrConflict
	}
	return domain.ErrNotFound
}

func scanTurn(row pgx.Row) (*domain.Turn, error) {
	var turn domain.Turn
	if err := row.Scan(
		&turn.ID,
		&turn.ConversationID,
		&turn.Index,
		&turn.Status,
		&turn.UserQuery,
		&turn.ModelResponse,
		&turn.ProductNames,
		&turn.ErrorMessage,
		&turn.CreatedAt,
		&turn.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &turn, nil
}
