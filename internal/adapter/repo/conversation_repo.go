package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// ConversationRepositoryPG implements domain.ConversationRepository.
type ConversationRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewConversationRepository creates a conversation repository backed by PostgreSQL.
func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepositoryPG {
	return &ConversationRepositoryPG{pool: pool}
}

// Create inserts a new conversation record.
func (r *ConversationRepositoryPG) Create(ctx context.Context, conv *domain.Conversation) error {
	query := `
INSERT INTO conversations (id, owner_id, type, title, initial_turn_status)
VALUES ($1, $2, $3, $4, $5);
`
	_, err := r.pool.Exec(ctx, query,
		conv.ID,
		conv.OwnerID,
		conv.Type,
		conv.Title,
		conv.InitialTurnStatus,
	)
	return err
}

// Get fetches a conversation by id, ignoring ownership. Soft-deleted rows are
// treated as absent.
func (r *ConversationRepositoryPG) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `
SELECT id, owner_id, type, title, initial_turn_status, COALESCE(share_id, ''), deleted, created_at, updated_at
FROM conversations
WHERE id = $1 AND NOT deleted;
`
	row := r.pool.QueryRow(ctx, query, id)
	var conv domain.Conversation
	if err := row.Scan(
		&conv.ID,
		&conv.OwnerID,
		&conv.Type,
		&conv.Title,
		&conv.InitialTurnStatus,
		&conv.ShareID,
		&conv.Deleted,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &conv, nil
}

// GetForOwner fetches a conversation and enforces ownership: a row held by a
// different owner yields ErrForbidden.
func (r *ConversationRepositoryPG) GetForOwner(ctx context.Context, id, ownerID string) (*domain.Conversation, error) {
	conv, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.OwnerID != ownerID {
		return nil, domain.ErrForbidden
	}
	return conv, nil
}

// ListForOwner returns a page of the owner's conversations, newest first, with
// keyset pagination on (created_at, id). Only conversations whose first turn
// completed are listed; a conversation that never got an answer is noise.
func (r *ConversationRepositoryPG) ListForOwner(ctx context.Context, ownerID string, limit int, cursor string) ([]domain.ConversationSummary, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `
SELECT id, title, type, created_at
FROM conversations
WHERE owner_id = $1
  AND NOT deleted
  AND initial_turn_status = 'complete'
  AND ($2 = ''
       OR (created_at, id) < (SELECT created_at, id FROM conversations WHERE id = $2))
ORDER BY created_at DESC, id DESC
LIMIT $3;
`
	rows, err := r.pool.Query(ctx, query, ownerID, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var items []domain.ConversationSummary
	for rows.Next() {
		var item domain.ConversationSummary
		if err := rows.Scan(&item.ID, &item.Title, &item.Type, &item.CreatedAt); err != nil {
			return nil, "", err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(items) == limit {
		next = items[len(items)-1].ID
	}
	return items, next, nil
}

// UpdateTitle renames a conversation on behalf of its owner.
func (r *ConversationRepositoryPG) UpdateTitle(ctx context.Context, id, ownerID, title string) error {
	return r.ownerUpdate(ctx, id, ownerID, `
UPDATE conversations
SET title = $3, updated_at = NOW()
WHERE id = $1 AND owner_id = $2 AND NOT deleted;
`, title)
}

// SetInitialTurnStatus mirrors the outcome of turn 0 onto the conversation so
// history listings can filter without joining turns.
func (r *ConversationRepositoryPG) SetInitialTurnStatus(ctx context.Context, id string, status domain.TurnStatus) error {
	query := `
UPDATE conversations
SET initial_turn_status = $2, updated_at = NOW()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetShareID records the conversation's public share link id.
func (r *ConversationRepositoryPG) SetShareID(ctx context.Context, id, shareID string) error {
	query := `
UPDATE conversations
SET share_id = $2, updated_at = NOW()
WHERE id = $1 AND NOT deleted;
`
	tag, err := r.pool.Exec(ctx, query, id, shareID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SoftDelete hides the conversation. The row is kept for audit but every read
// path, share links included, treats it as gone.
func (r *ConversationRepositoryPG) SoftDelete(ctx context.Context, id, ownerID string) error {
	return r.ownerUpdate(ctx, id, ownerID, `
UPDATE conversations
SET deleted = TRUE, updated_at = NOW()
WHERE id = $1 AND owner_id = $2 AND NOT deleted;
`)
}

// ownerUpdate runs an owner-scoped UPDATE and maps a zero-row result to the
// precise cause: absent row vs. foreign owner.
func (r *ConversationRepositoryPG) ownerUpdate(ctx context.Context, id, ownerID, query string, args ...any) error {
	params := append([]any{id, ownerID}, args...)
	tag, err := r.pool.Exec(ctx, query, params...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1 AND NOT deleted);`, id,
	).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return domain.ErrForbidden
	}
	return domain.ErrNotFound
}
