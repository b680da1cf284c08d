package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// ShareRepositoryPG implements domain.ShareRepository.
type ShareRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewShareRepository creates a share repository backed by PostgreSQL.
func NewShareRepository(pool *pgxpool.Pool) *ShareRepositoryPG {
	return &ShareRepositoryPG{pool: pool}
}

// Create inserts a new share link record.
func (r *ShareRepositoryPG) Create(ctx context.Context, share *domain.Share) error {
	query := `
INSERT INTO shares (id, conversation_id, owner_id, enabled)
VALUES ($1, $2, $3, $4);
`
	_, err := r.pool.Exec(ctx, query,
		share.ID,
		share.ConversationID,
		share.OwnerID,
		share.Enabled,
	)
	return err
}

// Get fetches a share link by its public id.
func (r *ShareRepositoryPG) Get(ctx context.Context, shareID string) (*domain.Share, error) {
	query := `
SELECT id, conversation_id, owner_id, enabled, view_count, created_at
FROM shares
WHERE id = $1;
`
	row := r.pool.QueryRow(ctx, query, shareID)
	var share domain.Share
	if err := row.Scan(
		&share.ID,
		&share.ConversationID,
		&share.OwnerID,
		&share.Enabled,
		&share.ViewCount,
		&share.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &share, nil
}

// IncrementViews bumps the view counter atomically in SQL, so concurrent
// readers never lose a count.
func (r *ShareRepositoryPG) IncrementViews(ctx context.Context, shareID string) error {
	query := `
UPDATE shares
SET view_count = view_count + 1
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query, shareID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
