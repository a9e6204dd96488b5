package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"syncd/pkg/db"
)

// Update advertises that a template has a version newer than the consumer's cursor.
type Update struct {
	GlobalTemplateID uuid.UUID `json:"global_template_id" db:"template_id"`
	Version          string    `json:"version" db:"version"`
	Checksum         string    `json:"checksum" db:"checksum"`
	PublishedAt      time.Time `json:"published_at" db:"created_at"`
}

// Feed lists updates published after a point in time. *Registry satisfies it.
type Feed interface {
	Updates(ctx context.Context, since time.Time) ([]Update, error)
}

// PoolFeed reads the updates feed straight from Postgres.
type PoolFeed struct {
	pool *pgxpool.Pool
}

// NewPoolFeed returns a feed backed by pool.
func NewPoolFeed(pool *pgxpool.Pool) (*PoolFeed, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &PoolFeed{pool: pool}, nil
}

const updatesQuery = `
SELECT template_id, version, checksum, created_at FROM (
	SELECT DISTINCT ON (template_id) template_id, version, checksum, created_at
	FROM template_versions
	ORDER BY template_id, seq DESC
) latest
WHERE created_at > $1
ORDER BY created_at ASC`

// Updates implements Feed.
func (f *PoolFeed) Updates(ctx context.Context, since time.Time) ([]Update, error) {
	var out []Update
	if err := db.Select(ctx, f.pool, &out, updatesQuery, since.UTC()); err != nil {
		return nil, fmt.Errorf("select updates: %w", err)
	}
	if out == nil {
		out = []Update{}
	}
	return out, nil
}
