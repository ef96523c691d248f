package permissions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresStore backs the ACL with two tables: collab_permissions holds the
// explicit rows, collab_documents carries the is_public flag.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Resolve(ctx context.Context, account, owner, permlink string) (Effective, error) {
	return resolveWith(ctx, p, account, owner, permlink, func() (Level, bool, error) {
		var raw string
		err := p.db.QueryRowContext(ctx,
			`SELECT level FROM collab_permissions WHERE owner = $1 AND permlink = $2 AND account = $3`,
			owner, permlink, account).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("query permission row: %w", err)
		}
		level, err := ParseLevel(raw)
		if err != nil {
			return "", false, err
		}
		return level, true, nil
	})
}

func (p *PostgresStore) Upsert(ctx context.Context, owner, permlink, account string, level Level, grantedBy string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO collab_permissions (owner, permlink, account, level, granted_by, granted_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (owner, permlink, account)
		 DO UPDATE SET level = EXCLUDED.level, granted_by = EXCLUDED.granted_by, granted_at = NOW()`,
		owner, permlink, account, string(level), grantedBy)
	if err != nil {
		return fmt.Errorf("upsert permission row: %w", err)
	}
	return nil
}

func (p *PostgresStore) IsPublic(ctx context.Context, owner, permlink string) (bool, error) {
	var public bool
	err := p.db.QueryRowContext(ctx,
		`SELECT is_public FROM collab_documents WHERE owner = $1 AND permlink = $2`,
		owner, permlink).Scan(&public)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query public flag: %w", err)
	}
	return public, nil
}
