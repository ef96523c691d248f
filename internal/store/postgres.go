package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Open connects to Postgres and verifies the connection.
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// PostgresDocumentStore persists snapshots in the collab_documents table.
type PostgresDocumentStore struct {
	db *sql.DB
}

func NewPostgresDocumentStore(db *sql.DB) *PostgresDocumentStore {
	return &PostgresDocumentStore{db: db}
}

func (p *PostgresDocumentStore) Load(ctx context.Context, owner, permlink string) ([]byte, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT document_bytes FROM collab_documents WHERE owner = $1 AND permlink = $2`,
		owner, permlink).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}

	update, recovered, err := RecoverSnapshot(raw)
	if err != nil {
		return nil, err
	}
	if recovered {
		// Write the normalized encoding back so the next load decodes
		// directly. Failure here is not fatal: the caller already has the
		// synthesized state.
		if err := p.Save(ctx, owner, permlink, update); err != nil {
			slog.Warn("snapshot normalization write-back failed",
				"owner", owner, "permlink", permlink, "error", err)
		}
	}
	return update, nil
}

func (p *PostgresDocumentStore) Save(ctx context.Context, owner, permlink string, data []byte) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO collab_documents (owner, permlink, document_bytes, last_activity, edit_count)
		 VALUES ($1, $2, $3, NOW(), 1)
		 ON CONFLICT (owner, permlink)
		 DO UPDATE SET document_bytes = EXCLUDED.document_bytes,
		               last_activity = NOW(),
		               edit_count = collab_documents.edit_count + 1`,
		owner, permlink, data)
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

// PostgresActivityLogger appends audit rows to collab_activity.
type PostgresActivityLogger struct {
	db *sql.DB
}

func NewPostgresActivityLogger(db *sql.DB) *PostgresActivityLogger {
	return &PostgresActivityLogger{db: db}
}

func (p *PostgresActivityLogger) Record(ctx context.Context, entry ActivityEntry) error {
	payload := entry.Payload
	if payload == "" {
		payload = "{}"
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO collab_activity (id, owner, permlink, account, kind, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		uuid.New().String(), entry.Owner, entry.Permlink, entry.Account, entry.Kind, payload)
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}
