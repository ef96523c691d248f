package permissions

import (
	"context"
	"sync"
)

// Store is the durable source of truth for per-document ACLs.
type Store interface {
	// Resolve derives the effective permission for account on the document:
	// document owner → owner level; explicit row → its level; public flag →
	// public; otherwise none.
	Resolve(ctx context.Context, account, owner, permlink string) (Effective, error)

	// Upsert writes one account → level row. Idempotent per
	// (owner, permlink, account).
	Upsert(ctx context.Context, owner, permlink, account string, level Level, grantedBy string) error

	// IsPublic reports whether the document is flagged world-readable.
	IsPublic(ctx context.Context, owner, permlink string) (bool, error)
}

// resolveWith applies the shared derivation order on top of a row lookup.
func resolveWith(ctx context.Context, s Store, account, owner, permlink string, row func() (Level, bool, error)) (Effective, error) {
	if account == owner {
		return Capabilities(LevelOwner), nil
	}
	level, ok, err := row()
	if err != nil {
		return Effective{}, err
	}
	if ok {
		return Capabilities(level), nil
	}
	public, err := s.IsPublic(ctx, owner, permlink)
	if err != nil {
		return Effective{}, err
	}
	if public {
		return Capabilities(LevelPublic), nil
	}
	return Capabilities(LevelNone), nil
}

// ============================================================================
// IN-MEMORY STORE
// ============================================================================

type memoryKey struct {
	owner    string
	permlink string
	account  string
}

type docKey struct {
	owner    string
	permlink string
}

// MemoryStore is a map-backed Store for tests and single-node development.
type MemoryStore struct {
	mu     sync.RWMutex
	rows   map[memoryKey]Level
	public map[docKey]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:   make(map[memoryKey]Level),
		public: make(map[docKey]bool),
	}
}

func (m *MemoryStore) Resolve(ctx context.Context, account, owner, permlink string) (Effective, error) {
	return resolveWith(ctx, m, account, owner, permlink, func() (Level, bool, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		level, ok := m.rows[memoryKey{owner, permlink, account}]
		return level, ok, nil
	})
}

func (m *MemoryStore) Upsert(_ context.Context, owner, permlink, account string, level Level, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[memoryKey{owner, permlink, account}] = level
	return nil
}

func (m *MemoryStore) IsPublic(_ context.Context, owner, permlink string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.public[docKey{owner, permlink}], nil
}

// SetPublic flags a document world-readable. Test/dev helper; the Postgres
// store reads the flag from the document row instead.
func (m *MemoryStore) SetPublic(owner, permlink string, public bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.public[docKey{owner, permlink}] = public
}
