package store

import (
	"context"
	"sync"
)

type docKey struct {
	owner    string
	permlink string
}

// MemoryDocumentStore keeps snapshots in process memory. Used by tests and
// single-node development runs.
type MemoryDocumentStore struct {
	mu    sync.Mutex
	docs  map[docKey][]byte
	loads int
	saves int
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{docs: make(map[docKey][]byte)}
}

func (m *MemoryDocumentStore) Load(_ context.Context, owner, permlink string) ([]byte, error) {
	m.mu.Lock()
	raw := m.docs[docKey{owner, permlink}]
	m.loads++
	m.mu.Unlock()

	update, recovered, err := RecoverSnapshot(raw)
	if err != nil {
		return nil, err
	}
	if recovered {
		m.mu.Lock()
		m.docs[docKey{owner, permlink}] = update
		m.mu.Unlock()
	}
	return update, nil
}

func (m *MemoryDocumentStore) Save(_ context.Context, owner, permlink string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docKey{owner, permlink}] = append([]byte(nil), data...)
	m.saves++
	return nil
}

// Seed places raw bytes for a document without counting a save.
func (m *MemoryDocumentStore) Seed(owner, permlink string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docKey{owner, permlink}] = data
}

// Counts returns the load and save call totals.
func (m *MemoryDocumentStore) Counts() (loads, saves int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads, m.saves
}

// MemoryActivityLogger collects audit rows in memory.
type MemoryActivityLogger struct {
	mu      sync.Mutex
	entries []ActivityEntry
}

func NewMemoryActivityLogger() *MemoryActivityLogger {
	return &MemoryActivityLogger{}
}

func (m *MemoryActivityLogger) Record(_ context.Context, entry ActivityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

// Entries returns a copy of the recorded rows.
func (m *MemoryActivityLogger) Entries() []ActivityEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ActivityEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// ByKind filters recorded rows by kind.
func (m *MemoryActivityLogger) ByKind(kind string) []ActivityEntry {
	var out []ActivityEntry
	for _, e := range m.Entries() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
