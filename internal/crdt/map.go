package crdt

import "sort"

type mapEntry struct {
	value   string
	ts      int64
	client  uint64
	deleted bool
}

// Map is a last-writer-wins key/value map. Ties on timestamp resolve by
// client id so every replica picks the same winner.
type Map struct {
	doc     *Doc
	name    string
	entries map[string]mapEntry
}

// Get returns the live value for key.
func (m *Map) Get(key string) (string, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.deleted {
		return "", false
	}
	return e.value, true
}

// Keys returns the live keys in sorted order.
func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of the live entries.
func (m *Map) Snapshot() map[string]string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	out := make(map[string]string, len(m.entries))
	for k, e := range m.entries {
		if !e.deleted {
			out[k] = e.value
		}
	}
	return out
}

// Set writes key within the transaction.
func (m *Map) Set(txn *Txn, key, value string) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	m.doc.localOp(txn, op{
		kind:  opMapSet,
		name:  m.name,
		key:   key,
		value: value,
		ts:    nowMillis(),
	})
}

// Delete removes key within the transaction.
func (m *Map) Delete(txn *Txn, key string) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	m.doc.localOp(txn, op{
		kind: opMapDelete,
		name: m.name,
		key:  key,
		ts:   nowMillis(),
	})
}

// integrate applies a map op under LWW rules. Callers hold doc.mu.
func (m *Map) integrate(o op, summary *ChangeSummary) {
	prev, exists := m.entries[o.key]
	if exists && !wins(o, prev) {
		return
	}
	switch o.kind {
	case opMapSet:
		m.entries[o.key] = mapEntry{value: o.value, ts: o.ts, client: o.id.Client}
		action := "update"
		if !exists || prev.deleted {
			action = "insert"
		}
		summary.MapChanges[m.name] = append(summary.MapChanges[m.name],
			MapEvent{Key: o.key, Action: action, Value: o.value})
	case opMapDelete:
		m.entries[o.key] = mapEntry{ts: o.ts, client: o.id.Client, deleted: true}
		if exists && !prev.deleted {
			summary.MapChanges[m.name] = append(summary.MapChanges[m.name],
				MapEvent{Key: o.key, Action: "delete"})
		}
	}
}

// wins reports whether the op beats the stored entry.
func wins(o op, prev mapEntry) bool {
	if o.ts != prev.ts {
		return o.ts > prev.ts
	}
	return o.id.Client >= prev.client
}
