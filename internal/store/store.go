// Package store persists document snapshots and the append-only activity
// log. The hub serializes saves per document, so last-writer-wins on the
// snapshot row is sufficient.
package store

import (
	"context"
	"time"

	"github.com/peakdocs/collab/internal/crdt"
	"github.com/peakdocs/collab/internal/protocol"
)

// DocumentStore holds the latest encoded replica state per document.
type DocumentStore interface {
	// Load returns the persisted encoding, nil for a new document. Stored
	// bytes that fail to decode are treated as raw initial text: a replica
	// is synthesized around them and written back transparently.
	Load(ctx context.Context, owner, permlink string) ([]byte, error)

	// Save overwrites the encoding, stamps last_activity and bumps the edit
	// counter.
	Save(ctx context.Context, owner, permlink string, data []byte) error
}

// Activity kinds recorded in the audit log.
const (
	KindConnect           = "connect"
	KindDisconnect        = "disconnect"
	KindDocumentEdit      = "document_edit"
	KindBlockedEdit       = "blocked_document_edit"
	KindPermissionGranted = "permission_granted"
	KindDocumentDeleted   = "document_deleted"
)

// ActivityEntry is one audit row.
type ActivityEntry struct {
	Owner    string
	Permlink string
	Account  string
	Kind     string
	Payload  string // JSON, may be empty
	At       time.Time
}

// ActivityLogger appends audit rows. Implementations must never block the
// hub's frame path; slow sinks buffer or drop.
type ActivityLogger interface {
	Record(ctx context.Context, entry ActivityEntry) error
}

// RecoverSnapshot normalizes persisted bytes into a decodable update blob.
// Bytes that already decode pass through; anything else is interpreted as
// raw initial text and re-encoded as a fresh replica holding that text.
// The second return reports whether synthesis happened, so callers can
// write the normalized encoding back.
func RecoverSnapshot(raw []byte) ([]byte, bool, error) {
	if len(raw) == 0 {
		return nil, false, nil
	}
	probe := crdt.NewDoc()
	if _, err := probe.ApplyUpdate(raw); err == nil {
		return raw, false, nil
	}

	doc := crdt.NewDoc()
	doc.Transact(func(txn *crdt.Txn) {
		doc.Text(protocol.ContentTextName).Insert(txn, 0, string(raw))
	})
	update, err := doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return nil, false, err
	}
	return update, true, nil
}
