// Package protocol classifies inbound collaboration frames so the hub can
// decide whether to apply, fan out, or reject each one.
package protocol

import (
	"fmt"

	"github.com/peakdocs/collab/internal/crdt"
)

// Classification tags one inbound frame.
type Classification uint8

const (
	Unknown Classification = iota
	Sync
	Awareness
	Auth
	QueryAwareness
	SyncReply
	SyncStatus
	ContentUpdate
)

func (c Classification) String() string {
	switch c {
	case Sync:
		return "sync"
	case Awareness:
		return "awareness"
	case Auth:
		return "auth"
	case QueryAwareness:
		return "query_awareness"
	case SyncReply:
		return "sync_reply"
	case SyncStatus:
		return "sync_status"
	case ContentUpdate:
		return "content_update"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// DefaultMaxClassifyBytes caps the dry-apply path. Frames larger than this
// with a non-protocol leading byte are dropped instead of applied to a
// scratch replica, which keeps classification from becoming a DoS vector.
const DefaultMaxClassifyBytes = 1 << 20

// ContentTextName is the text sequence holding the document body.
const ContentTextName = "content"

// PermissionsMapName is the map mirroring the authoritative permission store.
const PermissionsMapName = "permissions"

// Classifier resolves frames to classifications. The zero value uses the
// default size cap.
type Classifier struct {
	MaxBytes int
}

// Classify tags a raw frame. The first-byte table is authoritative for the
// protocol types; any other leading byte is a suspected content update and
// is validated by dry-applying it to a scratch replica forked from live.
// Pure: live is never mutated.
func (c Classifier) Classify(frame []byte, live *crdt.Doc) Classification {
	if len(frame) == 0 {
		return Unknown
	}
	switch frame[0] {
	case crdt.MessageSync:
		return Sync
	case crdt.MessageAwareness:
		return Awareness
	case crdt.MessageAuth:
		return Auth
	case crdt.MessageQueryAwareness:
		return QueryAwareness
	case crdt.MessageSyncReply:
		return SyncReply
	case crdt.MessageSyncStatus:
		return SyncStatus
	}

	max := c.MaxBytes
	if max <= 0 {
		max = DefaultMaxClassifyBytes
	}
	if len(frame) > max {
		return Unknown
	}

	scratch, err := live.Fork()
	if err != nil {
		return Unknown
	}
	summary, err := scratch.ApplyUpdate(frame)
	if err != nil {
		return Unknown
	}
	if summary.TextDelta[ContentTextName] != 0 || summary.MapChangedExcept(PermissionsMapName) {
		return ContentUpdate
	}
	// Applied cleanly but changed nothing observable: some dialects ship
	// presence-ish payloads with non-standard leading bytes.
	return Awareness
}
