// Package hub runs one actor per live document: it owns the CRDT replica,
// the awareness registry and the connection set, enforces edit permissions
// per frame, and persists the replica on a debounced timer.
package hub

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/peakdocs/collab/internal/permissions"
)

// DocumentID names one document.
type DocumentID struct {
	Owner    string
	Permlink string
}

func (id DocumentID) String() string {
	return id.Owner + "/" + id.Permlink
}

// ParseDocumentPath splits a client-supplied "owner/permlink" path. Both
// segments are required and non-empty.
func ParseDocumentPath(path string) (DocumentID, error) {
	path = strings.Trim(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return DocumentID{}, fmt.Errorf("document path must be owner/permlink, got %q", path)
	}
	return DocumentID{Owner: parts[0], Permlink: parts[1]}, nil
}

// Session is the authenticated per-connection context.
type Session struct {
	Account      string
	Doc          DocumentID
	Permission   permissions.Effective
	ConnectedAt  time.Time
	LastActivity time.Time
	Color        string
}

// NewSession builds a session with an assigned color.
func NewSession(account string, doc DocumentID, perm permissions.Effective, now time.Time) Session {
	return Session{
		Account:      account,
		Doc:          doc,
		Permission:   perm,
		ConnectedAt:  now,
		LastActivity: now,
		Color:        AssignColor(account, perm.Level),
	}
}

// AssignColor hashes the account to a stable hue. Read-only levels get a
// muted saturation so viewers are visually distinct from editors.
func AssignColor(account string, level permissions.Level) string {
	h := fnv.New32a()
	h.Write([]byte(account))
	hue := h.Sum32() % 360
	saturation := 70
	if !permissions.Capabilities(level).CanEdit {
		saturation = 35
	}
	return fmt.Sprintf("hsl(%d, %d%%, 50%%)", hue, saturation)
}
