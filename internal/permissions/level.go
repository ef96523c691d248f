// Package permissions resolves per-document access levels and derives the
// capability bits the hub enforces on every frame.
package permissions

import "fmt"

// Level is a document access level.
type Level string

const (
	LevelOwner    Level = "owner"
	LevelPostable Level = "postable"
	LevelEditable Level = "editable"
	LevelReadOnly Level = "readonly"
	LevelPublic   Level = "public"
	LevelNone     Level = "none"
)

// ParseLevel validates a level string.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelOwner, LevelPostable, LevelEditable, LevelReadOnly, LevelPublic, LevelNone:
		return Level(s), nil
	}
	return "", fmt.Errorf("permissions: unknown level %q", s)
}

// Effective is a resolved level with its capability bits.
type Effective struct {
	Level             Level
	CanRead           bool
	CanEdit           bool
	CanPostExternally bool
}

// Capabilities derives the capability bits for a level.
func Capabilities(level Level) Effective {
	return Effective{
		Level:             level,
		CanRead:           level != LevelNone,
		CanEdit:           level == LevelOwner || level == LevelPostable || level == LevelEditable,
		CanPostExternally: level == LevelOwner || level == LevelPostable,
	}
}
