package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peakdocs/collab/internal/crdt"
)

func TestClassifyFirstByteTable(t *testing.T) {
	live := crdt.NewDoc()
	var c Classifier

	cases := []struct {
		frame []byte
		want  Classification
	}{
		{nil, Unknown},
		{[]byte{crdt.MessageSync, 0}, Sync},
		{[]byte{crdt.MessageAwareness, 0}, Awareness},
		{[]byte{crdt.MessageAuth}, Auth},
		{[]byte{crdt.MessageQueryAwareness}, QueryAwareness},
		{[]byte{crdt.MessageSyncReply, 0}, SyncReply},
		{[]byte{crdt.MessageSyncStatus}, SyncStatus},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, c.Classify(tc.frame, live), "frame %v", tc.frame)
	}
}

func TestClassifyContentUpdate(t *testing.T) {
	live := crdt.NewDoc()
	src := crdt.NewDoc()
	update, _ := src.Transact(func(txn *crdt.Txn) {
		src.Text(ContentTextName).Insert(txn, 0, "hi")
	})
	require.NotEqual(t, uint8(0), update[0], "raw updates lead with a non-protocol byte")

	var c Classifier
	got := c.Classify(update, live)
	assert.Equal(t, ContentUpdate, got)
	// Classification must not touch the live replica.
	assert.Equal(t, 0, live.Text(ContentTextName).Len())
}

func TestClassifyPermissionOnlyUpdateIsNotContent(t *testing.T) {
	live := crdt.NewDoc()
	src := crdt.NewDoc()
	update, _ := src.Transact(func(txn *crdt.Txn) {
		src.Map(PermissionsMapName).Set(txn, "update_bob_1", `{"level":"editable"}`)
	})

	var c Classifier
	assert.Equal(t, Awareness, c.Classify(update, live))
}

func TestClassifyGarbageIsUnknown(t *testing.T) {
	live := crdt.NewDoc()
	var c Classifier
	assert.Equal(t, Unknown, c.Classify([]byte{0x7f, 0xde, 0xad, 0xbe, 0xef}, live))
}

func TestClassifyOversizedFrameDropped(t *testing.T) {
	live := crdt.NewDoc()
	c := Classifier{MaxBytes: 16}
	frame := make([]byte, 64)
	frame[0] = 0x20
	assert.Equal(t, Unknown, c.Classify(frame, live))
}
