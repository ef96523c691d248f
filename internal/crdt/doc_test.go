package crdt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertText(t *testing.T, d *Doc, index int, s string) []byte {
	t.Helper()
	update, _ := d.Transact(func(txn *Txn) {
		d.Text("content").Insert(txn, index, s)
	})
	return update
}

func TestTextInsertAndDelete(t *testing.T) {
	d := NewDoc()
	insertText(t, d, 0, "hello world")
	assert.Equal(t, "hello world", d.Text("content").String())

	d.Transact(func(txn *Txn) {
		d.Text("content").Delete(txn, 5, 6)
	})
	assert.Equal(t, "hello", d.Text("content").String())
	assert.Equal(t, 5, d.Text("content").Len())
}

func TestTransactReadsInsideClosure(t *testing.T) {
	d := NewDoc()
	insertText(t, d, 0, "seed")

	// Reads through the public accessors must not block while a
	// transaction is open. The read-then-write pattern below is how the
	// hub seeds the permissions map on cold start.
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Transact(func(txn *Txn) {
			text := d.Text("content")
			text.Insert(txn, text.Len(), "!")
			perms := d.Map("permissions")
			if _, ok := perms.Get("creator"); !ok {
				perms.Set(txn, "creator", "alice")
			}
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("transaction blocked reading the document it was editing")
	}

	assert.Equal(t, "seed!", d.Text("content").String())
	v, ok := d.Map("permissions").Get("creator")
	require.True(t, ok)
	assert.Equal(t, "alice", v)
}

func TestConcurrentInsertsConverge(t *testing.T) {
	a := NewDoc()
	b := NewDoc()

	base := insertText(t, a, 0, "ab")
	_, err := b.ApplyUpdate(base)
	require.NoError(t, err)

	// Concurrent edits at the same position.
	ua := insertText(t, a, 1, "X")
	ub := insertText(t, b, 1, "Y")

	_, err = a.ApplyUpdate(ub)
	require.NoError(t, err)
	_, err = b.ApplyUpdate(ua)
	require.NoError(t, err)

	assert.Equal(t, a.Text("content").String(), b.Text("content").String())
	assert.Len(t, a.Text("content").String(), 4)
}

func TestUpdatesCommute(t *testing.T) {
	src := NewDoc()
	u1 := insertText(t, src, 0, "abc")
	u2 := insertText(t, src, 3, "def")
	u3, _ := src.Transact(func(txn *Txn) {
		src.Text("content").Delete(txn, 0, 2)
	})

	inOrder := NewDoc()
	for _, u := range [][]byte{u1, u2, u3} {
		_, err := inOrder.ApplyUpdate(u)
		require.NoError(t, err)
	}

	reversed := NewDoc()
	for _, u := range [][]byte{u3, u2, u1} {
		_, err := reversed.ApplyUpdate(u)
		require.NoError(t, err)
	}

	assert.Equal(t, "cdef", inOrder.Text("content").String())
	assert.Equal(t, inOrder.Text("content").String(), reversed.Text("content").String())
}

func TestApplyUpdateIdempotent(t *testing.T) {
	src := NewDoc()
	u := insertText(t, src, 0, "once")

	dst := NewDoc()
	_, err := dst.ApplyUpdate(u)
	require.NoError(t, err)
	sum, err := dst.ApplyUpdate(u)
	require.NoError(t, err)

	assert.Equal(t, "once", dst.Text("content").String())
	assert.False(t, sum.TextChanged())
}

func TestSyncRoundTrip(t *testing.T) {
	server := NewDoc()
	insertText(t, server, 0, "persisted state")
	server.Transact(func(txn *Txn) {
		server.Map("permissions").Set(txn, "alice", "owner")
	})

	client := NewDoc()
	step1 := EncodeSyncStep1(client.EncodeStateVector())
	res, err := HandleSyncMessage(server, step1[1:])
	require.NoError(t, err)
	require.NotNil(t, res.Reply)
	assert.Equal(t, MessageSync, res.Reply[0])

	res2, err := HandleSyncMessage(client, res.Reply[1:])
	require.NoError(t, err)
	assert.True(t, res2.Applied)
	assert.Equal(t, "persisted state", client.Text("content").String())
	level, ok := client.Map("permissions").Get("alice")
	require.True(t, ok)
	assert.Equal(t, "owner", level)
}

func TestForkMatchesOriginal(t *testing.T) {
	d := NewDoc()
	insertText(t, d, 0, "fork me")
	d.Transact(func(txn *Txn) {
		d.Map("meta").Set(txn, "k", "v")
	})

	fork, err := d.Fork()
	require.NoError(t, err)
	assert.Equal(t, d.Text("content").String(), fork.Text("content").String())
	v, ok := fork.Map("meta").Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
	assert.NotEqual(t, d.ClientID(), fork.ClientID())
}

func TestMapLastWriterWins(t *testing.T) {
	a := NewDoc()
	b := NewDoc()

	ua, _ := a.Transact(func(txn *Txn) {
		a.Map("permissions").Set(txn, "bob", "readonly")
	})
	ub, _ := b.Transact(func(txn *Txn) {
		b.Map("permissions").Set(txn, "bob", "editable")
	})

	_, err := a.ApplyUpdate(ub)
	require.NoError(t, err)
	_, err = b.ApplyUpdate(ua)
	require.NoError(t, err)

	va, _ := a.Map("permissions").Get("bob")
	vb, _ := b.Map("permissions").Get("bob")
	assert.Equal(t, va, vb, "replicas disagree on LWW winner")
}

func TestObserveMap(t *testing.T) {
	d := NewDoc()
	var got []MapEvent
	cancel := d.ObserveMap("permissions", func(evs []MapEvent) {
		got = append(got, evs...)
	})

	d.Transact(func(txn *Txn) {
		d.Map("permissions").Set(txn, "bob", "editable")
	})
	require.Len(t, got, 1)
	assert.Equal(t, "insert", got[0].Action)
	assert.Equal(t, "bob", got[0].Key)
	assert.Equal(t, "editable", got[0].Value)

	d.Transact(func(txn *Txn) {
		d.Map("permissions").Delete(txn, "bob")
	})
	require.Len(t, got, 2)
	assert.Equal(t, "delete", got[1].Action)

	cancel()
	d.Transact(func(txn *Txn) {
		d.Map("permissions").Set(txn, "carol", "readonly")
	})
	assert.Len(t, got, 2, "cancelled observer must not fire")
}

func TestOutOfOrderDeliveryPends(t *testing.T) {
	src := NewDoc()
	u1 := insertText(t, src, 0, "ab")
	u2 := insertText(t, src, 2, "cd")

	dst := NewDoc()
	_, err := dst.ApplyUpdate(u2) // depends on u1
	require.NoError(t, err)
	assert.Equal(t, "", dst.Text("content").String())

	_, err = dst.ApplyUpdate(u1)
	require.NoError(t, err)
	assert.Equal(t, "abcd", dst.Text("content").String())
}

func TestMalformedUpdateRejected(t *testing.T) {
	d := NewDoc()
	_, err := d.ApplyUpdate([]byte{0xff, 0x01, 0x02})
	assert.Error(t, err)
}

func TestChangeSummary(t *testing.T) {
	src := NewDoc()
	u, _ := src.Transact(func(txn *Txn) {
		src.Text("content").Insert(txn, 0, "x")
		src.Map("permissions").Set(txn, "alice", "owner")
	})

	dst := NewDoc()
	sum, err := dst.ApplyUpdate(u)
	require.NoError(t, err)
	assert.True(t, sum.TextChanged())
	assert.False(t, sum.MapChangedExcept("permissions"))
	assert.Len(t, sum.MapChanges["permissions"], 1)
}

func TestAwarenessApplyAndRemove(t *testing.T) {
	a := NewAwareness(1)
	b := NewAwareness(2)

	payload := a.SetLocalState([]byte(`{"cursor":42}`))
	changed, err := b.ApplyUpdate(payload)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, changed)
	assert.Equal(t, []uint64{1}, b.Clients())

	removal := a.SetLocalState(nil)
	changed, err = b.ApplyUpdate(removal)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, changed)
	assert.Empty(t, b.Clients())
}

func TestAwarenessStaleClockIgnored(t *testing.T) {
	a := NewAwareness(1)
	b := NewAwareness(2)

	first := a.SetLocalState([]byte(`{"v":1}`))
	second := a.SetLocalState([]byte(`{"v":2}`))

	_, err := b.ApplyUpdate(second)
	require.NoError(t, err)
	changed, err := b.ApplyUpdate(first)
	require.NoError(t, err)
	assert.Empty(t, changed, "older clock must not overwrite newer state")
}
