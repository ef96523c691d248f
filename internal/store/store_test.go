package store

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peakdocs/collab/internal/crdt"
	"github.com/peakdocs/collab/internal/protocol"
)

func TestRecoverSnapshotPassthrough(t *testing.T) {
	doc := crdt.NewDoc()
	doc.Transact(func(txn *crdt.Txn) {
		doc.Text(protocol.ContentTextName).Insert(txn, 0, "stored")
	})
	encoded, err := doc.EncodeStateAsUpdate(nil)
	require.NoError(t, err)

	out, recovered, err := RecoverSnapshot(encoded)
	require.NoError(t, err)
	assert.False(t, recovered)
	assert.Equal(t, encoded, out)
}

func TestRecoverSnapshotFromRawText(t *testing.T) {
	out, recovered, err := RecoverSnapshot([]byte("plain legacy body"))
	require.NoError(t, err)
	assert.True(t, recovered)

	doc := crdt.NewDoc()
	_, err = doc.ApplyUpdate(out)
	require.NoError(t, err)
	assert.Equal(t, "plain legacy body", doc.Text(protocol.ContentTextName).String())
}

func TestMemoryLoadNormalizesRawText(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryDocumentStore()
	m.Seed("alice", "welcome", []byte("legacy"))

	first, err := m.Load(ctx, "alice", "welcome")
	require.NoError(t, err)
	second, err := m.Load(ctx, "alice", "welcome")
	require.NoError(t, err)
	assert.Equal(t, first, second, "write-back must persist the synthesized encoding")

	doc := crdt.NewDoc()
	_, err = doc.ApplyUpdate(second)
	require.NoError(t, err)
	assert.Equal(t, "legacy", doc.Text(protocol.ContentTextName).String())
}

func TestMemoryLoadNewDocument(t *testing.T) {
	m := NewMemoryDocumentStore()
	data, err := m.Load(context.Background(), "alice", "fresh")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestPostgresSaveUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO collab_documents`)).
		WithArgs("alice", "welcome", []byte{0x01}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewPostgresDocumentStore(db)
	require.NoError(t, s.Save(context.Background(), "alice", "welcome", []byte{0x01}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoadMissingRowIsNil(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT document_bytes FROM collab_documents`)).
		WithArgs("alice", "fresh").
		WillReturnRows(sqlmock.NewRows([]string{"document_bytes"}))

	s := NewPostgresDocumentStore(db)
	data, err := s.Load(context.Background(), "alice", "fresh")
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresActivityRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO collab_activity`)).
		WithArgs(sqlmock.AnyArg(), "alice", "welcome", "bob", KindBlockedEdit, "{}").
		WillReturnResult(sqlmock.NewResult(0, 1))

	l := NewPostgresActivityLogger(db)
	require.NoError(t, l.Record(context.Background(), ActivityEntry{
		Owner: "alice", Permlink: "welcome", Account: "bob", Kind: KindBlockedEdit,
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}
