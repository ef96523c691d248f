package permissions

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilities(t *testing.T) {
	cases := []struct {
		level    Level
		read     bool
		edit     bool
		external bool
	}{
		{LevelOwner, true, true, true},
		{LevelPostable, true, true, true},
		{LevelEditable, true, true, false},
		{LevelReadOnly, true, false, false},
		{LevelPublic, true, false, false},
		{LevelNone, false, false, false},
	}
	for _, tc := range cases {
		eff := Capabilities(tc.level)
		assert.Equal(t, tc.read, eff.CanRead, "%s canRead", tc.level)
		assert.Equal(t, tc.edit, eff.CanEdit, "%s canEdit", tc.level)
		assert.Equal(t, tc.external, eff.CanPostExternally, "%s canPostExternally", tc.level)
	}
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("editable")
	require.NoError(t, err)
	assert.Equal(t, LevelEditable, level)

	_, err = ParseLevel("superuser")
	assert.Error(t, err)
}

func TestMemoryResolveDerivation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	// Document owner always resolves to owner.
	eff, err := s.Resolve(ctx, "alice", "alice", "welcome")
	require.NoError(t, err)
	assert.Equal(t, LevelOwner, eff.Level)

	// No row, not public → none, connection refused upstream.
	eff, err = s.Resolve(ctx, "bob", "alice", "welcome")
	require.NoError(t, err)
	assert.Equal(t, LevelNone, eff.Level)
	assert.False(t, eff.CanRead)

	// Explicit row wins over the public flag.
	require.NoError(t, s.Upsert(ctx, "alice", "welcome", "bob", LevelReadOnly, "alice"))
	s.SetPublic("alice", "welcome", true)
	eff, err = s.Resolve(ctx, "bob", "alice", "welcome")
	require.NoError(t, err)
	assert.Equal(t, LevelReadOnly, eff.Level)

	// Public flag covers accounts without a row.
	eff, err = s.Resolve(ctx, "carol", "alice", "welcome")
	require.NoError(t, err)
	assert.Equal(t, LevelPublic, eff.Level)
	assert.True(t, eff.CanRead)
	assert.False(t, eff.CanEdit)
}

func TestMemoryUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Upsert(ctx, "alice", "welcome", "bob", LevelReadOnly, "alice"))
	require.NoError(t, s.Upsert(ctx, "alice", "welcome", "bob", LevelEditable, "alice"))

	eff, err := s.Resolve(ctx, "bob", "alice", "welcome")
	require.NoError(t, err)
	assert.Equal(t, LevelEditable, eff.Level)
}

func TestPostgresResolveRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT level FROM collab_permissions`)).
		WithArgs("alice", "welcome", "bob").
		WillReturnRows(sqlmock.NewRows([]string{"level"}).AddRow("editable"))

	s := NewPostgresStore(db)
	eff, err := s.Resolve(context.Background(), "bob", "alice", "welcome")
	require.NoError(t, err)
	assert.Equal(t, LevelEditable, eff.Level)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresResolveFallsBackToPublicFlag(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT level FROM collab_permissions`)).
		WithArgs("alice", "welcome", "bob").
		WillReturnRows(sqlmock.NewRows([]string{"level"}))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT is_public FROM collab_documents`)).
		WithArgs("alice", "welcome").
		WillReturnRows(sqlmock.NewRows([]string{"is_public"}).AddRow(true))

	s := NewPostgresStore(db)
	eff, err := s.Resolve(context.Background(), "bob", "alice", "welcome")
	require.NoError(t, err)
	assert.Equal(t, LevelPublic, eff.Level)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO collab_permissions`)).
		WithArgs("alice", "welcome", "bob", "editable", "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewPostgresStore(db)
	require.NoError(t, s.Upsert(context.Background(), "alice", "welcome", "bob", LevelEditable, "alice"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
