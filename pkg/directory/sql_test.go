package directory

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `
	CREATE TABLE users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username VARCHAR(30) NOT NULL UNIQUE,
		email VARCHAR(254) NOT NULL DEFAULT '',
		first_name VARCHAR(30) NOT NULL DEFAULT '',
		last_name VARCHAR(150) NOT NULL DEFAULT '',
		is_staff BOOLEAN NOT NULL DEFAULT 0,
		is_superuser BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name VARCHAR(150) NOT NULL UNIQUE
	);

	CREATE TABLE user_groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		group_id INTEGER NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
		UNIQUE(user_id, group_id)
	);

	CREATE TABLE saml_identifiers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		issuer TEXT NOT NULL,
		name_id TEXT NOT NULL,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(issuer, name_id)
	);
`

func newTestDirectory(t *testing.T) (*SQLDirectory, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	return NewSQLDirectory(db), db
}

func TestCreateAndGet(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	user, err := dir.Create(ctx, "alice")
	require.NoError(t, err)
	assert.NotZero(t, user.ID)
	assert.Equal(t, "alice", user.Username)
	assert.False(t, user.IsStaff)
	assert.False(t, user.IsSuperuser)

	fetched, err := dir.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, fetched.ID)
	assert.Equal(t, "alice", fetched.Username)

	_, err = dir.Get(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateDuplicateUsername(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	_, err := dir.Create(ctx, "alice")
	require.NoError(t, err)
	_, err = dir.Create(ctx, "alice")
	assert.Error(t, err)
}

func TestGetByLink(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	user, err := dir.Create(ctx, "alice")
	require.NoError(t, err)
	_, _, err = dir.InsertIfAbsent(ctx, "http://idp", "nameid", user.ID)
	require.NoError(t, err)

	linked, err := dir.GetByLink(ctx, "http://idp", "nameid")
	require.NoError(t, err)
	assert.Equal(t, user.ID, linked.ID)

	_, err = dir.GetByLink(ctx, "http://idp", "other")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = dir.GetByLink(ctx, "http://other", "nameid")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFind(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	jane, err := dir.Create(ctx, "jane")
	require.NoError(t, err)
	require.NoError(t, dir.SetFields(ctx, jane, map[string]string{"email": "Jane.Doe@example.com"}))

	bob, err := dir.Create(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, dir.SetFields(ctx, bob, map[string]string{"email": "bob@example.com"}))

	t.Run("exact match", func(t *testing.T) {
		found, err := dir.Find(ctx, "email", "Jane.Doe@example.com", false, false)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, jane.ID, found[0].ID)
	})

	t.Run("case-sensitive miss", func(t *testing.T) {
		found, err := dir.Find(ctx, "email", "jane.doe@example.com", false, false)
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("case-insensitive match", func(t *testing.T) {
		found, err := dir.Find(ctx, "email", "jane.doe@example.com", true, false)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, jane.ID, found[0].ID)
	})

	t.Run("exclude linked users", func(t *testing.T) {
		_, _, err := dir.InsertIfAbsent(ctx, "http://idp", "nameid", jane.ID)
		require.NoError(t, err)

		found, err := dir.Find(ctx, "email", "jane.doe@example.com", true, true)
		require.NoError(t, err)
		assert.Empty(t, found)

		found, err = dir.Find(ctx, "email", "bob@example.com", false, true)
		require.NoError(t, err)
		assert.Len(t, found, 1)
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		_, err := dir.Find(ctx, "password", "x", false, false)
		assert.Error(t, err)
	})
}

func TestSetFields(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	user, err := dir.Create(ctx, "alice")
	require.NoError(t, err)

	err = dir.SetFields(ctx, user, map[string]string{
		"email":      "alice@example.com",
		"first_name": "Alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.Equal(t, "Alice", user.FirstName)

	reloaded, err := dir.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", reloaded.Email)
	assert.Equal(t, "Alice", reloaded.FirstName)

	assert.Error(t, dir.SetFields(ctx, user, map[string]string{"password": "x"}))
	assert.NoError(t, dir.SetFields(ctx, user, nil))
}

func TestSetFlags(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	user, err := dir.Create(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, dir.SetFlags(ctx, user, true, true))
	reloaded, err := dir.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.IsStaff)
	assert.True(t, reloaded.IsSuperuser)

	require.NoError(t, dir.SetFlags(ctx, user, false, false))
	reloaded, err = dir.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.IsStaff)
	assert.False(t, reloaded.IsSuperuser)
}

func TestDeleteCascadesLinks(t *testing.T) {
	dir, db := newTestDirectory(t)
	ctx := context.Background()

	user, err := dir.Create(ctx, "alice")
	require.NoError(t, err)
	_, _, err = dir.InsertIfAbsent(ctx, "http://idp", "nameid", user.ID)
	require.NoError(t, err)

	require.NoError(t, dir.Delete(ctx, user))

	var links int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM saml_identifiers").Scan(&links))
	assert.Equal(t, 0, links)
}

func TestGroups(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	user, err := dir.Create(ctx, "alice")
	require.NoError(t, err)

	_, err = dir.GetGroup(ctx, "admins")
	assert.ErrorIs(t, err, ErrNotFound)

	admins, err := dir.GetOrCreateGroup(ctx, "admins")
	require.NoError(t, err)
	again, err := dir.GetOrCreateGroup(ctx, "admins")
	require.NoError(t, err)
	assert.Equal(t, admins.ID, again.ID)

	require.NoError(t, dir.AddToGroup(ctx, user, admins))
	// Idempotent.
	require.NoError(t, dir.AddToGroup(ctx, user, admins))

	groups, err := dir.GroupsOf(ctx, user)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "admins", groups[0].Name)

	require.NoError(t, dir.RemoveFromGroup(ctx, user, admins))
	require.NoError(t, dir.RemoveFromGroup(ctx, user, admins))
	groups, err = dir.GroupsOf(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestInsertIfAbsent(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	alice, err := dir.Create(ctx, "alice")
	require.NoError(t, err)
	bob, err := dir.Create(ctx, "bob")
	require.NoError(t, err)

	link, created, err := dir.InsertIfAbsent(ctx, "http://idp", "nameid", alice.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, alice.ID, link.UserID)

	// A second insert for the same identity loses: the surviving link still
	// points at the first user and created is false.
	link, created, err = dir.InsertIfAbsent(ctx, "http://idp", "nameid", bob.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, alice.ID, link.UserID)

	// Same name identifier under a different issuer is a distinct identity.
	link, created, err = dir.InsertIfAbsent(ctx, "http://other", "nameid", bob.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, bob.ID, link.UserID)
}

func TestDeleteLink(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	user, err := dir.Create(ctx, "alice")
	require.NoError(t, err)
	_, _, err = dir.InsertIfAbsent(ctx, "http://idp", "nameid", user.ID)
	require.NoError(t, err)

	require.NoError(t, dir.DeleteLink(ctx, "http://idp", "nameid"))
	_, err = dir.GetByLink(ctx, "http://idp", "nameid")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing link is not an error.
	require.NoError(t, dir.DeleteLink(ctx, "http://idp", "nameid"))
}

func TestFieldMetadata(t *testing.T) {
	dir, _ := newTestDirectory(t)

	assert.True(t, dir.ValidField("username"))
	assert.True(t, dir.ValidField("email"))
	assert.False(t, dir.ValidField("password"))
	assert.False(t, dir.ValidField(""))

	assert.Equal(t, 30, dir.FieldMaxLength("username"))
	assert.Equal(t, 254, dir.FieldMaxLength("email"))
	assert.Equal(t, 0, dir.FieldMaxLength("password"))
}

func TestInsertIfAbsentExecError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	dir := NewSQLDirectory(db)

	mock.ExpectExec("INSERT INTO saml_identifiers").
		WillReturnError(sql.ErrConnDone)

	_, _, err = dir.InsertIfAbsent(context.Background(), "http://idp", "nameid", 1)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	dir := NewSQLDirectory(db)

	mock.ExpectQuery("SELECT (.+) FROM users").
		WillReturnError(sql.ErrConnDone)

	_, err = dir.Find(context.Background(), "email", "a@b", false, true)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}
