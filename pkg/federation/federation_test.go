package federation

import (
	"context"
	"database/sql"
	"io"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/ngnpope/mellon/pkg/directory"
	"github.com/ngnpope/mellon/pkg/observability"
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

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	return db
}

func newTestAdapter(t *testing.T) (*DefaultAdapter, *directory.SQLDirectory, *sql.DB) {
	t.Helper()
	db := newTestDB(t)
	dir := directory.NewSQLDirectory(db)
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewDefaultAdapter(dir, dir, logger, nil), dir, db
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func testBag(issuer, nameID string, extra map[string][]string) AttributeBag {
	bag := AttributeBag{
		KeyIssuer:        {issuer},
		KeyNameIDContent: {nameID},
	}
	for k, v := range extra {
		bag[k] = v
	}
	return bag
}

func mustCreateUser(t *testing.T, dir *directory.SQLDirectory, username string) *directory.User {
	t.Helper()
	user, err := dir.Create(context.Background(), username)
	require.NoError(t, err)
	return user
}
