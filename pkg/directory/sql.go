package directory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// userFields is the profile-field whitelist with per-field length bounds.
// SetFields interpolates these names into SQL, so the whitelist doubles as
// the injection guard.
var userFields = map[string]int{
	"username":   30,
	"email":      254,
	"first_name": 30,
	"last_name":  150,
}

const userColumns = "id, username, email, first_name, last_name, is_staff, is_superuser, created_at, updated_at"

// SQLDirectory implements Directory and LinkStore over database/sql. The SQL
// is kept portable across PostgreSQL (production) and SQLite (tests).
type SQLDirectory struct {
	db *sql.DB
}

// NewSQLDirectory creates a directory backed by the given database handle.
func NewSQLDirectory(db *sql.DB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

func scanUser(row interface{ Scan(...interface{}) error }) (*User, error) {
	user := &User{}
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.FirstName,
		&user.LastName, &user.IsStaff, &user.IsSuperuser, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// Create inserts a new user with empty profile fields and no flags.
func (d *SQLDirectory) Create(ctx context.Context, username string) (*User, error) {
	row := d.db.QueryRowContext(ctx, `
		INSERT INTO users (username, email, first_name, last_name, is_staff, is_superuser)
		VALUES ($1, '', '', '', false, false)
		RETURNING `+userColumns, username)
	user, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Get fetches a user by primary key.
func (d *SQLDirectory) Get(ctx context.Context, id int64) (*User, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to fetch user %d: %w", id, err)
	}
	return user, nil
}

// GetByLink fetches the user linked to (issuer, nameID).
func (d *SQLDirectory) GetByLink(ctx context.Context, issuer, nameID string) (*User, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT `+prefixColumns("u")+`
		FROM users u
		JOIN saml_identifiers si ON si.user_id = u.id
		WHERE si.issuer = $1 AND si.name_id = $2`, issuer, nameID)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to look up link (%s, %s): %w", issuer, nameID, err)
	}
	return user, nil
}

func prefixColumns(alias string) string {
	cols := strings.Split(userColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

// Find returns users whose field matches value.
func (d *SQLDirectory) Find(ctx context.Context, field, value string, ignoreCase, excludeLinked bool) ([]*User, error) {
	if !d.ValidField(field) {
		return nil, fmt.Errorf("unknown user field %q", field)
	}
	where := field + " = $1"
	if ignoreCase {
		where = "LOWER(" + field + ") = LOWER($1)"
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where
	if excludeLinked {
		query += ` AND NOT EXISTS (SELECT 1 FROM saml_identifiers si WHERE si.user_id = users.id)`
	}
	query += ` ORDER BY id`

	rows, err := d.db.QueryContext(ctx, query, value)
	if err != nil {
		return nil, fmt.Errorf("failed to search users by %s: %w", field, err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// SetFields persists the given field values and updates user in place.
func (d *SQLDirectory) SetFields(ctx context.Context, user *User, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		if !d.ValidField(name) {
			return fmt.Errorf("unknown user field %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	assignments := make([]string, 0, len(names)+1)
	args := make([]interface{}, 0, len(names)+1)
	for i, name := range names {
		assignments = append(assignments, fmt.Sprintf("%s = $%d", name, i+1))
		args = append(args, fields[name])
	}
	assignments = append(assignments, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, user.ID)

	query := fmt.Sprintf("UPDATE users SET %s WHERE id = $%d", strings.Join(assignments, ", "), len(args))
	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update user %d: %w", user.ID, err)
	}
	for name, value := range fields {
		user.setField(name, value)
	}
	return nil
}

// SetFlags persists the staff/superuser flag pair.
func (d *SQLDirectory) SetFlags(ctx context.Context, user *User, staff, superuser bool) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE users SET is_staff = $1, is_superuser = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $3`, staff, superuser, user.ID)
	if err != nil {
		return fmt.Errorf("failed to update flags of user %d: %w", user.ID, err)
	}
	user.IsStaff = staff
	user.IsSuperuser = superuser
	return nil
}

// Delete removes a user and, by cascade, its memberships and links.
func (d *SQLDirectory) Delete(ctx context.Context, user *User) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, user.ID); err != nil {
		return fmt.Errorf("failed to delete user %d: %w", user.ID, err)
	}
	return nil
}

// ValidField reports whether the directory recognizes a profile field.
func (d *SQLDirectory) ValidField(field string) bool {
	_, ok := userFields[field]
	return ok
}

// FieldMaxLength returns the bound for a field, 0 when unknown or unbounded.
func (d *SQLDirectory) FieldMaxLength(field string) int {
	return userFields[field]
}

// GetGroup fetches a group by name.
func (d *SQLDirectory) GetGroup(ctx context.Context, name string) (*Group, error) {
	group := &Group{}
	err := d.db.QueryRowContext(ctx, `SELECT id, name FROM groups WHERE name = $1`, name).
		Scan(&group.ID, &group.Name)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to fetch group %q: %w", name, err)
	}
	return group, nil
}

// GetOrCreateGroup fetches or creates a group by name. The conditional
// insert makes concurrent creations collapse onto one row.
func (d *SQLDirectory) GetOrCreateGroup(ctx context.Context, name string) (*Group, error) {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO groups (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create group %q: %w", name, err)
	}
	return d.GetGroup(ctx, name)
}

// GroupsOf lists the groups the user currently belongs to.
func (d *SQLDirectory) GroupsOf(ctx context.Context, user *User) ([]*Group, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT g.id, g.name
		FROM groups g
		JOIN user_groups ug ON ug.group_id = g.id
		WHERE ug.user_id = $1
		ORDER BY g.name`, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups of user %d: %w", user.ID, err)
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		group := &Group{}
		if err := rows.Scan(&group.ID, &group.Name); err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

// AddToGroup adds the user to a group; a no-op when already a member.
func (d *SQLDirectory) AddToGroup(ctx context.Context, user *User, group *Group) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO user_groups (user_id, group_id) VALUES ($1, $2)
		ON CONFLICT (user_id, group_id) DO NOTHING`, user.ID, group.ID)
	if err != nil {
		return fmt.Errorf("failed to add user %d to group %q: %w", user.ID, group.Name, err)
	}
	return nil
}

// RemoveFromGroup removes the user from a group; a no-op when not a member.
func (d *SQLDirectory) RemoveFromGroup(ctx context.Context, user *User, group *Group) error {
	_, err := d.db.ExecContext(ctx, `
		DELETE FROM user_groups WHERE user_id = $1 AND group_id = $2`, user.ID, group.ID)
	if err != nil {
		return fmt.Errorf("failed to remove user %d from group %q: %w", user.ID, group.Name, err)
	}
	return nil
}

// InsertIfAbsent atomically creates the link (issuer, nameID) -> userID
// unless one exists. The uniqueness constraint on (issuer, name_id) is the
// synchronization point for concurrent first-time logins: exactly one of the
// racing inserts takes effect and every caller observes the surviving row.
func (d *SQLDirectory) InsertIfAbsent(ctx context.Context, issuer, nameID string, userID int64) (*IdentityLink, bool, error) {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO saml_identifiers (issuer, name_id, user_id) VALUES ($1, $2, $3)
		ON CONFLICT (issuer, name_id) DO NOTHING`, issuer, nameID, userID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert link (%s, %s): %w", issuer, nameID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	link := &IdentityLink{}
	err = d.db.QueryRowContext(ctx, `
		SELECT id, issuer, name_id, user_id, created_at
		FROM saml_identifiers WHERE issuer = $1 AND name_id = $2`, issuer, nameID).
		Scan(&link.ID, &link.Issuer, &link.NameID, &link.UserID, &link.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch link (%s, %s): %w", issuer, nameID, err)
	}
	return link, inserted == 1, nil
}

// DeleteLink removes a link; compensating action for failed user creation.
func (d *SQLDirectory) DeleteLink(ctx context.Context, issuer, nameID string) error {
	_, err := d.db.ExecContext(ctx, `
		DELETE FROM saml_identifiers WHERE issuer = $1 AND name_id = $2`, issuer, nameID)
	if err != nil {
		return fmt.Errorf("failed to delete link (%s, %s): %w", issuer, nameID, err)
	}
	return nil
}
