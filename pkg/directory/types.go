package directory

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// User is a local account record. The federation core treats it as a mutable
// bag of named profile fields plus the staff/superuser flag pair; field
// metadata (validity, max length) is owned by the Directory.
type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email,omitempty"`
	FirstName   string    `json:"first_name,omitempty"`
	LastName    string    `json:"last_name,omitempty"`
	IsStaff     bool      `json:"is_staff"`
	IsSuperuser bool      `json:"is_superuser"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FieldValue returns the current value of a named profile field, "" for
// unknown fields.
func (u *User) FieldValue(field string) string {
	switch field {
	case "username":
		return u.Username
	case "email":
		return u.Email
	case "first_name":
		return u.FirstName
	case "last_name":
		return u.LastName
	}
	return ""
}

// setField updates the in-memory copy after a successful persist.
func (u *User) setField(field, value string) {
	switch field {
	case "username":
		u.Username = value
	case "email":
		u.Email = value
	case "first_name":
		u.FirstName = value
	case "last_name":
		u.LastName = value
	}
}

// Group is a named membership group.
type Group struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// IdentityLink is the durable mapping from an external federated identity to
// a local user. Unique on (issuer, name_id); created exactly once per
// identity by InsertIfAbsent.
type IdentityLink struct {
	ID        int64     `json:"id"`
	Issuer    string    `json:"issuer"`
	NameID    string    `json:"name_id"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Directory is the narrow contract the federation core consumes from the
// local user store.
type Directory interface {
	// Create inserts a new user with the given username and default flags.
	Create(ctx context.Context, username string) (*User, error)

	// Get fetches a user by primary key.
	Get(ctx context.Context, id int64) (*User, error)

	// GetByLink fetches the user linked to (issuer, nameID), ErrNotFound if
	// no link exists. Read-only; the repeat-login fast path depends on it.
	GetByLink(ctx context.Context, issuer, nameID string) (*User, error)

	// Find returns users whose field matches value. excludeLinked restricts
	// the search to users with no identity link at all, which keeps
	// attribute-based lookup from hijacking already-federated accounts.
	Find(ctx context.Context, field, value string, ignoreCase, excludeLinked bool) ([]*User, error)

	// SetFields persists the given field values and updates user in place.
	SetFields(ctx context.Context, user *User, fields map[string]string) error

	// SetFlags persists the staff/superuser flag pair.
	SetFlags(ctx context.Context, user *User, staff, superuser bool) error

	// Delete removes a user; compensating action for failed provisioning.
	Delete(ctx context.Context, user *User) error

	// ValidField reports whether the directory recognizes a profile field.
	ValidField(field string) bool

	// FieldMaxLength returns the bound for a field, 0 when unbounded.
	FieldMaxLength(field string) int

	// GetGroup fetches a group by name, ErrNotFound when unknown.
	GetGroup(ctx context.Context, name string) (*Group, error)

	// GetOrCreateGroup fetches or creates a group by name.
	GetOrCreateGroup(ctx context.Context, name string) (*Group, error)

	// GroupsOf lists the groups the user currently belongs to.
	GroupsOf(ctx context.Context, user *User) ([]*Group, error)

	// AddToGroup and RemoveFromGroup are idempotent membership mutations.
	AddToGroup(ctx context.Context, user *User, group *Group) error
	RemoveFromGroup(ctx context.Context, user *User, group *Group) error
}

// LinkStore is the identity linking store. InsertIfAbsent is the single
// atomic primitive the resolver's consistency guarantee depends on: it must
// be a storage-layer conditional insert, never a check-then-insert.
type LinkStore interface {
	// InsertIfAbsent atomically creates the link (issuer, nameID) -> userID
	// unless one already exists. It returns the surviving link and whether
	// this call created it.
	InsertIfAbsent(ctx context.Context, issuer, nameID string, userID int64) (*IdentityLink, bool, error)

	// DeleteLink removes a link; compensating action when finalizing a
	// just-provisioned user fails.
	DeleteLink(ctx context.Context, issuer, nameID string) error
}
