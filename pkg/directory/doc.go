// Package directory provides the local user store consumed by the federation
// core: user accounts, group membership and the identity link table.
//
// # Overview
//
// The Directory interface is the narrow contract the federation engine needs
// from an account store; LinkStore adds the atomic identity-link primitive.
// SQLDirectory implements both over database/sql with SQL portable across
// PostgreSQL (production) and SQLite (tests).
//
// # Identity Links
//
// A link maps (issuer, name_id) to exactly one local user, enforced by a
// uniqueness constraint. InsertIfAbsent is a storage-layer conditional insert,
// so concurrent first-time logins for the same identity converge on a single
// account without application-level locking.
//
// # Usage Example
//
//	dir := directory.NewSQLDirectory(db)
//	if err := directory.RunMigrations(ctx, db); err != nil {
//		return err
//	}
//
//	user, err := dir.GetByLink(ctx, issuer, nameID)
//	if errors.Is(err, directory.ErrNotFound) {
//		// no federation link yet
//	}
//
// # Related Packages
//
//   - pkg/federation: consumes Directory and LinkStore
package directory
