package federation

import "errors"

// ErrAccessDenied is returned by Authorize when the assertion fails an
// IdP-specific access policy. It is an expected policy outcome, not an
// infrastructure failure: the entry point translates it into a refused login.
var ErrAccessDenied = errors.New("access denied")

// errUserCreation aborts finalization of a just-provisioned user. It never
// escapes the resolver; the speculative user and link are rolled back and the
// login is refused.
var errUserCreation = errors.New("user creation failed")
