// Package sessions keeps SAML login sessions in Redis.
//
// Sessions expire through per-key TTLs derived from the assertion's
// SessionNotOnOrAfter condition. A secondary index by SAML session index
// supports IdP-initiated single logout, which references sessions by that
// index rather than by local session ID.
package sessions
