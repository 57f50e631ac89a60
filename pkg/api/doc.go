// Package api exposes the SAML service-provider HTTP endpoints.
//
// # Endpoints
//
// GET  /sso/login     redirect to the IdP single sign-on endpoint
// POST /sso/acs       assertion consumer service: validate, resolve, log in
// GET  /sso/logout    SP-initiated logout, forwarded to the IdP when possible
// GET|POST /sso/slo   IdP-initiated single logout by session index
// GET  /sso/metadata  SP metadata document for IdP registration
// GET  /sso/session   current session behind the cookie
// GET  /healthz       liveness probe
// GET  /metrics       Prometheus metrics
//
// # Related Packages
//
//   - pkg/saml: response validation and provider registry
//   - pkg/federation: identity resolution pipeline
//   - pkg/sessions: Redis session store
package api
