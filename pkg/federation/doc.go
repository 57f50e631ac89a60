// Package federation implements the identity federation core: mapping a
// verified SAML assertion to a local user account and keeping that account in
// sync with the identity provider's claims.
//
// # Overview
//
// The entry point is the Broker, which runs the three pipeline stages in
// order: authorization (per-IdP policy checks), identity resolution (link
// lookup, attribute matching, just-in-time provisioning) and provisioning
// (profile fields, staff/superuser flags, group membership).
//
// # Usage Example
//
// Wire the default adapter and resolve a login:
//
//	adapter := federation.NewDefaultAdapter(dir, dir, logger, recorder)
//	broker := federation.NewBroker(adapter, logger, metrics)
//
//	user, err := broker.ResolveAndAuthenticate(ctx, idp, bag)
//	if err != nil {
//		// infrastructure failure, retryable
//	}
//	if user == nil {
//		// login refused: denied by policy, ambiguous match or
//		// provisioning disabled
//	}
//
// # Resolution Order
//
//  1. Direct link lookup on (issuer, name_id): the repeat-login fast path.
//  2. Attribute-based lookup over unlinked accounts; exactly one match wins.
//  3. Just-in-time provisioning when enabled for the IdP.
//  4. Atomic link establishment; concurrent first logins converge on one
//     account.
//
// # Related Packages
//
//   - pkg/directory: local user store and identity link store
//   - pkg/saml: assertion validation and attribute extraction
//   - pkg/audit: audit trail of every provisioning mutation
package federation
