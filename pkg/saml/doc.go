// Package saml is the protocol boundary: it validates SAML 2.0 responses and
// flattens verified assertions into the attribute bags the federation core
// consumes.
//
// # Overview
//
// A Provider wraps one configured gosaml2 service provider per identity
// provider. The Registry resolves issuer entity IDs to providers, loading IdP
// metadata from inline XML, files or URLs, with an LRU cache for built
// providers and a Refresh hook for periodic metadata re-fetch.
//
// # Usage Example
//
//	registry, err := saml.NewRegistry(spConfig, settings, logger)
//	provider, err := registry.Provider(issuer)
//
//	bag, err := provider.ParseResponse(samlResponse)
//	// bag carries the reserved keys (issuer, name_id_content, ...) plus
//	// every IdP claim, multi-valued as sent.
//
// # Related Packages
//
//   - pkg/federation: consumes the attribute bags
//   - pkg/api: HTTP endpoints driving login, ACS and logout
package saml
