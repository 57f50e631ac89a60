// Package config loads service configuration.
//
// Service-level settings (server, database, Redis, SP key material) come from
// MELLON_* environment variables. Identity providers come from a YAML file
// with a defaults section merged into each entry; WatchProviders reloads the
// file on change so provider updates need no restart.
package config
