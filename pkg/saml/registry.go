package saml

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/russellhaering/gosaml2/types"

	"github.com/ngnpope/mellon/pkg/federation"
	"github.com/ngnpope/mellon/pkg/observability"
)

const providerCacheSize = 64

// Registry resolves issuers to IdP settings and lazily built providers.
// Settings entries with file or URL metadata sources are materialized at
// load time; a broken entry is logged and skipped, never fatal for the
// others.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*federation.IdPSettings

	cache    *lru.Cache[string, *Provider]
	spConfig SPConfig
	client   *http.Client
	logger   *observability.Logger
}

// NewRegistry builds a registry for the given IdP settings list.
func NewRegistry(spConfig SPConfig, settings []federation.IdPSettings, logger *observability.Logger) (*Registry, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	cache, err := lru.New[string, *Provider](providerCacheSize)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		providers: make(map[string]*federation.IdPSettings),
		cache:     cache,
		spConfig:  spConfig,
		client:    &http.Client{Timeout: 15 * time.Second},
		logger:    logger,
	}
	r.Reload(settings)
	return r, nil
}

// Reload replaces the provider set and drops all cached service providers.
func (r *Registry) Reload(settings []federation.IdPSettings) {
	resolved := make(map[string]*federation.IdPSettings, len(settings))
	for i := range settings {
		idp := settings[i]
		if err := r.resolveMetadata(&idp); err != nil {
			r.logger.WithError(err).Errorf("skipping identity provider %d (%s)", i, idp.EntityID)
			continue
		}
		resolved[idp.EntityID] = &idp
	}

	r.mu.Lock()
	r.providers = resolved
	r.mu.Unlock()
	r.cache.Purge()
}

// resolveMetadata materializes the metadata document from its configured
// source and fills EntityID from the document when unset.
func (r *Registry) resolveMetadata(idp *federation.IdPSettings) error {
	switch {
	case idp.Metadata != "":
	case idp.MetadataFile != "":
		data, err := os.ReadFile(idp.MetadataFile)
		if err != nil {
			return fmt.Errorf("failed to read metadata file: %w", err)
		}
		idp.Metadata = string(data)
	case idp.MetadataURL != "":
		resp, err := r.client.Get(idp.MetadataURL)
		if err != nil {
			return fmt.Errorf("failed to retrieve metadata URL %s: %w", idp.MetadataURL, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("metadata URL %s returned status %d", idp.MetadataURL, resp.StatusCode)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read metadata from %s: %w", idp.MetadataURL, err)
		}
		idp.Metadata = string(data)
	default:
		return fmt.Errorf("missing metadata, metadata_file or metadata_url")
	}

	if idp.EntityID == "" {
		descriptor := &types.EntityDescriptor{}
		if err := xml.Unmarshal([]byte(idp.Metadata), descriptor); err != nil {
			return fmt.Errorf("invalid metadata document: %w", err)
		}
		if descriptor.EntityID == "" {
			return fmt.Errorf("metadata has no entityID attribute")
		}
		idp.EntityID = descriptor.EntityID
	}
	return nil
}

// Lookup returns the settings for an issuer entity ID, nil when unknown.
// The nil return feeds the authorization stage, which denies the login.
func (r *Registry) Lookup(entityID string) *federation.IdPSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[entityID]
}

// List returns the registered settings snapshots.
func (r *Registry) List() []*federation.IdPSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*federation.IdPSettings, 0, len(r.providers))
	for _, idp := range r.providers {
		out = append(out, idp)
	}
	return out
}

// Provider returns the service provider for an issuer, building and caching
// it on first use.
func (r *Registry) Provider(entityID string) (*Provider, error) {
	if provider, ok := r.cache.Get(entityID); ok {
		return provider, nil
	}
	settings := r.Lookup(entityID)
	if settings == nil {
		return nil, fmt.Errorf("unknown identity provider %q", entityID)
	}
	provider, err := NewProvider(settings, r.spConfig)
	if err != nil {
		return nil, err
	}
	r.cache.Add(entityID, provider)
	return provider, nil
}

// Refresh re-fetches metadata for URL-sourced providers. Wired to a cron
// schedule by the service binary so certificate rollovers propagate without
// restarts.
func (r *Registry) Refresh(ctx context.Context) {
	r.mu.RLock()
	current := make([]federation.IdPSettings, 0, len(r.providers))
	for _, idp := range r.providers {
		entry := *idp
		if entry.MetadataURL != "" {
			// Force a re-fetch instead of reusing the cached document.
			entry.Metadata = ""
		}
		current = append(current, entry)
	}
	r.mu.RUnlock()

	select {
	case <-ctx.Done():
		return
	default:
	}
	r.Reload(current)
	r.logger.Debugf("refreshed %d identity providers", len(current))
}
