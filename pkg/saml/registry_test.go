package saml

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnpope/mellon/pkg/federation"
	"github.com/ngnpope/mellon/pkg/observability"
)

func newTestRegistry(t *testing.T, settings []federation.IdPSettings) *Registry {
	t.Helper()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	registry, err := NewRegistry(testSPConfig, settings, logger)
	require.NoError(t, err)
	return registry
}

func TestRegistryInlineMetadata(t *testing.T) {
	registry := newTestRegistry(t, []federation.IdPSettings{
		{EntityID: "https://idp.example.com", Metadata: testIdPMetadata(t, "https://idp.example.com", "https://idp.example.com/sso", "")},
	})

	assert.NotNil(t, registry.Lookup("https://idp.example.com"))
	assert.Nil(t, registry.Lookup("https://unknown.example.com"))
	assert.Len(t, registry.List(), 1)
}

func TestRegistryEntityIDFromMetadata(t *testing.T) {
	// No entity_id configured; the registry reads it off the document.
	registry := newTestRegistry(t, []federation.IdPSettings{
		{Metadata: testIdPMetadata(t, "https://discovered.example.com", "https://idp.example.com/sso", "")},
	})

	settings := registry.Lookup("https://discovered.example.com")
	require.NotNil(t, settings)
	assert.Equal(t, "https://discovered.example.com", settings.EntityID)
}

func TestRegistryMetadataFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idp.xml")
	metadata := testIdPMetadata(t, "https://file.example.com", "https://idp.example.com/sso", "")
	require.NoError(t, os.WriteFile(path, []byte(metadata), 0o600))

	registry := newTestRegistry(t, []federation.IdPSettings{
		{MetadataFile: path},
	})
	assert.NotNil(t, registry.Lookup("https://file.example.com"))
}

func TestRegistryMetadataFromURL(t *testing.T) {
	metadata := testIdPMetadata(t, "https://remote.example.com", "https://idp.example.com/sso", "")
	var fetches int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetches, 1)
		w.Write([]byte(metadata))
	}))
	defer server.Close()

	registry := newTestRegistry(t, []federation.IdPSettings{
		{MetadataURL: server.URL},
	})
	require.NotNil(t, registry.Lookup("https://remote.example.com"))
	require.Equal(t, int32(1), atomic.LoadInt32(&fetches))

	// Refresh re-fetches URL-sourced metadata.
	registry.Refresh(context.Background())
	assert.NotNil(t, registry.Lookup("https://remote.example.com"))
	assert.Equal(t, int32(2), atomic.LoadInt32(&fetches))
}

func TestRegistrySkipsBrokenEntries(t *testing.T) {
	registry := newTestRegistry(t, []federation.IdPSettings{
		{EntityID: "https://no-metadata.example.com"},
		{EntityID: "https://bad-url.example.com", MetadataURL: "http://127.0.0.1:1/metadata"},
		{EntityID: "https://good.example.com", Metadata: testIdPMetadata(t, "https://good.example.com", "https://idp.example.com/sso", "")},
	})

	assert.Len(t, registry.List(), 1)
	assert.NotNil(t, registry.Lookup("https://good.example.com"))
}

func TestRegistryProviderCache(t *testing.T) {
	registry := newTestRegistry(t, []federation.IdPSettings{
		{EntityID: "https://idp.example.com", Metadata: testIdPMetadata(t, "https://idp.example.com", "https://idp.example.com/sso", "")},
	})

	first, err := registry.Provider("https://idp.example.com")
	require.NoError(t, err)
	second, err := registry.Provider("https://idp.example.com")
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = registry.Provider("https://unknown.example.com")
	assert.Error(t, err)

	// Reload drops the cached provider.
	registry.Reload([]federation.IdPSettings{
		{EntityID: "https://idp.example.com", Metadata: testIdPMetadata(t, "https://idp.example.com", "https://idp.example.com/sso", "")},
	})
	rebuilt, err := registry.Provider("https://idp.example.com")
	require.NoError(t, err)
	assert.NotSame(t, first, rebuilt)
}
