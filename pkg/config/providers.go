package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ngnpope/mellon/pkg/federation"
	"github.com/ngnpope/mellon/pkg/observability"
)

// providerEntry mirrors federation.IdPSettings with pointer fields so the
// loader can tell "unset" from "explicitly false/empty" when applying the
// deployment-wide defaults.
type providerEntry struct {
	EntityID     string `yaml:"entity_id"`
	Metadata     string `yaml:"metadata"`
	MetadataFile string `yaml:"metadata_file"`
	MetadataURL  string `yaml:"metadata_url"`

	Realm                        *string                 `yaml:"realm"`
	UsernameTemplate             *string                 `yaml:"username_template"`
	AttributeMapping             map[string]string       `yaml:"attribute_mapping"`
	SuperuserMapping             map[string][]string     `yaml:"superuser_mapping"`
	GroupAttribute               *string                 `yaml:"group_attribute"`
	CreateGroup                  *bool                   `yaml:"create_group"`
	Provision                    *bool                   `yaml:"provision"`
	TransientFederationAttribute *string                 `yaml:"transient_federation_attribute"`
	LookupByAttributes           []federation.LookupRule `yaml:"lookup_by_attributes"`
	AuthnClassRef                []string                `yaml:"authn_classref"`
}

type providersFile struct {
	Defaults  providerEntry   `yaml:"defaults"`
	Providers []providerEntry `yaml:"providers"`
}

// LoadProviders reads the identity providers YAML file and returns resolved
// per-IdP settings snapshots with defaults applied.
func LoadProviders(path string) ([]federation.IdPSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}
	var file providersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}

	settings := make([]federation.IdPSettings, 0, len(file.Providers))
	for _, entry := range file.Providers {
		settings = append(settings, resolveEntry(entry, file.Defaults))
	}
	return settings, nil
}

// resolveEntry merges one provider entry over the file defaults and the
// built-in fallbacks.
func resolveEntry(entry, defaults providerEntry) federation.IdPSettings {
	idp := federation.IdPSettings{
		EntityID:     entry.EntityID,
		Metadata:     entry.Metadata,
		MetadataFile: entry.MetadataFile,
		MetadataURL:  entry.MetadataURL,

		Realm:            stringOr(entry.Realm, defaults.Realm, federation.DefaultRealm),
		UsernameTemplate: stringOr(entry.UsernameTemplate, defaults.UsernameTemplate, federation.DefaultUsernameTemplate),
		GroupAttribute:   stringOr(entry.GroupAttribute, defaults.GroupAttribute, ""),
		CreateGroup:      boolOr(entry.CreateGroup, defaults.CreateGroup, false),
		Provision:        boolOr(entry.Provision, defaults.Provision, true),
		TransientFederationAttribute: stringOr(
			entry.TransientFederationAttribute, defaults.TransientFederationAttribute, ""),
	}

	idp.AttributeMapping = entry.AttributeMapping
	if idp.AttributeMapping == nil {
		idp.AttributeMapping = defaults.AttributeMapping
	}
	idp.SuperuserMapping = entry.SuperuserMapping
	if idp.SuperuserMapping == nil {
		idp.SuperuserMapping = defaults.SuperuserMapping
	}
	idp.LookupByAttributes = entry.LookupByAttributes
	if idp.LookupByAttributes == nil {
		idp.LookupByAttributes = defaults.LookupByAttributes
	}
	idp.AuthnClassRef = entry.AuthnClassRef
	if idp.AuthnClassRef == nil {
		idp.AuthnClassRef = defaults.AuthnClassRef
	}
	return idp
}

func stringOr(value, fallback *string, builtin string) string {
	if value != nil {
		return *value
	}
	if fallback != nil {
		return *fallback
	}
	return builtin
}

func boolOr(value, fallback *bool, builtin bool) bool {
	if value != nil {
		return *value
	}
	if fallback != nil {
		return *fallback
	}
	return builtin
}

// WatchProviders watches the providers file and invokes onReload with the
// freshly loaded settings whenever it changes. A load failure keeps the
// previous settings in effect. The returned function stops the watcher.
func WatchProviders(path string, onReload func([]federation.IdPSettings), logger *observability.Logger) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory: editors replace files, which would drop a watch
	// on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				settings, err := LoadProviders(path)
				if err != nil {
					logger.WithError(err).Error("failed to reload identity providers, keeping previous set")
					continue
				}
				logger.Infof("reloaded %d identity providers from %s", len(settings), path)
				onReload(settings)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Error("providers watcher error")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
