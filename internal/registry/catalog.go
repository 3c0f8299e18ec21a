// ABOUTME: Built-in system-connector catalog loaded from a TOML file at startup.
// ABOUTME: Entries are upserted as owner-less connectors visible to every user.

package registry

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/2389/toolgate/internal/connector"
	"github.com/2389/toolgate/internal/store"
)

// Catalog is the parsed system-connector catalog file.
type Catalog struct {
	Connectors []CatalogEntry `toml:"connectors"`
}

// CatalogEntry describes one built-in connector.
type CatalogEntry struct {
	ID      string            `toml:"id"`
	Name    string            `toml:"name"`
	Kind    string            `toml:"kind"`
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Env     map[string]string `toml:"env"`
	BaseURL string            `toml:"base_url"`

	// Auth defaults to "none". For api_key entries, SecretEnv names the
	// environment variable holding the key; the value is vault-encrypted before
	// it reaches the store.
	Auth      string `toml:"auth"`
	SecretEnv string `toml:"secret_env"`
}

// LoadCatalog parses the catalog file, expanding ${VAR} references from the
// environment.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}

	var cat Catalog
	if _, err := toml.Decode(expandEnvVars(string(data)), &cat); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	for i := range cat.Connectors {
		if err := cat.Connectors[i].validate(); err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i, err)
		}
	}
	return &cat, nil
}

func (e *CatalogEntry) validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.Name == "" {
		return fmt.Errorf("name is required")
	}
	conn := e.connector()
	if !conn.Kind.Valid() {
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if err := conn.Launch.Validate(conn.Kind); err != nil {
		return err
	}
	if !conn.AuthMethod.Valid() {
		return fmt.Errorf("unknown auth %q", e.Auth)
	}
	if conn.AuthMethod != connector.AuthNone && e.SecretEnv == "" {
		return fmt.Errorf("auth %q requires secret_env", e.Auth)
	}
	return nil
}

func (e *CatalogEntry) connector() *connector.Connector {
	auth := connector.AuthMethod(e.Auth)
	if e.Auth == "" {
		auth = connector.AuthNone
	}
	return &connector.Connector{
		ID:   e.ID,
		Name: e.Name,
		Kind: connector.Kind(e.Kind),
		Launch: connector.LaunchSpec{
			Command: e.Command,
			Args:    e.Args,
			Env:     e.Env,
			BaseURL: e.BaseURL,
		},
		AuthMethod: auth,
		Active:     true,
	}
}

// SyncSystemConnectors loads the catalog and upserts every entry. Entries with
// a secret_env whose variable is set get their secret vault-encrypted and
// stored; entries whose variable is unset keep any previously stored
// credential. Idempotent across restarts.
func (r *Registry) SyncSystemConnectors(ctx context.Context, catalogPath string) error {
	cat, err := LoadCatalog(catalogPath)
	if err != nil {
		return err
	}

	for _, entry := range cat.Connectors {
		conn := entry.connector()
		if err := r.store.UpsertSystemConnector(ctx, conn); err != nil {
			return fmt.Errorf("upserting system connector %q: %w", entry.ID, err)
		}

		if entry.SecretEnv != "" {
			if secret := os.Getenv(entry.SecretEnv); secret != "" {
				plain, err := encodeSecret(conn.AuthMethod, secret)
				if err != nil {
					return fmt.Errorf("encoding secret for %q: %w", entry.ID, err)
				}
				encrypted, err := r.vault.Encrypt(plain)
				if err != nil {
					return fmt.Errorf("encrypting secret for %q: %w", entry.ID, err)
				}
				rec := &store.CredentialRecord{
					ConnectorID:     conn.ID,
					EncryptedSecret: encrypted,
					SecretKind:      secretKindFor(conn.AuthMethod),
				}
				if err := r.store.SaveCredential(ctx, rec); err != nil {
					return fmt.Errorf("saving secret for %q: %w", entry.ID, err)
				}
			}
		}

		r.logger.Info("system connector synced", "connector_id", conn.ID, "name", conn.Name)
	}
	return nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(name)
	})
}
