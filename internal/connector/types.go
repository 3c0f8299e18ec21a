// ABOUTME: Core connector types defining external tool servers and their tools.
// ABOUTME: A connector describes how to reach a tool server and how to authenticate.

package connector

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the transport a connector uses.
type Kind string

const (
	// KindStdioProcess is a local subprocess speaking newline-delimited JSON over stdio.
	KindStdioProcess Kind = "stdio_process"

	// KindHTTPRemote is a remote HTTP service.
	KindHTTPRemote Kind = "http_remote"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindStdioProcess || k == KindHTTPRemote
}

// AuthMethod identifies how a connector authenticates to its tool server.
type AuthMethod string

const (
	AuthNone   AuthMethod = "none"
	AuthAPIKey AuthMethod = "api_key"
	AuthOAuth2 AuthMethod = "oauth2"
)

// Valid reports whether a is a known auth method.
func (a AuthMethod) Valid() bool {
	return a == AuthNone || a == AuthAPIKey || a == AuthOAuth2
}

// LaunchSpec describes how to reach a tool server. For stdio_process connectors
// Command/Args/Env are used; for http_remote connectors BaseURL is used.
type LaunchSpec struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	BaseURL string            `json:"base_url,omitempty"`
}

// Validate checks that the spec carries the fields its kind requires.
func (l LaunchSpec) Validate(kind Kind) error {
	switch kind {
	case KindStdioProcess:
		if l.Command == "" {
			return fmt.Errorf("stdio_process launch spec requires a command")
		}
	case KindHTTPRemote:
		if l.BaseURL == "" {
			return fmt.Errorf("http_remote launch spec requires a base_url")
		}
	default:
		return fmt.Errorf("unknown connector kind %q", kind)
	}
	return nil
}

// Connector is a registered definition of an external tool server.
// System connectors have an empty OwnerUserID and fixed configuration;
// custom connectors are owned by the user who registered them.
type Connector struct {
	ID          string
	OwnerUserID string // empty = system connector
	Name        string
	Kind        Kind
	Launch      LaunchSpec
	AuthMethod  AuthMethod
	Active      bool
	CreatedAt   time.Time
}

// IsSystem reports whether this is a built-in system connector.
func (c *Connector) IsSystem() bool {
	return c.OwnerUserID == ""
}

// Tool is one callable tool discovered from a tool server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	JSONSchema  json.RawMessage `json:"json_schema,omitempty"`
}

// SecretKind categorizes a stored credential.
type SecretKind string

const (
	SecretAPIKey     SecretKind = "api_key"
	SecretOAuthToken SecretKind = "oauth_token"
)

// OAuthToken is the credential payload handed over by the external OAuth layer.
// It is serialized to JSON before vault encryption; the plaintext only exists
// in process memory.
type OAuthToken struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}
