// Package credentials resolves named credentials for adapters and the
// bootstrap runner. Credentials are supplied by the caller's environment and
// never persisted by straddle; secret material is held in Secret values that
// redact themselves when printed, logged or marshaled.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/straddle/pkg/engine"
)

const redacted = "[REDACTED]"

// Secret is sensitive material. Its String, JSON and YAML forms are redacted;
// Reveal returns the raw value.
type Secret string

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString implements fmt.GoStringer so %#v is redacted too.
func (s Secret) GoString() string {
	return s.String()
}

// MarshalJSON implements json.Marshaler.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// MarshalYAML implements yaml.Marshaler.
func (s Secret) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// MarshalText implements encoding.TextMarshaler, which zerolog and most
// encoders honor.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reveal returns the raw secret.
func (s Secret) Reveal() string {
	return string(s)
}

// IsSet reports whether the secret has a value.
func (s Secret) IsSet() bool {
	return s != ""
}

// Credential is a named set of connection parameters.
type Credential struct {
	// Name is the credential name referenced by resources.
	Name string `json:"name" yaml:"name"`

	// Endpoint is the API endpoint, e.g. https://pve.example.com:8006.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Region scopes cloud API calls.
	Region string `json:"region,omitempty" yaml:"region,omitempty"`

	// KeyID is the access key id or API token id.
	KeyID string `json:"key_id,omitempty" yaml:"key_id,omitempty"`

	// Secret is the access key secret or API token secret.
	Secret Secret `json:"secret,omitempty" yaml:"secret,omitempty"`

	// SessionToken is an optional temporary session token.
	SessionToken Secret `json:"session_token,omitempty" yaml:"session_token,omitempty"`

	// User is the SSH login user.
	User string `json:"user,omitempty" yaml:"user,omitempty"`

	// PrivateKey is a PEM encoded SSH private key.
	PrivateKey Secret `json:"private_key,omitempty" yaml:"private_key,omitempty"`

	// Passphrase decrypts PrivateKey.
	Passphrase Secret `json:"passphrase,omitempty" yaml:"passphrase,omitempty"`

	// PublicKey is an authorized_keys line installed on created machines.
	PublicKey string `json:"public_key,omitempty" yaml:"public_key,omitempty"`

	// Insecure disables TLS verification for self-signed endpoints.
	Insecure bool `json:"insecure,omitempty" yaml:"insecure,omitempty"`
}

// HasAPIKey reports whether the credential carries an API key pair.
func (c *Credential) HasAPIKey() bool {
	return c.KeyID != "" && c.Secret.IsSet()
}

// HasSSHKey reports whether the credential carries an SSH private key.
func (c *Credential) HasSSHKey() bool {
	return c.PrivateKey.IsSet()
}

// Provider resolves credentials by name.
type Provider interface {
	Resolve(ctx context.Context, name string) (*Credential, error)
}

// ErrNotFound is matched by errors.Is for any missing credential.
var ErrNotFound = engine.NewPermanentError("credential not found", nil).WithCode(engine.ErrCodeCredentialMissing)

func notFound(name string) error {
	return engine.NewPermanentError(fmt.Sprintf("credential %q not found", name), nil).
		WithCode(engine.ErrCodeCredentialMissing)
}

// StaticProvider serves credentials from memory.
type StaticProvider map[string]*Credential

// Resolve implements Provider.
func (p StaticProvider) Resolve(ctx context.Context, name string) (*Credential, error) {
	cred, ok := p[name]
	if !ok {
		return nil, notFound(name)
	}
	cp := *cred
	if cp.Name == "" {
		cp.Name = name
	}
	return &cp, nil
}

// ChainProvider tries each provider in order and returns the first hit.
type ChainProvider []Provider

// Resolve implements Provider.
func (c ChainProvider) Resolve(ctx context.Context, name string) (*Credential, error) {
	for _, p := range c {
		cred, err := p.Resolve(ctx, name)
		if err == nil {
			return cred, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, notFound(name)
}

// envName normalizes a credential name for use in a variable name:
// "web-ssh" becomes "WEB_SSH".
func envName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
