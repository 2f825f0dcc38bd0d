package credentials

import (
	"context"
	"fmt"
	"os"
	"strconv"
)

// DefaultEnvPrefix is the variable prefix read by EnvProvider.
const DefaultEnvPrefix = "STRADDLE_CRED_"

// EnvProvider reads credentials from environment variables named
// <prefix><NAME>_<FIELD>, e.g. STRADDLE_CRED_AWS_KEY_ID. Key material may be
// given inline (_PRIVATE_KEY) or as a path (_PRIVATE_KEY_FILE).
type EnvProvider struct {
	Prefix string

	// lookup and readFile are replaced in tests.
	lookup   func(string) (string, bool)
	readFile func(string) ([]byte, error)
}

// NewEnvProvider creates a provider over the process environment.
func NewEnvProvider(prefix string) *EnvProvider {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return &EnvProvider{Prefix: prefix, lookup: os.LookupEnv, readFile: os.ReadFile}
}

// Resolve implements Provider. A credential exists when at least one of its
// variables is set.
func (p *EnvProvider) Resolve(ctx context.Context, name string) (*Credential, error) {
	base := p.Prefix + envName(name) + "_"
	found := false
	get := func(field string) string {
		v, ok := p.lookup(base + field)
		if ok {
			found = true
		}
		return v
	}

	cred := &Credential{
		Name:         name,
		Endpoint:     get("ENDPOINT"),
		Region:       get("REGION"),
		KeyID:        get("KEY_ID"),
		Secret:       Secret(get("SECRET")),
		SessionToken: Secret(get("SESSION_TOKEN")),
		User:         get("USER"),
		PrivateKey:   Secret(get("PRIVATE_KEY")),
		Passphrase:   Secret(get("PASSPHRASE")),
		PublicKey:    get("PUBLIC_KEY"),
	}

	if insecure := get("INSECURE"); insecure != "" {
		b, err := strconv.ParseBool(insecure)
		if err != nil {
			return nil, fmt.Errorf("credential %q: invalid %sINSECURE: %w", name, base, err)
		}
		cred.Insecure = b
	}

	if path := get("PRIVATE_KEY_FILE"); path != "" && !cred.PrivateKey.IsSet() {
		data, err := p.readFile(path)
		if err != nil {
			return nil, fmt.Errorf("credential %q: failed to read private key: %w", name, err)
		}
		cred.PrivateKey = Secret(data)
	}
	if path := get("PUBLIC_KEY_FILE"); path != "" && cred.PublicKey == "" {
		data, err := p.readFile(path)
		if err != nil {
			return nil, fmt.Errorf("credential %q: failed to read public key: %w", name, err)
		}
		cred.PublicKey = string(data)
	}

	if !found {
		return nil, notFound(name)
	}
	return cred, nil
}
