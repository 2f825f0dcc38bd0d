package credentials

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// fileCredential is the on-disk shape; key material may be referenced by path.
type fileCredential struct {
	Endpoint       string `yaml:"endpoint"`
	Region         string `yaml:"region"`
	KeyID          string `yaml:"key_id"`
	Secret         string `yaml:"secret"`
	SessionToken   string `yaml:"session_token"`
	User           string `yaml:"user"`
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyFile string `yaml:"private_key_file"`
	Passphrase     string `yaml:"passphrase"`
	PublicKey      string `yaml:"public_key"`
	PublicKeyFile  string `yaml:"public_key_file"`
	Insecure       bool   `yaml:"insecure"`
}

// FileProvider reads credentials from <Dir>/<name>.yaml. Relative key file
// paths are resolved against Dir.
type FileProvider struct {
	Dir string
}

// NewFileProvider creates a provider over dir.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{Dir: dir}
}

// Resolve implements Provider.
func (p *FileProvider) Resolve(ctx context.Context, name string) (*Credential, error) {
	if name == "" || filepath.Base(name) != name {
		return nil, fmt.Errorf("invalid credential name %q", name)
	}

	path := filepath.Join(p.Dir, name+".yaml")
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential %q: %w", name, err)
	}

	var raw fileCredential
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse credential %q: %w", name, err)
	}

	cred := &Credential{
		Name:         name,
		Endpoint:     raw.Endpoint,
		Region:       raw.Region,
		KeyID:        raw.KeyID,
		Secret:       Secret(raw.Secret),
		SessionToken: Secret(raw.SessionToken),
		User:         raw.User,
		PrivateKey:   Secret(raw.PrivateKey),
		Passphrase:   Secret(raw.Passphrase),
		PublicKey:    raw.PublicKey,
		Insecure:     raw.Insecure,
	}

	if raw.PrivateKeyFile != "" && !cred.PrivateKey.IsSet() {
		key, err := os.ReadFile(p.resolve(raw.PrivateKeyFile))
		if err != nil {
			return nil, fmt.Errorf("credential %q: failed to read private key: %w", name, err)
		}
		cred.PrivateKey = Secret(key)
	}
	if raw.PublicKeyFile != "" && cred.PublicKey == "" {
		key, err := os.ReadFile(p.resolve(raw.PublicKeyFile))
		if err != nil {
			return nil, fmt.Errorf("credential %q: failed to read public key: %w", name, err)
		}
		cred.PublicKey = string(key)
	}

	return cred, nil
}

func (p *FileProvider) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.Dir, path)
}
