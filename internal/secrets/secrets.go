// Package secrets abstracts where key material comes from. The wallet
// xprv and hot wallet key load through a Provider so deployments can
// move them out of the environment without touching callers.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound means the provider has no value for the name.
var ErrNotFound = errors.New("secrets: not found")

// Well-known secret names.
const (
	DepositXprv  = "DEPOSIT_XPRV"
	HotWalletKey = "HOT_WALLET_KEY"
	AdminSecret  = "ADMIN_SECRET"
)

// Provider resolves named secrets.
type Provider interface {
	Get(name string) (string, error)
}

// EnvProvider reads secrets from environment variables, the default.
type EnvProvider struct{}

// NewEnvProvider creates an environment-backed provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Get(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return value, nil
}

// FileProvider reads each secret from <dir>/<name>, the layout used by
// mounted secret volumes.
type FileProvider struct {
	dir string
}

// NewFileProvider creates a file-backed provider rooted at dir.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

func (p *FileProvider) Get(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", err
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return value, nil
}

// Chain tries providers in order and returns the first hit.
type Chain struct {
	providers []Provider
}

// NewChain creates a provider chain.
func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

func (c *Chain) Get(name string) (string, error) {
	for _, p := range c.providers {
		value, err := p.Get(name)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}
