package keystore

import (
	"fmt"
	"os"

	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

// Provider picks the SSH identity for a user: their own unlocked key
// first, the shared admin key as fallback, ErrNoSSHKey when neither is
// available.
type Provider struct {
	sessions     *SessionKeys
	adminKeyFile string
	adminLogin   string
}

func NewProvider(sessions *SessionKeys, adminKeyFile, adminLogin string) *Provider {
	return &Provider{sessions: sessions, adminKeyFile: adminKeyFile, adminLogin: adminLogin}
}

// IdentityFile implements domain.KeyProvider.
func (p *Provider) IdentityFile(_ domain.Context, username string) (string, string, error) {
	if username != "" && p.sessions != nil {
		if path, ok := p.sessions.IdentityPath(username); ok {
			return path, username, nil
		}
	}
	if p.adminKeyFile != "" {
		if _, err := os.Stat(p.adminKeyFile); err == nil {
			return p.adminKeyFile, p.adminLogin, nil
		}
	}
	return "", "", fmt.Errorf("op=keystore.IdentityFile: user %q has no unlocked key and no admin fallback is configured: %w", username, domain.ErrNoSSHKey)
}
