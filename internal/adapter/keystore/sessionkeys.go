package keystore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// SessionKeys holds decrypted private keys for the lifetime of a login
// session. Each unlocked key is written to a file under dir (ideally a
// tmpfs such as /dev/shm) so the ssh binary can read it, and the file
// is removed when the entry expires or the user logs out.
type SessionKeys struct {
	dir string

	mu    sync.Mutex
	cache *expirable.LRU[string, string]
}

// NewSessionKeys prepares the runtime directory and the TTL cache.
// A non-positive ttl means entries never expire on their own.
func NewSessionKeys(dir string, ttl time.Duration) (*SessionKeys, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("op=keystore.NewSessionKeys: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	s := &SessionKeys{dir: dir}
	onEvict := func(user, path string) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("session key file not removed", "user", user, "error", err)
		}
	}
	s.cache = expirable.NewLRU[string, string](0, onEvict, ttl)
	return s, nil
}

// Unlock materializes a decrypted private key for the user. Repeated
// unlocks overwrite the file and restart the TTL.
func (s *SessionKeys) Unlock(user string, privatePEM []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dir, keyFileName(user))
	if err := os.WriteFile(path, privatePEM, 0o600); err != nil {
		return "", fmt.Errorf("op=keystore.Unlock: %w", err)
	}
	s.cache.Add(user, path)
	return path, nil
}

// IdentityPath returns the identity file for the user, if one is
// unlocked and still on disk.
func (s *SessionKeys) IdentityPath(user string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.cache.Get(user)
	if !ok {
		return "", false
	}
	if _, err := os.Stat(path); err != nil {
		// Someone deleted the runtime file out from under us.
		s.cache.Remove(user)
		return "", false
	}
	return path, true
}

// Drop forgets the user's key immediately, removing the file. Called
// on logout.
func (s *SessionKeys) Drop(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(user)
}

// Sweep removes entries whose TTL has lapsed and reports how many were
// dropped. The cache expires lazily on Get, so a periodic sweep keeps
// idle keys from lingering on disk.
func (s *SessionKeys) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, user := range s.cache.Keys() {
		if _, ok := s.cache.Get(user); !ok {
			s.cache.Remove(user)
			n++
		}
	}
	return n
}

// Len reports how many keys are currently unlocked.
func (s *SessionKeys) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// keyFileName flattens a username into a safe filename. The hash
// suffix keeps distinct users distinct even after sanitizing.
func keyFileName(user string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, user)
	sum := sha256.Sum256([]byte(user))
	return sanitized + "-" + hex.EncodeToString(sum[:4]) + ".key"
}
