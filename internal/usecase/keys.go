package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

// keyCommentSuffix lands on generated and imported public lines so
// operators can spot ours inside authorized_keys files.
const keyCommentSuffix = "@rbiocverse"

// KeysService manages per-user SSH identities: generation, admin
// import, unlock into the in-memory store, and logout.
type KeysService struct {
	Users    domain.UserRepository
	Keys     domain.SessionKeyStore
	Material domain.KeyMaterial
	Admins   []string
}

// NewKeysService constructs a KeysService with its dependencies.
func NewKeysService(users domain.UserRepository, keys domain.SessionKeyStore, material domain.KeyMaterial, admins []string) KeysService {
	return KeysService{Users: users, Keys: keys, Material: material, Admins: admins}
}

// Profile is the per-user key setup view.
type Profile struct {
	User     domain.User
	Unlocked bool
}

// Profile returns the stored record, or a blank one for first-time
// users, plus whether a decrypted key is currently unlocked.
func (s KeysService) Profile(ctx domain.Context, username string) (Profile, error) {
	if username == "" {
		return Profile{}, fmt.Errorf("op=usecase.Profile: username required: %w", domain.ErrValidation)
	}
	u, err := s.Users.Get(ctx, username)
	if errors.Is(err, domain.ErrNotFound) {
		u = domain.User{Username: username}
	} else if err != nil {
		return Profile{}, fmt.Errorf("op=usecase.Profile: %w", err)
	}
	_, unlocked := s.Keys.IdentityPath(username)
	return Profile{User: u, Unlocked: unlocked}, nil
}

// GenerateKeys mints a fresh keypair for the user, stores the private
// half encrypted under their password, and unlocks it right away. The
// returned public line goes into the cluster's authorized_keys.
func (s KeysService) GenerateKeys(ctx domain.Context, username, fullName, password string) (string, error) {
	if username == "" || password == "" {
		return "", fmt.Errorf("op=usecase.GenerateKeys: username and password required: %w", domain.ErrValidation)
	}
	u, err := s.Users.Get(ctx, username)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("op=usecase.GenerateKeys: %w", err)
	}
	private, public, err := s.Material.Generate(username + keyCommentSuffix)
	if err != nil {
		return "", fmt.Errorf("op=usecase.GenerateKeys: %w", err)
	}
	blob, err := s.Material.EncryptWithPassword(private, password)
	if err != nil {
		return "", fmt.Errorf("op=usecase.GenerateKeys: %w", err)
	}
	u.Username = username
	if fullName != "" {
		u.FullName = fullName
	}
	u.PublicKey = public
	u.PrivateKey = blob
	u.SetupComplete = true
	if err := s.Users.Upsert(ctx, u); err != nil {
		return "", fmt.Errorf("op=usecase.GenerateKeys: %w", err)
	}
	// The user just typed the password, so unlock without a round trip.
	if _, err := s.Keys.Unlock(username, private); err != nil {
		slog.Warn("fresh key not unlocked", slog.String("user", username), slog.Any("error", err))
	}
	slog.Info("ssh keypair generated", slog.String("user", username))
	return public, nil
}

// ImportKey stores an externally supplied private key for target,
// encrypted under the server secret so no password is needed to unlock
// it. Admins only.
func (s KeysService) ImportKey(ctx domain.Context, actor, target string, privatePEM []byte) (string, error) {
	if !s.isAdmin(actor) {
		return "", fmt.Errorf("op=usecase.ImportKey: %s is not an admin: %w", actor, domain.ErrUnauthorized)
	}
	if target == "" || len(privatePEM) == 0 {
		return "", fmt.Errorf("op=usecase.ImportKey: target user and key required: %w", domain.ErrValidation)
	}
	public, err := s.Material.PublicKey(privatePEM, target+keyCommentSuffix)
	if err != nil {
		return "", fmt.Errorf("op=usecase.ImportKey: %w", err)
	}
	blob, err := s.Material.EncryptWithServerSecret(privatePEM)
	if err != nil {
		return "", fmt.Errorf("op=usecase.ImportKey: %w", err)
	}
	u, err := s.Users.Get(ctx, target)
	if errors.Is(err, domain.ErrNotFound) {
		u = domain.User{Username: target}
	} else if err != nil {
		return "", fmt.Errorf("op=usecase.ImportKey: %w", err)
	}
	u.PublicKey = public
	u.PrivateKey = blob
	u.SetupComplete = true
	if err := s.Users.Upsert(ctx, u); err != nil {
		return "", fmt.Errorf("op=usecase.ImportKey: %w", err)
	}
	slog.Info("ssh key imported", slog.String("user", target), slog.String("by", actor))
	return public, nil
}

// Unlock decrypts the stored private key and places it in the session
// key store, making the user's own identity available to SSH.
func (s KeysService) Unlock(ctx domain.Context, username, password string) error {
	if username == "" {
		return fmt.Errorf("op=usecase.Unlock: username required: %w", domain.ErrValidation)
	}
	u, err := s.Users.Get(ctx, username)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && u.PrivateKey == "") {
		return fmt.Errorf("op=usecase.Unlock: no key on file for %s: %w", username, domain.ErrNoSSHKey)
	}
	if err != nil {
		return fmt.Errorf("op=usecase.Unlock: %w", err)
	}
	private, err := s.Material.Decrypt(u.PrivateKey, password)
	if err != nil {
		return fmt.Errorf("op=usecase.Unlock: %w", err)
	}
	if _, err := s.Keys.Unlock(username, private); err != nil {
		return fmt.Errorf("op=usecase.Unlock: %w", err)
	}
	slog.Info("ssh key unlocked", slog.String("user", username))
	return nil
}

// Logout drops the user's decrypted key material immediately.
func (s KeysService) Logout(username string) {
	s.Keys.Drop(username)
	slog.Info("session key dropped", slog.String("user", username))
}

func (s KeysService) isAdmin(username string) bool {
	return username != "" && slices.Contains(s.Admins, username)
}
