// Package keystore manages user SSH identities: versioned AES-256-GCM
// encryption of private keys at rest, a TTL-bounded in-memory store of
// unlocked keys materialized as identity files, and generation of
// fresh ed25519 keypairs.
//
// Two blob formats exist and are distinguished strictly by prefix:
//
//	enc:v2:<salt>:<iv>:<tag>:<ct>  password-derived user keys
//	enc:v3:<iv>:<tag>:<ct>         server-secret-derived imported keys
//
// Segments are lowercase hex. Anything else is rejected.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"

	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

const (
	v2Prefix = "enc:v2:"
	v3Prefix = "enc:v3:"

	// v3Salt is fixed: every v3 blob derives from the server secret, so
	// rotating JWT_SECRET invalidates them wholesale.
	v3Salt = "rbiocverse/keys/v3"

	saltLen = 16
	tagLen  = 16

	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1
	keyLen  = 32
)

func deriveKey(secret string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(secret), salt, scryptN, scryptR, scryptP, keyLen)
}

// seal encrypts plaintext and returns nonce, tag and ciphertext as
// separate segments, the way the blob format stores them.
func seal(key, plaintext []byte) (nonce, tag, ct []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return nonce, sealed[len(sealed)-tagLen:], sealed[:len(sealed)-tagLen], nil
}

func open(key, nonce, tag, ct []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	// gcm.Open panics on a wrong-size nonce instead of returning an error.
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("nonce is %d bytes, want %d", len(nonce), gcm.NonceSize())
	}
	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	return gcm.Open(nil, nonce, sealed, nil)
}

// EncryptV2 seals a private key with a key derived from the user's
// password. A fresh random salt goes into the blob.
func EncryptV2(privateKey []byte, password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("op=keystore.EncryptV2: empty password: %w", domain.ErrValidation)
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("op=keystore.EncryptV2: %w", err)
	}
	key, err := deriveKey(password, salt)
	if err != nil {
		return "", fmt.Errorf("op=keystore.EncryptV2: %w", err)
	}
	nonce, tag, ct, err := seal(key, privateKey)
	if err != nil {
		return "", fmt.Errorf("op=keystore.EncryptV2: %w", err)
	}
	return v2Prefix + strings.Join([]string{
		hex.EncodeToString(salt),
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ct),
	}, ":"), nil
}

// DecryptV2 opens a password-derived blob. Wrong passwords surface as
// ErrUnauthorized, not as corruption.
func DecryptV2(blob, password string) ([]byte, error) {
	body, ok := strings.CutPrefix(blob, v2Prefix)
	if !ok {
		return nil, fmt.Errorf("op=keystore.DecryptV2: not a v2 blob: %w", domain.ErrValidation)
	}
	segs, err := decodeSegments(body, 4)
	if err != nil {
		return nil, fmt.Errorf("op=keystore.DecryptV2: %w", err)
	}
	key, err := deriveKey(password, segs[0])
	if err != nil {
		return nil, fmt.Errorf("op=keystore.DecryptV2: %w", err)
	}
	plain, err := open(key, segs[1], segs[2], segs[3])
	if err != nil {
		return nil, fmt.Errorf("op=keystore.DecryptV2: wrong password or corrupted key: %w", domain.ErrUnauthorized)
	}
	return plain, nil
}

// EncryptV3 seals a private key with a key derived from the server
// secret. Used for admin-imported keys that must unlock without a user
// password.
func EncryptV3(privateKey []byte, serverSecret string) (string, error) {
	if serverSecret == "" {
		return "", fmt.Errorf("op=keystore.EncryptV3: JWT_SECRET not configured: %w", domain.ErrValidation)
	}
	key, err := deriveKey(serverSecret, []byte(v3Salt))
	if err != nil {
		return "", fmt.Errorf("op=keystore.EncryptV3: %w", err)
	}
	nonce, tag, ct, err := seal(key, privateKey)
	if err != nil {
		return "", fmt.Errorf("op=keystore.EncryptV3: %w", err)
	}
	return v3Prefix + strings.Join([]string{
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ct),
	}, ":"), nil
}

// DecryptV3 opens a server-secret-derived blob.
func DecryptV3(blob, serverSecret string) ([]byte, error) {
	body, ok := strings.CutPrefix(blob, v3Prefix)
	if !ok {
		return nil, fmt.Errorf("op=keystore.DecryptV3: not a v3 blob: %w", domain.ErrValidation)
	}
	if serverSecret == "" {
		return nil, fmt.Errorf("op=keystore.DecryptV3: JWT_SECRET not configured: %w", domain.ErrValidation)
	}
	segs, err := decodeSegments(body, 3)
	if err != nil {
		return nil, fmt.Errorf("op=keystore.DecryptV3: %w", err)
	}
	key, err := deriveKey(serverSecret, []byte(v3Salt))
	if err != nil {
		return nil, fmt.Errorf("op=keystore.DecryptV3: %w", err)
	}
	plain, err := open(key, segs[0], segs[1], segs[2])
	if err != nil {
		return nil, fmt.Errorf("op=keystore.DecryptV3: server secret does not open this key: %w", domain.ErrUnauthorized)
	}
	return plain, nil
}

// Decrypt dispatches on the version prefix. Unknown prefixes are
// rejected rather than guessed at.
func Decrypt(blob, password, serverSecret string) ([]byte, error) {
	switch {
	case strings.HasPrefix(blob, v2Prefix):
		return DecryptV2(blob, password)
	case strings.HasPrefix(blob, v3Prefix):
		return DecryptV3(blob, serverSecret)
	default:
		return nil, fmt.Errorf("op=keystore.Decrypt: unrecognized private key format: %w", domain.ErrValidation)
	}
}

// decodeSegments splits a blob body into exactly n hex segments.
func decodeSegments(body string, n int) ([][]byte, error) {
	parts := strings.Split(body, ":")
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d segments, got %d: %w", n, len(parts), domain.ErrValidation)
	}
	out := make([][]byte, n)
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) == 0 {
			return nil, fmt.Errorf("segment %d is not hex: %w", i, domain.ErrValidation)
		}
		out[i] = b
	}
	return out, nil
}
