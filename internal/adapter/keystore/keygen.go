package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

// Keypair is a freshly generated SSH identity. Private is OpenSSH PEM,
// Public is a single authorized_keys line.
type Keypair struct {
	Private []byte
	Public  string
}

// GenerateKeypair creates an ed25519 keypair with the given comment on
// the public line. The caller is expected to encrypt Private before it
// touches durable storage.
func GenerateKeypair(comment string) (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("op=keystore.GenerateKeypair: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return Keypair{}, fmt.Errorf("op=keystore.GenerateKeypair: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return Keypair{}, fmt.Errorf("op=keystore.GenerateKeypair: %w", err)
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	if comment != "" {
		line += " " + comment
	}
	return Keypair{
		Private: pem.EncodeToMemory(block),
		Public:  line,
	}, nil
}

// PublicKeyFromPrivate derives the authorized_keys line from an OpenSSH
// private key. Imported keys go through here so the stored public key
// always matches the private material.
func PublicKeyFromPrivate(privatePEM []byte, comment string) (string, error) {
	signer, err := ssh.ParsePrivateKey(privatePEM)
	if err != nil {
		return "", fmt.Errorf("op=keystore.PublicKeyFromPrivate: not a valid private key: %w", domain.ErrValidation)
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
	if comment != "" {
		line += " " + comment
	}
	return line, nil
}
