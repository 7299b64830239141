package keystore

import "github.com/drejom/rbiocverse-sub003/internal/domain"

// Cipher adapts the package crypto helpers to the KeyMaterial port.
// ServerSecret backs the v3 blob format; the v2 format uses the
// caller-supplied password instead.
type Cipher struct {
	ServerSecret string
}

var _ domain.KeyMaterial = Cipher{}

// NewCipher returns a Cipher sealing v3 blobs under serverSecret.
func NewCipher(serverSecret string) Cipher {
	return Cipher{ServerSecret: serverSecret}
}

// Generate mints a fresh ed25519 keypair.
func (c Cipher) Generate(comment string) ([]byte, string, error) {
	kp, err := GenerateKeypair(comment)
	if err != nil {
		return nil, "", err
	}
	return kp.Private, kp.Public, nil
}

// PublicKey derives the authorized_keys line from a private key.
func (c Cipher) PublicKey(private []byte, comment string) (string, error) {
	return PublicKeyFromPrivate(private, comment)
}

// EncryptWithPassword seals a private key in the v2 format.
func (c Cipher) EncryptWithPassword(private []byte, password string) (string, error) {
	return EncryptV2(private, password)
}

// EncryptWithServerSecret seals a private key in the v3 format.
func (c Cipher) EncryptWithServerSecret(private []byte) (string, error) {
	return EncryptV3(private, c.ServerSecret)
}

// Decrypt opens a stored blob, dispatching on its version prefix.
func (c Cipher) Decrypt(blob, password string) ([]byte, error) {
	return Decrypt(blob, password, c.ServerSecret)
}
