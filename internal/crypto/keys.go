package crypto

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/nacl/box"

	"courier/internal/domain"
)

func GenerateKeyPair(r io.Reader) (domain.KeyPair, error) {
	encPub, encPriv, err := box.GenerateKey(r)
	if err != nil {
		return domain.KeyPair{}, fmt.Errorf("generate x25519 key: %w", err)
	}
	sigPub, sigPriv, err := ed25519.GenerateKey(r)
	if err != nil {
		return domain.KeyPair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return domain.KeyPair{
		Public: domain.PublicKeys{
			Encryption: encPub[:],
			Signing:    sigPub,
		},
		EncryptionPrivate: encPriv[:],
		SigningPrivate:    sigPriv,
	}, nil
}

// LoadKeyPair reads a key pair written by SaveKeyPair.
func LoadKeyPair(path string) (domain.KeyPair, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return domain.KeyPair{}, err
	}
	var kp domain.KeyPair
	if err := json.Unmarshal(b, &kp); err != nil {
		return domain.KeyPair{}, fmt.Errorf("decode key file %s: %w", path, err)
	}
	if len(kp.EncryptionPrivate) != 32 || len(kp.SigningPrivate) != ed25519.PrivateKeySize {
		return domain.KeyPair{}, fmt.Errorf("key file %s: malformed keys", path)
	}
	return kp, nil
}

func SaveKeyPair(path string, kp domain.KeyPair) error {
	b, err := json.MarshalIndent(kp, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
