// Package crypto is the default envelope engine: a fresh XChaCha20-Poly1305
// key per envelope, sealed to the recipient's X25519 key, with an Ed25519
// signature over every envelope field.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	"courier/internal/domain"
)

type Engine struct {
	// Rand defaults to crypto/rand.
	Rand io.Reader
}

func (e Engine) rand() io.Reader {
	if e.Rand != nil {
		return e.Rand
	}
	return rand.Reader
}

func (e Engine) EncryptAndSign(msg domain.TransportMessage, recipientID string, sender domain.KeyPair, recipient domain.PublicKeys) (domain.SecureEnvelope, error) {
	if msg.RecordID == "" {
		return domain.SecureEnvelope{}, fmt.Errorf("%w: message has no record id", domain.ErrCrypto)
	}
	recipientKey, err := curveKey(recipient.Encryption)
	if err != nil {
		return domain.SecureEnvelope{}, fmt.Errorf("%w: recipient %s: %v", domain.ErrCrypto, recipientID, err)
	}
	if len(sender.SigningPrivate) != ed25519.PrivateKeySize {
		return domain.SecureEnvelope{}, fmt.Errorf("%w: sender signing key has %d bytes", domain.ErrCrypto, len(sender.SigningPrivate))
	}

	plaintext, err := json.Marshal(msg)
	if err != nil {
		return domain.SecureEnvelope{}, fmt.Errorf("%w: encode message: %v", domain.ErrCrypto, err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(e.rand(), key); err != nil {
		return domain.SecureEnvelope{}, fmt.Errorf("%w: generate key: %v", domain.ErrCrypto, err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return domain.SecureEnvelope{}, fmt.Errorf("%w: %v", domain.ErrCrypto, err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(e.rand(), nonce); err != nil {
		return domain.SecureEnvelope{}, fmt.Errorf("%w: generate nonce: %v", domain.ErrCrypto, err)
	}

	env := domain.SecureEnvelope{
		SenderID:    msg.SenderID,
		RecipientID: recipientID,
		MessageID:   msg.RecordID,
	}
	env.EncryptedPayload = aead.Seal(nonce, nonce, plaintext, associatedData(env))

	env.EncryptedKey, err = box.SealAnonymous(nil, key, recipientKey, e.rand())
	if err != nil {
		return domain.SecureEnvelope{}, fmt.Errorf("%w: seal key: %v", domain.ErrCrypto, err)
	}
	env.Signature = ed25519.Sign(ed25519.PrivateKey(sender.SigningPrivate), signedBytes(env))
	return env, nil
}

// Decrypt verifies the envelope against the sender's published signing key
// and opens it with the recipient's own key pair.
func (e Engine) Decrypt(env domain.SecureEnvelope, own domain.KeyPair, sender domain.PublicKeys) (domain.TransportMessage, error) {
	if len(sender.Signing) != ed25519.PublicKeySize {
		return domain.TransportMessage{}, fmt.Errorf("%w: sender signing key has %d bytes", domain.ErrCrypto, len(sender.Signing))
	}
	if !ed25519.Verify(ed25519.PublicKey(sender.Signing), signedBytes(env), env.Signature) {
		return domain.TransportMessage{}, fmt.Errorf("%w: bad signature from %s", domain.ErrCrypto, env.SenderID)
	}

	pub, err := curveKey(own.Public.Encryption)
	if err != nil {
		return domain.TransportMessage{}, fmt.Errorf("%w: own public key: %v", domain.ErrCrypto, err)
	}
	priv, err := curveKey(own.EncryptionPrivate)
	if err != nil {
		return domain.TransportMessage{}, fmt.Errorf("%w: own private key: %v", domain.ErrCrypto, err)
	}
	key, ok := box.OpenAnonymous(nil, env.EncryptedKey, pub, priv)
	if !ok {
		return domain.TransportMessage{}, fmt.Errorf("%w: cannot open envelope key", domain.ErrCrypto)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return domain.TransportMessage{}, fmt.Errorf("%w: %v", domain.ErrCrypto, err)
	}
	if len(env.EncryptedPayload) < aead.NonceSize() {
		return domain.TransportMessage{}, fmt.Errorf("%w: payload too short", domain.ErrCrypto)
	}
	nonce, sealed := env.EncryptedPayload[:aead.NonceSize()], env.EncryptedPayload[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, associatedData(env))
	if err != nil {
		return domain.TransportMessage{}, fmt.Errorf("%w: open payload: %v", domain.ErrCrypto, err)
	}

	var msg domain.TransportMessage
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return domain.TransportMessage{}, fmt.Errorf("%w: decode message: %v", domain.ErrCrypto, err)
	}
	if msg.SenderID != env.SenderID {
		return domain.TransportMessage{}, fmt.Errorf("%w: sender mismatch %q != %q", domain.ErrCrypto, msg.SenderID, env.SenderID)
	}
	return msg, nil
}

func curveKey(b []byte) (*[32]byte, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("x25519 key has %d bytes", len(b))
	}
	var k [32]byte
	copy(k[:], b)
	return &k, nil
}

// associatedData binds the sealed payload to its routing fields.
func associatedData(env domain.SecureEnvelope) []byte {
	return appendFields(nil, []byte(env.SenderID), []byte(env.RecipientID), []byte(env.MessageID))
}

func signedBytes(env domain.SecureEnvelope) []byte {
	return appendFields(nil,
		[]byte(env.SenderID), []byte(env.RecipientID), []byte(env.MessageID),
		env.EncryptedKey, env.EncryptedPayload,
	)
}

// length-prefixed so field boundaries cannot shift
func appendFields(dst []byte, fields ...[]byte) []byte {
	for _, f := range fields {
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(f)))
		dst = append(dst, f...)
	}
	return dst
}
