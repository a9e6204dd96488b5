package syncctl

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const ageSecretHRP = "age-secret-key-"

var errSignature = errors.New("bundle signature invalid")

// Signer signs bundle manifests with an Ed25519 key whose seed is the age identity's
// secret. A verify-only signer holds just the public key.
type Signer struct {
	private   ed25519.PrivateKey
	public    ed25519.PublicKey
	recipient string
}

// NewSigner builds a signer from an age secret key, a base64 Ed25519 public key, or
// both. When both are set they must agree.
func NewSigner(secretKey, publicKey string) (*Signer, error) {
	secretKey = strings.TrimSpace(secretKey)
	publicKey = strings.TrimSpace(publicKey)
	if secretKey == "" && publicKey == "" {
		return nil, errors.New("AGE_SECRET_KEY or AGE_PUBLIC_KEY must be set")
	}

	s := &Signer{}
	if secretKey != "" {
		seed, err := ageSeed(secretKey)
		if err != nil {
			return nil, fmt.Errorf("parse age secret key: %w", err)
		}
		s.private = ed25519.NewKeyFromSeed(seed)
		s.public = s.private.Public().(ed25519.PublicKey)

		identity, err := age.ParseX25519Identity(secretKey)
		if err != nil {
			return nil, fmt.Errorf("parse age identity: %w", err)
		}
		s.recipient = identity.Recipient().String()
	}

	if publicKey != "" {
		key, err := decodePublicKey(publicKey)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		if s.public != nil && !bytes.Equal(s.public, key) {
			return nil, errors.New("public key does not match secret key")
		}
		s.public = key
	}
	return s, nil
}

// Sign returns the base64 signature of payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if s == nil || len(s.private) == 0 {
		return "", errors.New("signing requires AGE_SECRET_KEY")
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.private, payload)), nil
}

// Verify checks signature over payload. embeddedKey is the key named by the manifest;
// it must equal the configured key.
func (s *Signer) Verify(payload []byte, signature, embeddedKey string) error {
	if s == nil || len(s.public) == 0 {
		return errors.New("verification requires a public key")
	}
	if embeddedKey != "" {
		key, err := decodePublicKey(embeddedKey)
		if err != nil {
			return fmt.Errorf("%w: %v", errSignature, err)
		}
		if !bytes.Equal(key, s.public) {
			return fmt.Errorf("%w: signed by an unexpected key", errSignature)
		}
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: malformed signature", errSignature)
	}
	if !ed25519.Verify(s.public, payload, sig) {
		return errSignature
	}
	return nil
}

// PublicKey is the base64 Ed25519 public key.
func (s *Signer) PublicKey() string {
	if s == nil || len(s.public) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.public)
}

// Recipient is the age recipient of the secret key, empty for verify-only signers.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

func decodePublicKey(raw string) (ed25519.PublicKey, error) {
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("want %d bytes, got %d", ed25519.PublicKeySize, len(key))
	}
	return ed25519.PublicKey(key), nil
}

func ageSeed(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, ageSecretHRP) {
		return nil, fmt.Errorf("unexpected prefix %q", hrp)
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(seed))
	}
	return seed, nil
}
