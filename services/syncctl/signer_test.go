package syncctl

import (
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerRoundTrip(t *testing.T) {
	signer := newTestSigner(t)
	assert.NotEmpty(t, signer.PublicKey())
	assert.Contains(t, signer.Recipient(), "age1")

	payload := []byte("templates: []\n")
	sig, err := signer.Sign(payload)
	require.NoError(t, err)

	require.NoError(t, signer.Verify(payload, sig, signer.PublicKey()))
	require.NoError(t, signer.Verify(payload, sig, ""))
	assert.ErrorIs(t, signer.Verify([]byte("templates: [x]\n"), sig, ""), errSignature)
	assert.ErrorIs(t, signer.Verify(payload, "not-base64!", ""), errSignature)
}

func TestSignerVerifyOnly(t *testing.T) {
	signer := newTestSigner(t)
	payload := []byte("manifest")
	sig, err := signer.Sign(payload)
	require.NoError(t, err)

	verifier, err := NewSigner("", signer.PublicKey())
	require.NoError(t, err)
	assert.NoError(t, verifier.Verify(payload, sig, signer.PublicKey()))
	assert.Empty(t, verifier.Recipient())

	_, err = verifier.Sign(payload)
	assert.Error(t, err)
}

func TestSignerRejectsForeignKey(t *testing.T) {
	signer := newTestSigner(t)
	other := newTestSigner(t)
	payload := []byte("manifest")
	sig, err := other.Sign(payload)
	require.NoError(t, err)

	assert.ErrorIs(t, signer.Verify(payload, sig, other.PublicKey()), errSignature)
	assert.ErrorIs(t, signer.Verify(payload, sig, ""), errSignature)
}

func TestNewSignerValidation(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	other := newTestSigner(t)

	tests := []struct {
		name   string
		secret string
		public string
	}{
		{"nothing set", "", ""},
		{"garbage secret", "AGE-SECRET-KEY-1NOPE", ""},
		{"recipient as secret", identity.Recipient().String(), ""},
		{"short public key", "", "c2hvcnQ="},
		{"mismatched pair", identity.String(), other.PublicKey()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSigner(tt.secret, tt.public)
			assert.Error(t, err)
		})
	}
}
