// Package credential persists the shared secrets that authenticate a publisher/consumer
// pairing. Each side stores rows keyed by the public token sent in X-Token.
package credential

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"syncd/pkg/signing"
)

var (
	// ErrNotFound is returned when no credential exists for a token or peer.
	ErrNotFound = errors.New("credential not found")
)

// Credential is one shared-secret pairing.
type Credential struct {
	Token     string    `json:"token"`
	Secret    string    `json:"secret,omitempty"`
	PeerURL   string    `json:"peer_url"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	RotatedAt time.Time `json:"rotated_at"`
}

type credentialModel struct {
	Token     string    `gorm:"type:text;primaryKey"`
	Secret    string    `gorm:"type:text;not null"`
	PeerURL   string    `gorm:"type:text;not null;index"`
	Label     string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	RotatedAt time.Time `gorm:"not null"`
}

func (credentialModel) TableName() string { return "credentials" }

func (m credentialModel) toCredential() Credential {
	return Credential{
		Token:     m.Token,
		Secret:    m.Secret,
		PeerURL:   m.PeerURL,
		Label:     m.Label,
		CreatedAt: m.CreatedAt,
		RotatedAt: m.RotatedAt,
	}
}

// Store reads and writes credentials through gorm. It satisfies signing.SecretLookup.
type Store struct {
	orm *gorm.DB
	now func() time.Time
}

var _ signing.SecretLookup = (*Store)(nil)

// NewStore wraps orm. The credentials table is created by the service migrations.
func NewStore(orm *gorm.DB) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Store{orm: orm, now: time.Now}, nil
}

// AutoMigrate creates the credentials table. Used by tests and single-binary setups.
func AutoMigrate(ctx context.Context, orm *gorm.DB) error {
	return orm.WithContext(ctx).AutoMigrate(&credentialModel{})
}

// Issue generates a new token and secret for peerURL and persists them.
func (s *Store) Issue(ctx context.Context, peerURL, label string) (Credential, error) {
	token, err := randomString("tok_", 18)
	if err != nil {
		return Credential{}, err
	}
	secret, err := GenerateSecret()
	if err != nil {
		return Credential{}, err
	}
	return s.Put(ctx, Credential{Token: token, Secret: secret, PeerURL: peerURL, Label: label})
}

// Put inserts or replaces the credential for c.Token.
func (s *Store) Put(ctx context.Context, c Credential) (Credential, error) {
	c.Token = strings.TrimSpace(c.Token)
	c.PeerURL = strings.TrimRight(strings.TrimSpace(c.PeerURL), "/")
	if c.Token == "" || c.Secret == "" {
		return Credential{}, errors.New("token and secret are required")
	}

	now := s.now().UTC()
	model := credentialModel{
		Token:     c.Token,
		Secret:    c.Secret,
		PeerURL:   c.PeerURL,
		Label:     c.Label,
		CreatedAt: now,
		RotatedAt: now,
	}

	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing credentialModel
		err := tx.First(&existing, "token = ?", model.Token).Error
		switch {
		case err == nil:
			model.CreatedAt = existing.CreatedAt
			return tx.Save(&model).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&model).Error
		default:
			return err
		}
	})
	if err != nil {
		return Credential{}, fmt.Errorf("store credential: %w", err)
	}
	return model.toCredential(), nil
}

// Get returns the credential for token.
func (s *Store) Get(ctx context.Context, token string) (Credential, error) {
	var model credentialModel
	err := s.orm.WithContext(ctx).First(&model, "token = ?", strings.TrimSpace(token)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, err
	}
	return model.toCredential(), nil
}

// ForPeer returns the most recently rotated credential paired with peerURL.
func (s *Store) ForPeer(ctx context.Context, peerURL string) (Credential, error) {
	var model credentialModel
	err := s.orm.WithContext(ctx).
		Where("peer_url = ?", strings.TrimRight(strings.TrimSpace(peerURL), "/")).
		Order("rotated_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, err
	}
	return model.toCredential(), nil
}

// Current returns the most recently rotated credential regardless of peer. Consumers
// hold a single publisher pairing, so this is their active credential.
func (s *Store) Current(ctx context.Context) (Credential, error) {
	var model credentialModel
	err := s.orm.WithContext(ctx).Order("rotated_at DESC").First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, err
	}
	return model.toCredential(), nil
}

// Secret implements signing.SecretLookup.
func (s *Store) Secret(ctx context.Context, token string) (string, error) {
	c, err := s.Get(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("%w: unknown token", signing.ErrAuthFailed)
		}
		return "", err
	}
	return c.Secret, nil
}

// Rotate atomically replaces the secret for token and returns the new credential.
// Requests signed with the old secret fail from the moment this returns.
func (s *Store) Rotate(ctx context.Context, token string) (Credential, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return Credential{}, err
	}
	return s.SetSecret(ctx, token, secret)
}

// SetSecret replaces the secret for token with a caller-supplied value.
func (s *Store) SetSecret(ctx context.Context, token, secret string) (Credential, error) {
	if secret == "" {
		return Credential{}, errors.New("secret is required")
	}
	res := s.orm.WithContext(ctx).
		Model(&credentialModel{}).
		Where("token = ?", strings.TrimSpace(token)).
		Updates(map[string]any{"secret": secret, "rotated_at": s.now().UTC()})
	if res.Error != nil {
		return Credential{}, fmt.Errorf("rotate credential: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return Credential{}, ErrNotFound
	}
	return s.Get(ctx, token)
}

// Delete removes the credential for token.
func (s *Store) Delete(ctx context.Context, token string) error {
	return s.orm.WithContext(ctx).Delete(&credentialModel{}, "token = ?", strings.TrimSpace(token)).Error
}

// GenerateSecret returns 32 random bytes encoded as URL-safe base64.
func GenerateSecret() (string, error) {
	return randomString("", 32)
}

func randomString(prefix string, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
