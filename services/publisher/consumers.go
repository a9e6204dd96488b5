package publisher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"syncd/pkg/credential"
	"syncd/pkg/signing"
)

// Directory tracks enrolled consumers and the credentials used to talk to them.
type Directory struct {
	orm   *gorm.DB
	creds *credential.Store
	now   func() time.Time
}

// NewDirectory builds a consumer directory.
func NewDirectory(orm *gorm.DB, creds *credential.Store) (*Directory, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if creds == nil {
		return nil, errors.New("credential store is required")
	}
	return &Directory{orm: orm, creds: creds, now: time.Now}, nil
}

// Enroll registers a consumer at rawURL and issues its credential. The secret is only
// ever returned here and from Rotate.
func (d *Directory) Enroll(ctx context.Context, name, rawURL string) (Consumer, credential.Credential, error) {
	siteURL, err := normalizeURL(rawURL)
	if err != nil {
		return Consumer{}, credential.Credential{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = siteURL
	}

	cred, err := d.creds.Issue(ctx, siteURL, name)
	if err != nil {
		return Consumer{}, credential.Credential{}, fmt.Errorf("issue credential: %w", err)
	}

	now := d.now().UTC()
	model := consumerModel{
		ID:        uuid.New(),
		Name:      name,
		URL:       siteURL,
		Token:     cred.Token,
		Status:    ConsumerActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.orm.WithContext(ctx).Create(&model).Error; err != nil {
		_ = d.creds.Delete(ctx, cred.Token)
		return Consumer{}, credential.Credential{}, fmt.Errorf("create consumer: %w", err)
	}
	return model.toAPI(), cred, nil
}

// List returns every enrolled consumer.
func (d *Directory) List(ctx context.Context) ([]Consumer, error) {
	var models []consumerModel
	if err := d.orm.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Consumer, 0, len(models))
	for _, m := range models {
		out = append(out, m.toAPI())
	}
	return out, nil
}

// Get returns the consumer with id.
func (d *Directory) Get(ctx context.Context, id uuid.UUID) (Consumer, error) {
	var model consumerModel
	if err := d.orm.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Consumer{}, fmt.Errorf("%w: consumer %s", ErrNotFound, id)
		}
		return Consumer{}, err
	}
	return model.toAPI(), nil
}

// Resolve finds the active consumer named by target, which is either its id or its URL.
func (d *Directory) Resolve(ctx context.Context, target string) (Consumer, error) {
	target = strings.TrimSpace(target)
	if id, err := uuid.Parse(target); err == nil {
		c, err := d.Get(ctx, id)
		if err != nil {
			return Consumer{}, err
		}
		return activeOnly(c)
	}

	siteURL, err := normalizeURL(target)
	if err != nil {
		return Consumer{}, err
	}
	var model consumerModel
	if err := d.orm.WithContext(ctx).First(&model, "url = ?", siteURL).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Consumer{}, fmt.Errorf("%w: consumer %s", ErrNotFound, siteURL)
		}
		return Consumer{}, err
	}
	return activeOnly(model.toAPI())
}

func activeOnly(c Consumer) (Consumer, error) {
	if c.Status != ConsumerActive {
		return Consumer{}, fmt.Errorf("%w: consumer %s is %s", ErrBadRequest, c.ID, c.Status)
	}
	return c, nil
}

// Credential returns the signing credential for c.
func (d *Directory) Credential(ctx context.Context, c Consumer) (credential.Credential, error) {
	return d.creds.Get(ctx, c.Token)
}

// Rotate issues a fresh secret for the consumer. Requests signed with the old secret
// fail from the moment it returns.
func (d *Directory) Rotate(ctx context.Context, id uuid.UUID) (credential.Credential, error) {
	c, err := d.Get(ctx, id)
	if err != nil {
		return credential.Credential{}, err
	}
	return d.creds.Rotate(ctx, c.Token)
}

// SetStatus enables or disables a consumer. Disabled consumers are skipped as targets and
// their token no longer authenticates.
func (d *Directory) SetStatus(ctx context.Context, id uuid.UUID, status string) (Consumer, error) {
	if status != ConsumerActive && status != ConsumerDisabled {
		return Consumer{}, fmt.Errorf("%w: unknown status %q", ErrBadRequest, status)
	}
	res := d.orm.WithContext(ctx).
		Model(&consumerModel{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": d.now().UTC()})
	if res.Error != nil {
		return Consumer{}, res.Error
	}
	if res.RowsAffected == 0 {
		return Consumer{}, fmt.Errorf("%w: consumer %s", ErrNotFound, id)
	}
	return d.Get(ctx, id)
}

// Secret implements signing.SecretLookup for consumer-signed requests, refusing tokens
// of disabled consumers.
func (d *Directory) Secret(ctx context.Context, token string) (string, error) {
	var model consumerModel
	err := d.orm.WithContext(ctx).First(&model, "token = ?", strings.TrimSpace(token)).Error
	switch {
	case err == nil:
		if model.Status != ConsumerActive {
			return "", fmt.Errorf("%w: consumer %s is %s", signing.ErrAuthFailed, model.ID, model.Status)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return "", err
	}
	return d.creds.Secret(ctx, token)
}

func normalizeURL(raw string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: invalid url %q", ErrBadRequest, raw)
	}
	return raw, nil
}
