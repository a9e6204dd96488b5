package syncctl

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-envconfig"
)

// Config is the operator environment for syncctl. Flags override these values.
type Config struct {
	PublisherURL   string        `env:"SYNCCTL_PUBLISHER_URL"`
	PublisherToken string        `env:"SYNCCTL_PUBLISHER_TOKEN"`
	ConsumerURL    string        `env:"SYNCCTL_CONSUMER_URL"`
	ConsumerToken  string        `env:"SYNCCTL_CONSUMER_TOKEN"`
	Timeout        time.Duration `env:"SYNCCTL_TIMEOUT,default=30s"`
	AgeSecretKey   string        `env:"AGE_SECRET_KEY"`
	AgePublicKey   string        `env:"AGE_PUBLIC_KEY"`
}

// LoadConfig reads Config through lookuper.
func LoadConfig(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ExportConfig configures bundle creation from a publisher.
type ExportConfig struct {
	Client      *Client
	TemplateIDs []uuid.UUID
	// AllVersions exports the full history instead of the latest version only.
	AllVersions bool
	Output      string
	Signer      *Signer
	Now         func() time.Time
	Stdout      io.Writer
}

// ImportConfig configures publishing a bundle's artifacts into a publisher.
type ImportConfig struct {
	BundlePath string
	Client     *Client
	Signer     *Signer
	Stdout     io.Writer
}
