package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the consumer service.
type Config struct {
	Addr          string          `env:"ADDR,default=:8081"`
	DBDSN         string          `env:"DB_DSN,required"`
	AdminToken    string          `env:"ADMIN_TOKEN"`
	LogLevel      string          `env:"LOG_LEVEL,default=info"`
	OTLPEndpoint  string          `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	NATSURL       string          `env:"NATS_URL"`
	RedisURL      string          `env:"REDIS_URL"`
	FetchTimeout  time.Duration   `env:"FETCH_TIMEOUT,default=15s"`
	RegisterLimit int             `env:"REGISTER_RATE_LIMIT,default=5"`
	Pull          PullConfig      `env:",prefix=PULL_"`
	Relocate      RelocateConfig  `env:",prefix=RELOCATE_"`
	Publisher     PublisherConfig `env:",prefix=PUBLISHER_"`
}

// PullConfig controls the updates poller. A zero interval disables it.
type PullConfig struct {
	Interval   time.Duration `env:"INTERVAL,default=0s"`
	InstallNew bool          `env:"INSTALL_NEW,default=false"`
}

// RelocateConfig rewrites asset URLs from the publisher's base to the local one.
type RelocateConfig struct {
	From string `env:"FROM"`
	To   string `env:"TO"`
}

// Enabled reports whether both prefixes are set.
func (c RelocateConfig) Enabled() bool {
	return c.From != "" && c.To != ""
}

// PublisherConfig seeds the publisher pairing at startup instead of via /register.
type PublisherConfig struct {
	URL    string `env:"URL"`
	Token  string `env:"TOKEN"`
	Secret string `env:"SECRET"`
}

// Enabled reports whether a pairing is configured.
func (c PublisherConfig) Enabled() bool {
	return c.URL != "" && c.Token != "" && c.Secret != ""
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom populates a Config from lookuper.
func LoadFrom(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
