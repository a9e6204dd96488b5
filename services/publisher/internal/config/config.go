package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"

	"syncd/pkg/s3"
)

// Config holds runtime configuration for the publisher service.
type Config struct {
	Addr            string        `env:"ADDR,default=:8080"`
	DBDSN           string        `env:"DB_DSN,required"`
	PublicURL       string        `env:"PUBLIC_URL,required"`
	AdminToken      string        `env:"ADMIN_TOKEN"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	OTLPEndpoint    string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AllowedOrigins  []string      `env:"CORS_ALLOWED_ORIGINS"`
	NATSURL         string        `env:"NATS_URL"`
	RedisURL        string        `env:"REDIS_URL"`
	DeliveryTimeout time.Duration `env:"DELIVERY_TIMEOUT,default=20s"`
	PresignTTL      time.Duration `env:"PRESIGN_TTL,default=15m"`
	QueueSize       int           `env:"QUEUE_SIZE,default=64"`
	StaleAfter      time.Duration `env:"STALE_DEPLOYMENT_AFTER,default=30m"`
	S3              s3.Config     `env:",prefix=S3_"`
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
