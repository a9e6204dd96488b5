package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{
		"DB_DSN": "postgres://localhost/site",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":8081", cfg.Addr)
	assert.Equal(t, 15*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 5, cfg.RegisterLimit)
	assert.Zero(t, cfg.Pull.Interval)
	assert.False(t, cfg.Relocate.Enabled())
	assert.False(t, cfg.Publisher.Enabled())
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{
		"DB_DSN":           "postgres://localhost/site",
		"PULL_INTERVAL":    "2m",
		"PULL_INSTALL_NEW": "true",
		"RELOCATE_FROM":    "https://publisher.example/uploads",
		"RELOCATE_TO":      "https://site.example/uploads",
		"PUBLISHER_URL":    "https://publisher.example",
		"PUBLISHER_TOKEN":  "tok_1",
		"PUBLISHER_SECRET": "s3cr3t",
	}))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Pull.Interval)
	assert.True(t, cfg.Pull.InstallNew)
	assert.True(t, cfg.Relocate.Enabled())
	assert.True(t, cfg.Publisher.Enabled())
	assert.Equal(t, "tok_1", cfg.Publisher.Token)
}

func TestLoadRequiresDSN(t *testing.T) {
	_, err := LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{}))
	assert.Error(t, err)
}
