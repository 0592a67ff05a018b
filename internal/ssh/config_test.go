package ssh

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateRejectsEmptyHost(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = ""
	cfg.MaxRetries = 5

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrConfiguration)
	require.Contains(t, err.Error(), "host cannot be empty")
}

func TestValidateRejectsZeroRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	require.ErrorIs(t, cfg.Validate(), ErrConfiguration)
}

func TestValidateAcceptsDefaults(t *testing.T) {
	for _, retries := range []int{1, 2, 5, 100} {
		cfg := DefaultConfig()
		cfg.Host = "10.0.0.2"
		cfg.MaxRetries = retries
		require.NoError(t, cfg.Validate())
	}
}

func TestValidateRejectsOutOfRangeValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Port = 0 }},
		{"port too large", func(c *Config) { c.Port = 70000 }},
		{"negative timeout", func(c *Config) { c.Timeout = -time.Second }},
		{"unknown backend", func(c *Config) { c.Backend = "telnet" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrConfiguration))
		})
	}
}

func TestValidateAcceptsInvertedBackoff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "h"
	cfg.MaxRetries = 1
	cfg.InitialBackoff = 2 * time.Second
	cfg.MaxBackoff = time.Second
	require.NoError(t, cfg.Validate())

	// The cap still wins over the larger initial delay.
	require.Equal(t, time.Second, cfg.Backoff().Base(1))
	require.Equal(t, time.Second, cfg.Backoff().Base(4))
}

func TestNewConfigOptions(t *testing.T) {
	cfg, err := NewConfig("build-1",
		WithPort(2222),
		WithUser("builder"),
		WithKeyPath("/keys/id"),
		WithTimeout(5*time.Second),
		WithRetries(3),
		WithBackoff(time.Second, 4*time.Second),
		WithStrictHostKeyChecking(true),
		WithCompression(true),
		WithKeepAlive(15*time.Second),
		WithKnownHosts("/keys/known_hosts"),
		WithBackend(BackendSystem),
	)
	require.NoError(t, err)

	require.Equal(t, "build-1", cfg.Host)
	require.Equal(t, 2222, cfg.Port)
	require.Equal(t, "builder", cfg.User)
	require.Equal(t, "/keys/id", cfg.KeyPath)
	require.Equal(t, 5*time.Second, cfg.Timeout)
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, Backoff{Initial: time.Second, Max: 4 * time.Second}, cfg.Backoff())
	require.True(t, cfg.StrictHostKeyChecking)
	require.True(t, cfg.Compression)
	require.Equal(t, 15*time.Second, cfg.EffectiveKeepAlive())
	require.Equal(t, "/keys/known_hosts", cfg.KnownHostsPath)
	require.Equal(t, BackendSystem, cfg.Backend)
	require.Equal(t, "builder@build-1", cfg.Destination())
}

func TestNewConfigValidates(t *testing.T) {
	_, err := NewConfig("")
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = NewConfig("vm", WithRetries(0))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestEffectiveKeepAliveDefault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepAliveInterval = 0
	require.Equal(t, 60*time.Second, cfg.EffectiveKeepAlive())
}

func TestAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "10.0.0.2"
	require.Equal(t, "10.0.0.2:22", cfg.Addr())

	cfg.Host = "fe80::1"
	cfg.Port = 2222
	require.Equal(t, "[fe80::1]:2222", cfg.Addr())
}
