package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotNil(t, cfg)
	assert.Equal(t, 5000, cfg.Port)
	assert.Equal(t, 5001, cfg.WebPort())
	assert.True(t, cfg.Controller)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	valid := func(mutate func(*Config)) *Config {
		cfg := DefaultConfig()
		mutate(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:    "valid config",
			config:  DefaultConfig(),
			wantErr: false,
		},
		{
			name:    "port too small",
			config:  valid(func(c *Config) { c.Port = 0 }),
			wantErr: true,
		},
		{
			name:    "port negative",
			config:  valid(func(c *Config) { c.Port = -1 }),
			wantErr: true,
		},
		{
			name:    "port too large",
			config:  valid(func(c *Config) { c.Port = 70000 }),
			wantErr: true,
		},
		{
			name:    "port at upper bound",
			config:  valid(func(c *Config) { c.Port = 65535 }),
			wantErr: false,
		},
		{
			name:    "warning level accepted",
			config:  valid(func(c *Config) { c.LogLevel = "warning" }),
			wantErr: false,
		},
		{
			name:    "unknown log level",
			config:  valid(func(c *Config) { c.LogLevel = "verbose" }),
			wantErr: true,
		},
		{
			name:    "zero send workers",
			config:  valid(func(c *Config) { c.SendWorkers = 0 }),
			wantErr: true,
		},
		{
			name:    "zero deliver workers",
			config:  valid(func(c *Config) { c.DeliverWorkers = 0 }),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
