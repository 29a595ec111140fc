package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewConfig(t *testing.T) {
	var (
		addr = "localhost:8080"
		dsn  = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
		key  = "c29tZV9zZWNyZXQ="
		orig = []string{"http://localhost:3000"}
	)

	valid := func() Params {
		return Params{
			ServerAddr:      addr,
			DatabaseDSN:     dsn,
			Store:           StorePostgres,
			SigningKey:      key,
			AllowedOrigins:  orig,
			LogLevel:        "debug",
			EventsPerSecond: 10,
		}
	}

	tcases := []struct {
		name   string
		modify func(p *Params)
		err    bool
	}{
		{
			name:   "valid config",
			modify: func(p *Params) {},
		},
		{
			name:   "empty address",
			modify: func(p *Params) { p.ServerAddr = "" },
			err:    true,
		},
		{
			name:   "empty DSN",
			modify: func(p *Params) { p.DatabaseDSN = "" },
			err:    true,
		},
		{
			name:   "memory store without DSN",
			modify: func(p *Params) { p.Store = StoreMemory; p.DatabaseDSN = "" },
		},
		{
			name:   "unknown store",
			modify: func(p *Params) { p.Store = "mongo" },
			err:    true,
		},
		{
			name:   "empty signing key",
			modify: func(p *Params) { p.SigningKey = "" },
			err:    true,
		},
		{
			name:   "invalid log level",
			modify: func(p *Params) { p.LogLevel = "loud" },
			err:    true,
		},
		{
			name:   "negative event rate",
			modify: func(p *Params) { p.EventsPerSecond = -1 },
			err:    true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			p := valid()
			tc.modify(&p)

			config, err := NewConfig(p)
			if tc.err {
				assert.Error(t, err, "expected error for config: %s", tc.name)
				return
			}
			require.NoError(t, err, "expected no error for config: %s", tc.name)

			assert.Equal(t, addr, config.ServerAddr, "expected server address to match")
			assert.Equal(t, p.DatabaseDSN, config.DatabaseDSN, "expected database DSN to match")
			assert.Equal(t, p.Store, config.Store)
			assert.Equal(t, orig, config.AllowedOrigins, "expected allowed origins to match")
			assert.Equal(t, []byte("some_secret"), config.SigningKey, "expected signing key to be decoded")
			assert.Equal(t, zapcore.DebugLevel, config.LogLevel)
			assert.Equal(t, 10, config.EventsPerSecond)
		})
	}
}

func TestFromViper(t *testing.T) {
	t.Setenv("CAMPUSCHAT_SIGNING_KEY", "c29tZV9zZWNyZXQ=")
	t.Setenv("CAMPUSCHAT_STORE", "memory")
	t.Setenv("CAMPUSCHAT_ALLOWED_ORIGINS", "http://localhost:3000, https://campus.example.edu")
	t.Setenv("CAMPUSCHAT_EVENTS_PER_SECOND", "5")

	cfg, err := FromViper(NewViper())
	require.NoError(t, err)

	assert.Equal(t, "localhost:8000", cfg.ServerAddr, "expected default address")
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, []string{"http://localhost:3000", "https://campus.example.edu"}, cfg.AllowedOrigins)
	assert.Equal(t, 5, cfg.EventsPerSecond)
	assert.Equal(t, zapcore.InfoLevel, cfg.LogLevel)
	assert.True(t, cfg.Migrate)
}

func Test_decodeSigningKey(t *testing.T) {
	tcases := []struct {
		name         string
		base64Secret string
		expectedKey  []byte
		expectError  bool
	}{
		{
			name:         "valid base64 secret",
			base64Secret: "c29tZV9zZWNyZXQ=",
			expectedKey:  []byte("some_secret"),
			expectError:  false,
		},
		{
			name:         "invalid base64 secret",
			base64Secret: "invalid_base64",
			expectedKey:  nil,
			expectError:  true,
		},
		{
			name:         "empty base64 secret",
			base64Secret: "",
			expectedKey:  nil,
			expectError:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := decodeSigningSecret(tc.base64Secret)
			if tc.expectError {
				assert.Error(t, err, "expected error for base64 secret: %s", tc.base64Secret)
			} else {
				assert.NoError(t, err, "expected no error for base64 secret: %s", tc.base64Secret)
				assert.Equal(t, tc.expectedKey, key, "expected decoded key to match for base64 secret: %s", tc.base64Secret)
			}
		})
	}
}
