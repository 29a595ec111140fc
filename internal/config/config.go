package config

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Configuration keys, shared by flags, environment variables and .env files.
const (
	KeyAddr            = "addr"
	KeyDSN             = "dsn"
	KeyStore           = "store"
	KeySigningKey      = "signing-key"
	KeyAllowedOrigins  = "allowed-origins"
	KeyLogLevel        = "log-level"
	KeyEventsPerSecond = "events-per-second"
	KeyMigrate         = "migrate"
)

const EnvPrefix = "CAMPUSCHAT"

type Config struct {
	ServerAddr      string
	DatabaseDSN     string
	Store           string
	SigningKey      []byte
	AllowedOrigins  []string
	LogLevel        zapcore.Level
	EventsPerSecond int
	Migrate         bool
}

// Params are the raw, unvalidated settings.
type Params struct {
	ServerAddr      string
	DatabaseDSN     string
	Store           string
	SigningKey      string
	AllowedOrigins  []string
	LogLevel        string
	EventsPerSecond int
	Migrate         bool
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("signing secret is empty")
	}
	return key, nil
}

// NewViper returns a viper instance that resolves keys from the environment
// with the CAMPUSCHAT_ prefix, e.g. CAMPUSCHAT_SIGNING_KEY.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyAddr, "localhost:8000")
	v.SetDefault(KeyStore, StorePostgres)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyEventsPerSecond, 20)
	v.SetDefault(KeyMigrate, true)
	return v
}

// FromViper reads every key from v and validates the result.
func FromViper(v *viper.Viper) (*Config, error) {
	return NewConfig(Params{
		ServerAddr:      v.GetString(KeyAddr),
		DatabaseDSN:     v.GetString(KeyDSN),
		Store:           v.GetString(KeyStore),
		SigningKey:      v.GetString(KeySigningKey),
		AllowedOrigins:  splitList(v.GetStringSlice(KeyAllowedOrigins)),
		LogLevel:        v.GetString(KeyLogLevel),
		EventsPerSecond: v.GetInt(KeyEventsPerSecond),
		Migrate:         v.GetBool(KeyMigrate),
	})
}

// splitList flattens comma-separated entries, which is how lists arrive
// from environment variables.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func NewConfig(p Params) (*Config, error) {
	if p.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}

	switch p.Store {
	case "":
		p.Store = StorePostgres
	case StorePostgres, StoreMemory:
	default:
		return nil, fmt.Errorf("unknown store %q, expected %s or %s", p.Store, StorePostgres, StoreMemory)
	}
	if p.Store == StorePostgres && p.DatabaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	if p.SigningKey == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	signingKey, err := decodeSigningSecret(p.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	level := zapcore.InfoLevel
	if p.LogLevel != "" {
		if err := level.UnmarshalText([]byte(p.LogLevel)); err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
	}

	if p.EventsPerSecond < 0 {
		return nil, fmt.Errorf("events per second cannot be negative")
	}

	return &Config{
		ServerAddr:      p.ServerAddr,
		DatabaseDSN:     p.DatabaseDSN,
		Store:           p.Store,
		SigningKey:      signingKey,
		AllowedOrigins:  p.AllowedOrigins,
		LogLevel:        level,
		EventsPerSecond: p.EventsPerSecond,
		Migrate:         p.Migrate,
	}, nil
}
