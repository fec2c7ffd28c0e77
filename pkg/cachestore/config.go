package cachestore

import (
	"fmt"
	"time"

	"github.com/lexops/practiceops/pkg/credential"
)

// Credential modes for the shared store.
const (
	CredentialNone   = "none"
	CredentialStatic = "static"
	CredentialEntra  = "entra"
)

// Config configures a RedisStore.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	DB       int    `mapstructure:"db"`
	TLS      bool   `mapstructure:"tls"`

	// CredentialMode selects how the connection authenticates: none, static
	// (password secret) or entra (Azure Entra ID token).
	CredentialMode string `mapstructure:"credential_mode"`

	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`

	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectCooldown    time.Duration `mapstructure:"reconnect_cooldown"`

	ScanBatch int64 `mapstructure:"scan_batch"`
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		CredentialMode:       CredentialNone,
		DialTimeout:          5 * time.Second,
		OperationTimeout:     2 * time.Second,
		BackoffBase:          100 * time.Millisecond,
		BackoffMax:           2 * time.Second,
		MaxReconnectAttempts: 3,
		ReconnectCooldown:    30 * time.Second,
		ScanBatch:            500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CredentialMode == "" {
		c.CredentialMode = d.CredentialMode
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = d.OperationTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.ReconnectCooldown < 0 {
		c.ReconnectCooldown = 0
	}
	if c.ScanBatch <= 0 {
		c.ScanBatch = d.ScanBatch
	}
	return c
}

// NewCredentials builds the credential manager for the configured mode. It
// returns nil for mode none. password is only read in static mode.
func NewCredentials(cfg Config, password string, opts ...credential.Option) (*credential.Manager, error) {
	var provider credential.Provider
	switch cfg.CredentialMode {
	case "", CredentialNone:
		return nil, nil
	case CredentialStatic:
		if password == "" {
			return nil, fmt.Errorf("cachestore: static credential mode requires a password")
		}
		provider = credential.StaticProvider{Secret: password, Principal: cfg.Username}
	case CredentialEntra:
		p, err := credential.NewDefaultEntraProvider()
		if err != nil {
			return nil, fmt.Errorf("cachestore: %w", err)
		}
		provider = p
	default:
		return nil, fmt.Errorf("cachestore: unknown credential mode %q", cfg.CredentialMode)
	}
	return credential.NewManager(provider, opts...), nil
}

// Open returns a RedisStore when an address is configured and a MemoryStore
// otherwise.
func Open(cfg Config, password string, opts ...Option) (Store, error) {
	if cfg.Addr == "" {
		return NewMemoryStore(DefaultMemoryEntries), nil
	}
	creds, err := NewCredentials(cfg, password)
	if err != nil {
		return nil, err
	}
	if creds != nil {
		opts = append([]Option{WithCredentials(creds)}, opts...)
	}
	return NewRedisStore(cfg, opts...), nil
}
