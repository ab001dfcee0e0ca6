package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// NATSConfig holds the notification bus settings
type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
}

// AuthConfig holds the token server and API verification settings
type AuthConfig struct {
	ServerURL    string `mapstructure:"server_url"`
	ServiceToken string `mapstructure:"service_token"`
	JWKSURL      string `mapstructure:"jwks_url"`
	Issuer       string `mapstructure:"issuer"`
}

// LogConfig selects level and output format
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// IMAPConfig tunes the IMAP provider
type IMAPConfig struct {
	PoolSize       int           `mapstructure:"pool_size"`
	FetchBatchSize int           `mapstructure:"fetch_batch_size"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
}

// GmailConfig tunes the Gmail provider
type GmailConfig struct {
	DownloadBatchSize   int `mapstructure:"download_batch_size"`
	DownloadConcurrency int `mapstructure:"download_concurrency"`
}

// GraphConfig tunes the Graph provider
type GraphConfig struct {
	MaxBatchSize int `mapstructure:"max_batch_size"`
}

// SyncConfig holds synchronization settings
type SyncConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	IMAP         IMAPConfig    `mapstructure:"imap"`
	Gmail        GmailConfig   `mapstructure:"gmail"`
	Graph        GraphConfig   `mapstructure:"graph"`
}

// KeyringConfig selects where IMAP passwords are stored
type KeyringConfig struct {
	Service      string `mapstructure:"service"`
	FileDir      string `mapstructure:"file_dir"`
	FilePassword string `mapstructure:"file_password"`
}

// Config is the process configuration
type Config struct {
	DataDir    string        `mapstructure:"data_dir"`
	ListenAddr string        `mapstructure:"listen_addr"`
	NATS       NATSConfig    `mapstructure:"nats"`
	Auth       AuthConfig    `mapstructure:"auth"`
	Log        LogConfig     `mapstructure:"log"`
	Sync       SyncConfig    `mapstructure:"sync"`
	Keyring    KeyringConfig `mapstructure:"keyring"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "data")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.stream", "MAIL_EVENTS")
	v.SetDefault("auth.server_url", "http://localhost:3000")
	v.SetDefault("auth.service_token", "")
	v.SetDefault("auth.jwks_url", "http://localhost:3000/api/auth/jwks")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("sync.poll_interval", 5*time.Minute)
	v.SetDefault("sync.imap.pool_size", 4)
	v.SetDefault("sync.imap.fetch_batch_size", 50)
	v.SetDefault("sync.imap.idle_timeout", 25*time.Minute)
	v.SetDefault("sync.imap.dial_timeout", 30*time.Second)
	v.SetDefault("sync.gmail.download_batch_size", 50)
	v.SetDefault("sync.gmail.download_concurrency", 8)
	v.SetDefault("sync.graph.max_batch_size", 20)
	v.SetDefault("keyring.service", "mailsync")
	v.SetDefault("keyring.file_dir", "~/.config/mailsync/credentials")
	v.SetDefault("keyring.file_password", "mailsync-file-key")
}

// Load reads the YAML file at path, if any, and applies MAILSYNC_ environment
// overrides such as MAILSYNC_SYNC_POLL_INTERVAL
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			var pathErr *os.PathError
			if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Sync.IMAP.PoolSize < 1 {
		return fmt.Errorf("sync.imap.pool_size must be positive, got %d", c.Sync.IMAP.PoolSize)
	}
	if c.Sync.IMAP.FetchBatchSize < 1 {
		return fmt.Errorf("sync.imap.fetch_batch_size must be positive, got %d", c.Sync.IMAP.FetchBatchSize)
	}
	// Gmail rejects batches above 100
	if c.Sync.Gmail.DownloadBatchSize < 1 || c.Sync.Gmail.DownloadBatchSize > 100 {
		return fmt.Errorf("sync.gmail.download_batch_size must be within 1..100, got %d", c.Sync.Gmail.DownloadBatchSize)
	}
	// Graph JSON batching accepts at most 20 requests
	if c.Sync.Graph.MaxBatchSize < 1 || c.Sync.Graph.MaxBatchSize > 20 {
		return fmt.Errorf("sync.graph.max_batch_size must be within 1..20, got %d", c.Sync.Graph.MaxBatchSize)
	}
	return nil
}
