// Package config loads and validates the service configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// minPollIntervalSec is the enforced floor for the poll interval so a
// misconfigured account cannot hammer the mail server.
const minPollIntervalSec = 10

// IMAPConfig holds the mailbox connection settings.
type IMAPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	UseTLS   bool   `mapstructure:"use_tls" yaml:"use_tls"`
	Username string `mapstructure:"username" yaml:"username"`

	// Password is the account password or app token. When empty it is
	// looked up in the OS keyring under the username.
	Password string `mapstructure:"password" yaml:"password"`

	Mailbox string `mapstructure:"mailbox" yaml:"mailbox"`
}

// GraphConfig holds the downstream graph service settings.
type GraphConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	Token   string `mapstructure:"token" yaml:"token"`
}

// Config is the top-level service configuration.
type Config struct {
	IMAP  IMAPConfig  `mapstructure:"imap" yaml:"imap"`
	Graph GraphConfig `mapstructure:"graph" yaml:"graph"`

	PollIntervalSec int  `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
	BatchSize       int  `mapstructure:"batch_size" yaml:"batch_size"`
	AutoExtract     bool `mapstructure:"auto_extract" yaml:"auto_extract"`

	// NotifyURL is the downstream extractor webhook, used only when
	// AutoExtract is enabled.
	NotifyURL string `mapstructure:"notify_url" yaml:"notify_url"`

	StatePath string `mapstructure:"state_path" yaml:"state_path"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
}

// Account identifies the mailbox this configuration polls; it keys the
// sync cursor.
func (c *Config) Account() string {
	return fmt.Sprintf("%s@%s/%s", c.IMAP.Username, c.IMAP.Host, c.IMAP.Mailbox)
}

// DefaultConfigPath returns the default configuration file location,
// ~/.config/mailgraph/mailgraph.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "mailgraph.yaml")
	}
	return filepath.Join(home, ".config", "mailgraph", "mailgraph.yaml")
}

// Load reads configuration from the given YAML file path using Viper and
// validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.use_tls", true)
	v.SetDefault("imap.mailbox", "INBOX")
	v.SetDefault("poll_interval_sec", 60)
	v.SetDefault("batch_size", 50)
	v.SetDefault("graph.base_url", "http://localhost:8745")
	v.SetDefault("state_path", defaultStatePath())
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.PollIntervalSec < minPollIntervalSec {
		cfg.PollIntervalSec = minPollIntervalSec
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.IMAP.Host == "" {
		return fmt.Errorf("imap.host is required")
	}
	if c.IMAP.Port == 0 {
		return fmt.Errorf("imap.port is required")
	}
	if c.IMAP.Username == "" {
		return fmt.Errorf("imap.username is required")
	}
	if c.Graph.BaseURL == "" {
		return fmt.Errorf("graph.base_url is required")
	}
	if c.AutoExtract && c.NotifyURL == "" {
		return fmt.Errorf("notify_url is required when auto_extract is enabled")
	}
	return nil
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "mailgraph.db")
	}
	return filepath.Join(home, ".local", "share", "mailgraph", "state.db")
}
