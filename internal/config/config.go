package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// Environment variables read at startup. They may also come from a .env file.
const (
	EnvWatchFolder = "WATCH_FOLDER"
	EnvLFSTrack    = "GIT_LFS_TRACK"
)

const (
	DefaultDir             = "."
	DefaultGitBinary       = "git"
	DefaultDebounce        = 5 * time.Second
	DefaultPullInterval    = time.Minute
	DefaultShutdownTimeout = 5 * time.Second
	DefaultCommitMessage   = "Auto-commit: Syncing changes"
	DefaultAppName         = "Git Sync"
	DefaultNotifyTimeout   = 15 * time.Second
)

// Config represents the complete gitto configuration
type Config struct {
	Repo   RepoConfig   `yaml:"repo" toml:"repo"`
	Sync   SyncConfig   `yaml:"sync" toml:"sync"`
	Notify NotifyConfig `yaml:"notify" toml:"notify"`
	Paths  PathsConfig  `yaml:"paths" toml:"paths"`
	Serve  ServeConfig  `yaml:"serve" toml:"serve"`
}

// RepoConfig configures the working directory being synchronized
type RepoConfig struct {
	Dir       string   `yaml:"dir" toml:"dir"`
	GitBinary string   `yaml:"git_binary" toml:"git_binary"`
	LFSTrack  []string `yaml:"lfs_track" toml:"lfs_track"`
}

// SyncConfig configures timing and commit behavior
type SyncConfig struct {
	Debounce        time.Duration `yaml:"debounce" toml:"debounce"`
	PullInterval    time.Duration `yaml:"pull_interval" toml:"pull_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	CommitMessage   string        `yaml:"commit_message" toml:"commit_message"`
	Ignore          []string      `yaml:"ignore" toml:"ignore"`
}

// NotifyConfig configures desktop notifications for failures
type NotifyConfig struct {
	Enabled *bool         `yaml:"enabled" toml:"enabled"`
	AppName string        `yaml:"app_name" toml:"app_name"`
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir" toml:"state_dir"`
}

// ServeConfig configures the optional push webhook
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled" toml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr" toml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file" toml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types" toml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs" toml:"allowed_refs"`
	// SocketName selects an activated socket by its FileDescriptorName;
	// empty takes the first one.
	SocketName string `yaml:"socket_name" toml:"socket_name"`
}

// DefaultPath returns the config file used when none is given
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "gitto", "config.yaml")
}

// DefaultStateDir returns the directory holding state.json
func DefaultStateDir() string {
	return filepath.Join(xdg.StateHome, "gitto")
}

// Load reads and parses the configuration file. When optional is true a
// missing file yields the defaults instead of an error.
func Load(path string, optional bool) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case optional && errors.Is(err, os.ErrNotExist):
		// defaults only
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(string(data), cfg)
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// expandEnv expands environment variables in all path-like string fields
func (c *Config) expandEnv() {
	c.Repo.Dir = os.ExpandEnv(c.Repo.Dir)
	c.Repo.GitBinary = os.ExpandEnv(c.Repo.GitBinary)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyEnvOverrides lets WATCH_FOLDER and GIT_LFS_TRACK replace file values
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv(EnvWatchFolder); dir != "" {
		c.Repo.Dir = dir
	}
	if patterns := os.Getenv(EnvLFSTrack); patterns != "" {
		c.Repo.LFSTrack = SplitList(patterns)
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Repo.Dir == "" {
		c.Repo.Dir = DefaultDir
	}
	if c.Repo.GitBinary == "" {
		c.Repo.GitBinary = DefaultGitBinary
	}
	if c.Sync.Debounce == 0 {
		c.Sync.Debounce = DefaultDebounce
	}
	if c.Sync.PullInterval == 0 {
		c.Sync.PullInterval = DefaultPullInterval
	}
	if c.Sync.ShutdownTimeout == 0 {
		c.Sync.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Sync.CommitMessage == "" {
		c.Sync.CommitMessage = DefaultCommitMessage
	}
	if c.Notify.Enabled == nil {
		enabled := true
		c.Notify.Enabled = &enabled
	}
	if c.Notify.AppName == "" {
		c.Notify.AppName = DefaultAppName
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = DefaultNotifyTimeout
	}
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = DefaultStateDir()
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Repo.Dir == "" {
		return fmt.Errorf("repo.dir is required")
	}

	if c.Sync.Debounce <= 0 {
		return fmt.Errorf("sync.debounce must be positive: %s", c.Sync.Debounce)
	}
	if c.Sync.PullInterval <= 0 {
		return fmt.Errorf("sync.pull_interval must be positive: %s", c.Sync.PullInterval)
	}
	if c.Sync.ShutdownTimeout <= 0 {
		return fmt.Errorf("sync.shutdown_timeout must be positive: %s", c.Sync.ShutdownTimeout)
	}

	// Validate serve config if enabled
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
	}

	return nil
}

// NotificationsEnabled reports whether desktop notifications should be attempted
func (c *Config) NotificationsEnabled() bool {
	return c.Notify.Enabled == nil || *c.Notify.Enabled
}

// StateFilePath returns the path to the status file
func (c *Config) StateFilePath() string {
	return filepath.Join(c.Paths.StateDir, "state.json")
}

// SplitList splits a comma-separated list, trimming blanks and dropping empty entries
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
