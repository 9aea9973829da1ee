package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "SHIFTSYNC"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "shiftsync.db"
	defaultServerDatabase    = "shiftsync-server.db"
	defaultLogLevel          = "info"
	defaultRemoteBaseURL     = "http://127.0.0.1:8080"
	defaultRemoteTimeout     = 30 * time.Second
	defaultProbeInterval     = 15 * time.Second
	defaultConflictStrategy  = "remote-wins"
	defaultTokenTTL          = 24 * time.Hour
	minimumProbeInterval     = time.Second
	conflictStrategyLocal    = "local-wins"
	conflictStrategyRemote   = "remote-wins"
	conflictStrategyManually = "manual"
)

// AppConfig captures runtime configuration for the device agent and the reference API server.
type AppConfig struct {
	LogLevel         string
	LogFile          string
	DatabasePath     string
	RemoteBaseURL    string
	RemoteTimeout    time.Duration
	AccessToken      string
	AgentUserID      string
	ConflictStrategy string
	ProbeInterval    time.Duration

	HTTPAddress        string
	SigningSecret      string
	TokenTTL           time.Duration
	ServerDatabasePath string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("remote.base_url", defaultRemoteBaseURL)
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("remote.access_token", "")
	configViper.SetDefault("agent.user_id", "")
	configViper.SetDefault("sync.conflict_strategy", defaultConflictStrategy)
	configViper.SetDefault("connectivity.probe_interval", defaultProbeInterval)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("server.database_path", defaultServerDatabase)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		LogLevel:           configViper.GetString("log.level"),
		LogFile:            strings.TrimSpace(configViper.GetString("log.file")),
		DatabasePath:       configViper.GetString("database.path"),
		RemoteBaseURL:      strings.TrimRight(strings.TrimSpace(configViper.GetString("remote.base_url")), "/"),
		RemoteTimeout:      configViper.GetDuration("remote.timeout"),
		AccessToken:        strings.TrimSpace(configViper.GetString("remote.access_token")),
		AgentUserID:        strings.TrimSpace(configViper.GetString("agent.user_id")),
		ConflictStrategy:   strings.ToLower(strings.TrimSpace(configViper.GetString("sync.conflict_strategy"))),
		ProbeInterval:      configViper.GetDuration("connectivity.probe_interval"),
		HTTPAddress:        configViper.GetString("http.address"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		TokenTTL:           configViper.GetDuration("auth.token_ttl"),
		ServerDatabasePath: configViper.GetString("server.database_path"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.RemoteBaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.ProbeInterval < minimumProbeInterval {
		return fmt.Errorf("connectivity.probe_interval must be at least %s", minimumProbeInterval)
	}
	switch c.ConflictStrategy {
	case conflictStrategyRemote, conflictStrategyLocal, conflictStrategyManually:
	default:
		return fmt.Errorf("sync.conflict_strategy %q is not one of remote-wins, local-wins, manual", c.ConflictStrategy)
	}
	return nil
}

// RequireAgentCredentials validates that the agent can authenticate: either a provisioned
// access token, or a signing secret plus the user the agent syncs for.
func (c AppConfig) RequireAgentCredentials() error {
	if c.AccessToken != "" {
		return nil
	}
	if strings.TrimSpace(c.SigningSecret) == "" || c.AgentUserID == "" {
		return fmt.Errorf("remote.access_token, or auth.signing_secret with agent.user_id, is required")
	}
	return nil
}

// RequireServer validates the settings only the reference API server needs.
func (c AppConfig) RequireServer() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.ServerDatabasePath) == "" {
		return fmt.Errorf("server.database_path is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	return nil
}
