package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the relay daemon runtime parameters.
type Config struct {
	ListenAddress       string         `mapstructure:"listen_address"`
	AdminAddress        string         `mapstructure:"admin_address"`
	LogLevel            string         `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration  `mapstructure:"shutdown_grace_period"`
	Relay               RelayConfig    `mapstructure:"relay"`
	Keystore            KeystoreConfig `mapstructure:"keystore"`
}

// RelayConfig tunes the routing manager.
type RelayConfig struct {
	SendBuffer         int           `mapstructure:"send_buffer"`
	AuthTimeout        time.Duration `mapstructure:"auth_timeout"`
	MaxFrameBytes      int64         `mapstructure:"max_frame_bytes"`
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout"`
	// TrustPath optionally seeds the relay's trust store from a JSON file of
	// trust grants. When empty the trust check is skipped.
	TrustPath string `mapstructure:"trust_path"`
}

// KeystoreConfig describes how the keystore backend is initialized.
type KeystoreConfig struct {
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

const (
	defaultListenAddress       = "0.0.0.0:8843"
	defaultAdminAddress        = "127.0.0.1:9843"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultSendBuffer          = 32
	defaultAuthTimeout         = 10 * time.Second
	defaultMaxFrameBytes       = 1 << 20
	defaultSessionIdleTimeout  = 15 * time.Minute
	defaultPassphraseEnv       = "TETHERD_KEYSTORE_PASSPHRASE"
	defaultKeystorePath        = "data/keystore.json"
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with TETHERD_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TETHERD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("admin_address", defaultAdminAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("relay.send_buffer", defaultSendBuffer)
	v.SetDefault("relay.auth_timeout", defaultAuthTimeout.String())
	v.SetDefault("relay.max_frame_bytes", defaultMaxFrameBytes)
	v.SetDefault("relay.session_idle_timeout", defaultSessionIdleTimeout.String())
	v.SetDefault("keystore.path", defaultKeystorePath)
	v.SetDefault("keystore.passphrase_env", defaultPassphraseEnv)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	for key, dst := range map[string]*time.Duration{
		"shutdown_grace_period":      &cfg.ShutdownGracePeriod,
		"relay.auth_timeout":         &cfg.Relay.AuthTimeout,
		"relay.session_idle_timeout": &cfg.Relay.SessionIdleTimeout,
	} {
		if !v.IsSet(key) {
			continue
		}
		dur, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = dur
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.AdminAddress == "" {
		cfg.AdminAddress = defaultAdminAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.ShutdownGracePeriod <= 0 {
		cfg.ShutdownGracePeriod = defaultShutdownGracePeriod
	}
	if cfg.Relay.SendBuffer <= 0 {
		cfg.Relay.SendBuffer = defaultSendBuffer
	}
	if cfg.Relay.AuthTimeout <= 0 {
		cfg.Relay.AuthTimeout = defaultAuthTimeout
	}
	if cfg.Relay.MaxFrameBytes <= 0 {
		cfg.Relay.MaxFrameBytes = defaultMaxFrameBytes
	}
	if cfg.Relay.SessionIdleTimeout <= 0 {
		cfg.Relay.SessionIdleTimeout = defaultSessionIdleTimeout
	}
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = defaultPassphraseEnv
	}
	if cfg.Keystore.Path == "" {
		cfg.Keystore.Path = defaultKeystorePath
	}

	return cfg, nil
}

// Passphrase fetches the keystore passphrase from the configured environment variable.
func (c Config) Passphrase() (string, error) {
	env := c.Keystore.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("keystore passphrase env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
