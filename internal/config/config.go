package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the chanctl runtime parameters.
type Config struct {
	ClearNodeURL        string            `mapstructure:"clearnode_url"`
	LogLevel            string            `mapstructure:"log_level"`
	AppName             string            `mapstructure:"app_name"`
	Scope               string            `mapstructure:"scope"`
	SessionDuration     time.Duration     `mapstructure:"session_duration"`
	RequestTimeout      time.Duration     `mapstructure:"request_timeout"`
	ActivityLogSize     int               `mapstructure:"activity_log_size"`
	ShutdownGracePeriod time.Duration     `mapstructure:"shutdown_grace_period"`
	Allowances          []AllowanceConfig `mapstructure:"allowances"`
	Reconnect           ReconnectConfig   `mapstructure:"reconnect"`
	Keystore            KeystoreConfig    `mapstructure:"keystore"`
	Wallet              WalletConfig      `mapstructure:"wallet"`
	Chain               ChainConfig       `mapstructure:"chain"`
	Faucet              FaucetConfig      `mapstructure:"faucet"`
	Admin               AdminConfig       `mapstructure:"admin"`
}

// AllowanceConfig is one spending allowance requested during authentication.
type AllowanceConfig struct {
	Asset  string `mapstructure:"asset"`
	Amount string `mapstructure:"amount"`
}

// ReconnectConfig tunes the exponential reconnect policy.
type ReconnectConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// KeystoreConfig describes how the keystore backend is initialized.
type KeystoreConfig struct {
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

// WalletConfig names the env var holding the primary wallet key.
type WalletConfig struct {
	PrivateKeyEnv string `mapstructure:"private_key_env"`
}

// ChainConfig points at the settlement chain. An empty RPCURL disables on-chain features.
type ChainConfig struct {
	RPCURL      string `mapstructure:"rpc_url"`
	ChainID     uint64 `mapstructure:"chain_id"`
	Token       string `mapstructure:"token"`
	Custody     string `mapstructure:"custody"`
	Adjudicator string `mapstructure:"adjudicator"`
}

// FaucetConfig locates the test-funds faucet.
type FaucetConfig struct {
	URL string `mapstructure:"url"`
}

// AdminConfig configures the local admin HTTP surface.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

const (
	defaultClearNodeURL        = "wss://clearnet-sandbox.yellow.com/ws"
	defaultLogLevel            = "info"
	defaultAppName             = "chanctl"
	defaultScope               = "console"
	defaultSessionDuration     = time.Hour
	defaultRequestTimeout      = 30 * time.Second
	defaultActivityLogSize     = 100
	defaultShutdownGracePeriod = 10 * time.Second
	defaultReconnectBase       = time.Second
	defaultReconnectAttempts   = 10
	defaultKeystorePath        = "data/keystore.json"
	defaultPassphraseEnv       = "CHANCTL_KEYSTORE_PASSPHRASE"
	defaultWalletKeyEnv        = "CHANCTL_WALLET_KEY"
	defaultChainID             = 137
	defaultFaucetURL           = "https://clearnet-sandbox.yellow.com/faucet/requestTokens"
	defaultAdminAddress        = "127.0.0.1:9464"
	defaultReadHeaderTimeout   = 5 * time.Second
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with CHANCTL_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHANCTL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("clearnode_url", defaultClearNodeURL)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("app_name", defaultAppName)
	v.SetDefault("scope", defaultScope)
	v.SetDefault("session_duration", defaultSessionDuration.String())
	v.SetDefault("request_timeout", defaultRequestTimeout.String())
	v.SetDefault("activity_log_size", defaultActivityLogSize)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("reconnect.base_delay", defaultReconnectBase.String())
	v.SetDefault("reconnect.max_attempts", defaultReconnectAttempts)
	v.SetDefault("keystore.path", defaultKeystorePath)
	v.SetDefault("keystore.passphrase_env", defaultPassphraseEnv)
	v.SetDefault("wallet.private_key_env", defaultWalletKeyEnv)
	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.chain_id", defaultChainID)
	v.SetDefault("chain.token", "")
	v.SetDefault("chain.custody", "")
	v.SetDefault("chain.adjudicator", "")
	v.SetDefault("faucet.url", defaultFaucetURL)
	v.SetDefault("admin.address", defaultAdminAddress)
	v.SetDefault("admin.read_header_timeout", defaultReadHeaderTimeout.String())

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
	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"session_duration", &cfg.SessionDuration, defaultSessionDuration},
		{"request_timeout", &cfg.RequestTimeout, defaultRequestTimeout},
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod, defaultShutdownGracePeriod},
		{"reconnect.base_delay", &cfg.Reconnect.BaseDelay, defaultReconnectBase},
		{"admin.read_header_timeout", &cfg.Admin.ReadHeaderTimeout, defaultReadHeaderTimeout},
	}
	for _, d := range durations {
		raw := strings.TrimSpace(v.GetString(d.key))
		if raw == "" {
			*d.dst = d.def
			continue
		}
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	if cfg.ClearNodeURL == "" {
		cfg.ClearNodeURL = defaultClearNodeURL
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.AppName == "" {
		cfg.AppName = defaultAppName
	}
	if cfg.ActivityLogSize <= 0 {
		cfg.ActivityLogSize = defaultActivityLogSize
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect.MaxAttempts = defaultReconnectAttempts
	}
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = defaultPassphraseEnv
	}
	if cfg.Keystore.Path == "" {
		cfg.Keystore.Path = defaultKeystorePath
	}
	if cfg.Wallet.PrivateKeyEnv == "" {
		cfg.Wallet.PrivateKeyEnv = defaultWalletKeyEnv
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

// WalletKey fetches the hex-encoded primary wallet key from the configured environment variable.
func (c Config) WalletKey() (string, error) {
	env := c.Wallet.PrivateKeyEnv
	if env == "" {
		env = defaultWalletKeyEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("wallet key env %s is empty", env)
	}
	return val, nil
}

// ChainEnabled reports whether on-chain settlement is configured.
func (c Config) ChainEnabled() bool {
	return strings.TrimSpace(c.Chain.RPCURL) != ""
}

// ValidateChain checks the settlement addresses needed by the on-chain client.
func (c Config) ValidateChain() error {
	if !c.ChainEnabled() {
		return errors.New("chain.rpc_url is not configured")
	}
	if c.Chain.ChainID == 0 {
		return errors.New("chain.chain_id is required")
	}
	for name, val := range map[string]string{
		"chain.token":       c.Chain.Token,
		"chain.custody":     c.Chain.Custody,
		"chain.adjudicator": c.Chain.Adjudicator,
	} {
		if strings.TrimSpace(val) == "" {
			return fmt.Errorf("%s is required when chain.rpc_url is set", name)
		}
	}
	return nil
}

// split out for testing.
var getenv = os.Getenv
