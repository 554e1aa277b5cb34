package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "DUFFELBAG"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabaseDriver      = "sqlite"
	defaultDatabasePath        = "duffelbag.db"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultTokenIssuer         = "duffelbag-auth"
	defaultTokenAudience       = "duffelbag-api"
	defaultTokenTTLMinutes     = 60
	defaultGracePeriod         = 24 * time.Hour
	defaultVerificationTimeout = 300 * time.Second
	defaultNoticeLocale        = "en-GB"
	defaultArgon2MemoryKiB     = 64 * 1024
	defaultArgon2Iterations    = 3
	defaultArgon2Parallelism   = 4
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress         string
	AllowedOrigins      []string
	DatabaseDriver      string
	DatabasePath        string
	DatabaseDSN         string
	LogLevel            string
	LogFormat           string
	SigningSecret       string
	TokenIssuer         string
	TokenAudience       string
	TokenTTL            time.Duration
	GracePeriod         time.Duration
	VerificationTimeout time.Duration
	PassportServers     []string
	PassportBaseURL     string
	PassportGameBaseURL string
	DiscordBotToken     string
	TelegramBotToken    string
	NoticeLocale        string
	Argon2MemoryKiB     uint32
	Argon2Iterations    uint32
	Argon2Parallelism   uint8
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("token.issuer", defaultTokenIssuer)
	configViper.SetDefault("token.audience", defaultTokenAudience)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("deletion.grace_period", defaultGracePeriod)
	configViper.SetDefault("verification.timeout", defaultVerificationTimeout)
	configViper.SetDefault("passport.servers", []string{"en", "jp", "kr"})
	configViper.SetDefault("notify.locale", defaultNoticeLocale)
	configViper.SetDefault("argon2.memory_kib", defaultArgon2MemoryKiB)
	configViper.SetDefault("argon2.iterations", defaultArgon2Iterations)
	configViper.SetDefault("argon2.parallelism", defaultArgon2Parallelism)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		AllowedOrigins:      configViper.GetStringSlice("http.allowed_origins"),
		DatabaseDriver:      strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:        configViper.GetString("database.path"),
		DatabaseDSN:         configViper.GetString("database.dsn"),
		LogLevel:            configViper.GetString("log.level"),
		LogFormat:           configViper.GetString("log.format"),
		SigningSecret:       configViper.GetString("auth.signing_secret"),
		TokenIssuer:         configViper.GetString("token.issuer"),
		TokenAudience:       configViper.GetString("token.audience"),
		TokenTTL:            time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		GracePeriod:         configViper.GetDuration("deletion.grace_period"),
		VerificationTimeout: configViper.GetDuration("verification.timeout"),
		PassportServers:     configViper.GetStringSlice("passport.servers"),
		PassportBaseURL:     configViper.GetString("passport.base_url"),
		PassportGameBaseURL: configViper.GetString("passport.game_base_url"),
		DiscordBotToken:     configViper.GetString("discord.bot_token"),
		TelegramBotToken:    configViper.GetString("telegram.bot_token"),
		NoticeLocale:        configViper.GetString("notify.locale"),
		Argon2MemoryKiB:     configViper.GetUint32("argon2.memory_kib"),
		Argon2Iterations:    configViper.GetUint32("argon2.iterations"),
		Argon2Parallelism:   uint8(configViper.GetUint("argon2.parallelism")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("deletion.grace_period must be positive")
	}
	if c.VerificationTimeout <= 0 {
		return fmt.Errorf("verification.timeout must be positive")
	}
	if c.Argon2Parallelism == 0 || c.Argon2Iterations == 0 || c.Argon2MemoryKiB == 0 {
		return fmt.Errorf("argon2 parameters must be positive")
	}
	return nil
}
