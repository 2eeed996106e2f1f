package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix         = "LIVESTORE"
	defaultConfigName = "livestore.yaml"
)

type Config struct {
	Port           string        `mapstructure:"port" yaml:"port"`
	Environment    string        `mapstructure:"environment" yaml:"environment"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	JWTSecret      string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	LogLevel       string        `mapstructure:"log_level" yaml:"log_level"`
	RequestTTL     time.Duration `mapstructure:"request_ttl" yaml:"request_ttl"`
	Redis          RedisConfig   `mapstructure:"redis" yaml:"redis"`
	Client         ClientConfig  `mapstructure:"client" yaml:"client"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// ClientConfig configures a headless Live Store participant.
type ClientConfig struct {
	ServerURL   string        `mapstructure:"server_url" yaml:"server_url"`
	Email       string        `mapstructure:"email" yaml:"email"`
	Name        string        `mapstructure:"name" yaml:"name"`
	IsAgent     bool          `mapstructure:"is_agent" yaml:"is_agent"`
	AcceptDelay time.Duration `mapstructure:"accept_delay" yaml:"accept_delay"`
	RevertDelay time.Duration `mapstructure:"revert_delay" yaml:"revert_delay"`

	ICEServers             []string      `mapstructure:"ice_servers" yaml:"ice_servers"`
	ICEDisconnectedTimeout time.Duration `mapstructure:"ice_disconnected_timeout" yaml:"ice_disconnected_timeout"`
	ICEFailedTimeout       time.Duration `mapstructure:"ice_failed_timeout" yaml:"ice_failed_timeout"`
	ICEKeepaliveInterval   time.Duration `mapstructure:"ice_keepalive_interval" yaml:"ice_keepalive_interval"`
	IncludeLoopback        bool          `mapstructure:"include_loopback" yaml:"include_loopback"`
	RequireSecureContext   bool          `mapstructure:"require_secure_context" yaml:"require_secure_context"`
}

// Default returns the configuration used when nothing else is provided.
func Default() Config {
	return Config{
		Port:           "8080",
		Environment:    "development",
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		JWTSecret:      "change-me-in-production",
		LogLevel:       "info",
		RequestTTL:     30 * time.Second,
		Redis: RedisConfig{
			Enabled: true,
			Host:    "localhost",
			Port:    "6379",
		},
		Client: ClientConfig{
			ServerURL:              "http://localhost:8080",
			AcceptDelay:            1500 * time.Millisecond,
			RevertDelay:            3 * time.Second,
			ICEServers:             []string{"stun:stun.l.google.com:19302"},
			ICEDisconnectedTimeout: 30 * time.Second,
			ICEFailedTimeout:       120 * time.Second,
			ICEKeepaliveInterval:   2 * time.Second,
			RequireSecureContext:   true,
		},
	}
}

// Load resolves configuration.
// Precedence: defaults < config file < .env < environment (LIVESTORE_*).
func Load(path string) (Config, error) {
	cfg := Default()

	// .env only fills variables that are not already set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := resolvePath(path)
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.AllowedOrigins = splitList(cfg.AllowedOrigins)
	cfg.Client.ICEServers = splitList(cfg.Client.ICEServers)

	return cfg, nil
}

// WriteDefault writes the default configuration as YAML to path.
func WriteDefault(path string) error {
	path = resolvePath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Addr is host:port for the Redis client.
func (c RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("port", cfg.Port)
	v.SetDefault("environment", cfg.Environment)
	v.SetDefault("allowed_origins", cfg.AllowedOrigins)
	v.SetDefault("jwt_secret", cfg.JWTSecret)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("request_ttl", cfg.RequestTTL)

	v.SetDefault("redis.enabled", cfg.Redis.Enabled)
	v.SetDefault("redis.host", cfg.Redis.Host)
	v.SetDefault("redis.port", cfg.Redis.Port)
	v.SetDefault("redis.password", cfg.Redis.Password)
	v.SetDefault("redis.db", cfg.Redis.DB)

	v.SetDefault("client.server_url", cfg.Client.ServerURL)
	v.SetDefault("client.email", cfg.Client.Email)
	v.SetDefault("client.name", cfg.Client.Name)
	v.SetDefault("client.is_agent", cfg.Client.IsAgent)
	v.SetDefault("client.accept_delay", cfg.Client.AcceptDelay)
	v.SetDefault("client.revert_delay", cfg.Client.RevertDelay)
	v.SetDefault("client.ice_servers", cfg.Client.ICEServers)
	v.SetDefault("client.ice_disconnected_timeout", cfg.Client.ICEDisconnectedTimeout)
	v.SetDefault("client.ice_failed_timeout", cfg.Client.ICEFailedTimeout)
	v.SetDefault("client.ice_keepalive_interval", cfg.Client.ICEKeepaliveInterval)
	v.SetDefault("client.include_loopback", cfg.Client.IncludeLoopback)
	v.SetDefault("client.require_secure_context", cfg.Client.RequireSecureContext)
}

func resolvePath(path string) string {
	if path != "" {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(cwd, defaultConfigName)
}

// splitList flattens comma-separated entries coming from env vars.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
