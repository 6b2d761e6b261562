// Package config loads the server configuration from an optional YAML file
// and DICTIONARY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the dictionary server configuration.
type Config struct {
	Backend    string           `mapstructure:"backend"`
	SeedFile   string           `mapstructure:"seed_file"`
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Dictionary DictionaryConfig `mapstructure:"dictionary"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	URL     string `mapstructure:"url"`
	Migrate bool   `mapstructure:"migrate"`
}

// DictionaryConfig tunes the dictionary service and its HTML view.
type DictionaryConfig struct {
	DefaultTable      string        `mapstructure:"default_table"`
	AdminRoles        []string      `mapstructure:"admin_roles"`
	RepositoryTimeout time.Duration `mapstructure:"repository_timeout"`
	WriteAttempts     int           `mapstructure:"write_attempts"`
	MaxPageSize       int           `mapstructure:"max_page_size"`
	JQueryURI         string        `mapstructure:"jquery_uri"`
	DataTablesURI     string        `mapstructure:"datatables_uri"`
}

type CacheConfig struct {
	// Backend is one of none, memory or redis.
	Backend   string        `mapstructure:"backend"`
	TTL       time.Duration `mapstructure:"ttl"`
	Prefix    string        `mapstructure:"prefix"`
	RedisAddr string        `mapstructure:"redis_addr"`
	RedisDB   int           `mapstructure:"redis_db"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type LoggingConfig struct {
	Level           string `mapstructure:"level"`
	ErrorSampleRate int    `mapstructure:"error_sample_rate"`
	OTELEnabled     bool   `mapstructure:"otel_enabled"`
	ServiceName     string `mapstructure:"service_name"`
}

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"

	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendMemory)
	v.SetDefault("seed_file", "")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate", false)

	v.SetDefault("dictionary.default_table", "DatawaveMetadata")
	v.SetDefault("dictionary.admin_roles", []string{"Administrator"})
	v.SetDefault("dictionary.repository_timeout", 10*time.Second)
	v.SetDefault("dictionary.write_attempts", 2)
	v.SetDefault("dictionary.max_page_size", 10000)
	v.SetDefault("dictionary.jquery_uri", "https://code.jquery.com/jquery-3.7.1.min.js")
	v.SetDefault("dictionary.datatables_uri", "https://cdn.datatables.net/1.13.8/js/jquery.dataTables.min.js")

	v.SetDefault("cache.backend", CacheMemory)
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.prefix", "dictionary:")
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_db", 0)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.error_sample_rate", 1)
	v.SetDefault("logging.otel_enabled", false)
	v.SetDefault("logging.service_name", "datadictionary")
}

// Load reads configuration from path, or from dictionary.yaml in the working
// directory when path is empty. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dictionary")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("DICTIONARY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unprefixed variables understood by the deployment tooling.
	_ = v.BindEnv("database.url", "DICTIONARY_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("server.port", "DICTIONARY_SERVER_PORT", "PORT")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail at startup.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("backend must be %q or %q, got %q", BackendMemory, BackendPostgres, c.Backend)
	}

	switch c.Cache.Backend {
	case CacheNone, CacheMemory:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			return errors.New("cache.redis_addr is required for the redis cache")
		}
	default:
		return fmt.Errorf("cache.backend must be one of none, memory or redis, got %q", c.Cache.Backend)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Dictionary.DefaultTable == "" {
		return errors.New("dictionary.default_table cannot be empty")
	}
	if c.Dictionary.WriteAttempts < 1 {
		return fmt.Errorf("dictionary.write_attempts must be at least 1, got %d", c.Dictionary.WriteAttempts)
	}
	if c.Dictionary.RepositoryTimeout <= 0 {
		return errors.New("dictionary.repository_timeout must be positive")
	}
	if c.Dictionary.MaxPageSize < 1 {
		return fmt.Errorf("dictionary.max_page_size must be at least 1, got %d", c.Dictionary.MaxPageSize)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	return nil
}
