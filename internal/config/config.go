// Package config loads and validates authbridge configuration.
//
// Configuration comes from an optional YAML file overlaid by AUTHBRIDGE_*
// environment variables. A Holder keeps the active Config and swaps it
// atomically on Reload.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the deployment type.
type Environment string

const (
	Dev   Environment = "dev"
	Stage Environment = "stage"
	QA    Environment = "qa"
	Prod  Environment = "prod"
)

// DefaultServiceTypes is used when no other source lists service types.
var DefaultServiceTypes = []string{"unknown", "reflection", "supertable", "mirage", "ai", "bi", "email_api"}

// Config is the complete runtime configuration.
type Config struct {
	Environment  Environment `yaml:"environment"`
	BuildVersion string      `yaml:"build_version"`

	AdminAPIKeys []string `yaml:"admin_api_keys"`
	MasterSecret string   `yaml:"master_secret"`

	Token TokenConfig `yaml:"token"`
	Keys  KeysConfig  `yaml:"keys"`
	Cache CacheConfig `yaml:"cache"`
	Rate  RateConfig  `yaml:"rate_limits"`

	ServiceTypes     []string `yaml:"service_types"`
	ServiceTypesFile string   `yaml:"service_types_file"`

	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`

	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// TokenConfig bounds issued token lifetimes.
type TokenConfig struct {
	TTL       time.Duration `yaml:"ttl"`
	MaxTTL    time.Duration `yaml:"max_ttl"`
	ClockSkew time.Duration `yaml:"clock_skew"`
}

// KeysConfig drives the key vault.
type KeysConfig struct {
	Algorithm     string        `yaml:"algorithm"`
	GraceWindow   time.Duration `yaml:"grace_window"`
	MaxRetired    int           `yaml:"max_retired"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
	MasterKeySalt string        `yaml:"master_key_salt"`
}

// CacheConfig drives the versioned cache tiers.
type CacheConfig struct {
	LocalTTL   time.Duration `yaml:"local_ttl"`
	SharedTTL  time.Duration `yaml:"shared_ttl"`
	LocalSize  int           `yaml:"local_size"`
	Attempts   int           `yaml:"read_attempts"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// RateConfig holds per-minute request budgets per API key.
type RateConfig struct {
	IssuePerMin  int `yaml:"issue_per_min"`
	VerifyPerMin int `yaml:"verify_per_min"`
	AdminPerMin  int `yaml:"admin_per_min"`
}

// PostgresConfig points at the entity store. Empty DSN selects the in-memory store.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig points at the shared cache tier. Empty Addr disables the shared tier.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Default returns a Config with every optional field populated.
func Default() Config {
	return Config{
		Environment:  Dev,
		BuildVersion: "dev",
		Token: TokenConfig{
			TTL:       10 * time.Minute,
			MaxTTL:    time.Hour,
			ClockSkew: 30 * time.Second,
		},
		Keys: KeysConfig{
			Algorithm:     "ES256",
			GraceWindow:   24 * time.Hour,
			MaxRetired:    5,
			PurgeInterval: 10 * time.Minute,
			MasterKeySalt: "authbridge/keyvault/v1",
		},
		Cache: CacheConfig{
			LocalTTL:   5 * time.Second,
			SharedTTL:  30 * time.Second,
			LocalSize:  10000,
			Attempts:   3,
			RetryDelay: 50 * time.Millisecond,
		},
		Rate: RateConfig{
			IssuePerMin:  600,
			VerifyPerMin: 1200,
			AdminPerMin:  30,
		},
		ListenAddr:  ":8443",
		MetricsAddr: ":9090",
	}
}

// RetirementWindow is how long a rotated-out key stays valid for verification:
// the larger of the grace window and the longest token lifetime that may be issued.
func (c Config) RetirementWindow() time.Duration {
	return max(c.Keys.GraceWindow, c.Token.MaxTTL, c.Token.TTL)
}

// Load reads path (optional) and applies the environment overlay and validation.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	types, err := loadServiceTypes(cfg, os.LookupEnv)
	if err != nil {
		return Config{}, err
	}
	cfg.ServiceTypes = types
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants that the rest of the system relies on.
func (c Config) Validate() error {
	var problems []error
	if !slices.Contains([]Environment{Dev, Stage, QA, Prod}, c.Environment) {
		problems = append(problems, fmt.Errorf("environment must be one of dev|stage|qa|prod, got %q", c.Environment))
	}
	if len(c.MasterSecret) < 32 {
		problems = append(problems, errors.New("master_secret must be at least 32 characters"))
	}
	for i, k := range c.AdminAPIKeys {
		if len(k) < 16 {
			problems = append(problems, fmt.Errorf("admin_api_keys[%d] is shorter than 16 characters", i))
		}
	}
	if c.Token.TTL <= 0 || c.Token.MaxTTL < c.Token.TTL {
		problems = append(problems, errors.New("token ttl must be positive and not exceed max_ttl"))
	}
	if c.Token.ClockSkew < 0 {
		problems = append(problems, errors.New("token clock_skew must not be negative"))
	}
	if c.Keys.Algorithm != "ES256" && c.Keys.Algorithm != "RS256" {
		problems = append(problems, fmt.Errorf("keys algorithm must be ES256 or RS256, got %q", c.Keys.Algorithm))
	}
	if c.Keys.MaxRetired < 1 {
		problems = append(problems, errors.New("keys max_retired must be at least 1"))
	}
	if c.Cache.LocalTTL <= 0 || c.Cache.SharedTTL <= 0 {
		problems = append(problems, errors.New("cache ttls must be positive"))
	}
	if c.Cache.Attempts < 1 {
		problems = append(problems, errors.New("cache read_attempts must be at least 1"))
	}
	if len(c.ServiceTypes) == 0 {
		problems = append(problems, errors.New("service_types must not be empty"))
	}
	return errors.Join(problems...)
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	if v, ok := lookup("AUTHBRIDGE_ENVIRONMENT"); ok {
		cfg.Environment = Environment(strings.TrimSpace(v))
	}
	if v, ok := lookup("AUTHBRIDGE_BUILD_VERSION"); ok {
		cfg.BuildVersion = v
	}
	if v, ok := lookup("AUTHBRIDGE_CRYPT_KEY"); ok {
		cfg.MasterSecret = v
	}
	if v, ok := lookup("AUTHBRIDGE_API_KEYS"); ok {
		keys, err := parseAPIKeys(v)
		if err != nil {
			return err
		}
		cfg.AdminAPIKeys = keys
	}
	if v, ok := lookup("ACCESS_TOKEN_EXPIRATION_MIN"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("ACCESS_TOKEN_EXPIRATION_MIN must be a positive integer, got %q", v)
		}
		cfg.Token.TTL = time.Duration(n) * time.Minute
	}
	if v, ok := lookup("AUTHBRIDGE_DATABASE_DSN"); ok {
		cfg.Postgres.DSN = v
	}
	if v, ok := lookup("REDIS_HOST"); ok {
		port := "6379"
		if p, ok := lookup("REDIS_PORT"); ok {
			port = p
		}
		cfg.Redis.Addr = v + ":" + port
	}
	if v, ok := lookup("REDIS_PASSWORD"); ok {
		cfg.Redis.Password = v
	}
	if v, ok := lookup("REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB must be an integer, got %q", v)
		}
		cfg.Redis.DB = n
	}
	return nil
}

// parseAPIKeys accepts a JSON list of strings, e.g. ["hex1","hex2"].
func parseAPIKeys(v string) ([]string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	var keys []string
	if err := json.Unmarshal([]byte(v), &keys); err != nil {
		return nil, errors.New(`AUTHBRIDGE_API_KEYS must be a JSON list of strings, e.g. ["hex1","hex2"]`)
	}
	return keys, nil
}

// loadServiceTypes resolves the allowed service types: env, then YAML list,
// then JSON file, then DefaultServiceTypes.
func loadServiceTypes(cfg Config, lookup lookupFunc) ([]string, error) {
	if v, ok := lookup("AUTHBRIDGE_SERVICE_TYPES"); ok && strings.TrimSpace(v) != "" {
		return normalizeTypes(strings.Split(v, ",")), nil
	}
	if len(cfg.ServiceTypes) > 0 {
		return normalizeTypes(cfg.ServiceTypes), nil
	}
	if cfg.ServiceTypesFile != "" {
		data, err := os.ReadFile(filepath.Clean(cfg.ServiceTypesFile))
		if err != nil {
			return nil, fmt.Errorf("read service types file: %w", err)
		}
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("parse service types file: %w", err)
		}
		if types := normalizeTypes(list); len(types) > 0 {
			return types, nil
		}
	}
	return slices.Clone(DefaultServiceTypes), nil
}

func normalizeTypes(in []string) []string {
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}
