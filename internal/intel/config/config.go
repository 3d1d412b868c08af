package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/haukened/rr-intel/internal/intel/domain"
)

// envPrefix is stripped from every environment variable the service reads.
const envPrefix = "INTEL_"

// envFileVar names an optional dotenv file loaded before the environment.
const envFileVar = "INTEL_ENV_FILE"

// configFileVar names an optional YAML, JSON or TOML file layered between
// the defaults and the environment.
const configFileVar = "INTEL_CONFIG_FILE"

// AppConfig holds configuration values parsed from environment variables.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// LogLevel controls log verbosity: "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	// CacheDir holds the cloud cache content files and their metadata sidecars.
	CacheDir string `koanf:"cache_dir" validate:"required"`

	// ExpirationDays is how old cached content may get before it is purged. 0 disables expiry.
	ExpirationDays int `koanf:"expiration_days" validate:"gte=0"`

	RefreshInterval time.Duration `koanf:"refresh_interval" validate:"gte=1s"`

	CloudURL     string        `koanf:"cloud_url" validate:"required,url"`
	CloudTimeout time.Duration `koanf:"cloud_timeout" validate:"gt=0"`

	OracleURL     string        `koanf:"oracle_url" validate:"required,url"`
	OracleTimeout time.Duration `koanf:"oracle_timeout" validate:"gt=0"`

	// StoreBackend selects where reputation records and lists live.
	StoreBackend string `koanf:"store_backend" validate:"required,oneof=redis bolt"`
	RedisURL     string `koanf:"redis_url" validate:"required,redis_url"`
	BoltPath     string `koanf:"bolt_path" validate:"required_if=StoreBackend bolt"`

	RefreshChannel string `koanf:"refresh_channel" validate:"required"`
	EventChannel   string `koanf:"event_channel" validate:"required"`

	DedupSize   int           `koanf:"dedup_size" validate:"gte=1"`
	DedupWindow time.Duration `koanf:"dedup_window" validate:"gt=0"`

	// IntelTTL is the lifetime of verdicts the oracle did not give an expiry for.
	IntelTTL time.Duration `koanf:"intel_ttl" validate:"gt=0"`

	// BloomFilters lists filter variants as prefix:count:errorRate.
	BloomFilters    []string `koanf:"bloom_filters" validate:"required,dive,bloom_spec"`
	BloomDir        string   `koanf:"bloom_dir" validate:"required"`
	ForwarderConfig string   `koanf:"forwarder_config" validate:"required"`

	AllowKey string `koanf:"allow_key" validate:"required"`
	BlockKey string `koanf:"block_key" validate:"required,nefield=AllowKey"`

	ListenAddr string `koanf:"listen_addr" validate:"required,ip_port"`
	AdminAddr  string `koanf:"admin_addr" validate:"omitempty,ip_port"`

	FeatureEnabled bool     `koanf:"feature_enabled"`
	TrustedDomains []string `koanf:"trusted_domains" validate:"dive,fqdn"`
	// TrustedFile optionally names a trust list in plain or hosts format.
	TrustedFile string `koanf:"trusted_file"`
	GeoKeys        []string `koanf:"geo_keys"`
}

// DEFAULT_APP_CONFIG defines the default application configuration settings for the intel service.
var DEFAULT_APP_CONFIG = AppConfig{
	Env:             "prod",
	LogLevel:        "info",
	CacheDir:        "/var/lib/rr-intel/cache",
	ExpirationDays:  30,
	RefreshInterval: 30 * time.Minute,
	CloudURL:        "https://intel.rr-dns.local",
	CloudTimeout:    10 * time.Second,
	OracleURL:       "https://intel.rr-dns.local",
	OracleTimeout:   5 * time.Second,
	StoreBackend:    "redis",
	RedisURL:        "redis://127.0.0.1:6379/0",
	BoltPath:        "/var/lib/rr-intel/intel.db",
	RefreshChannel:  "cloudcache:refresh",
	EventChannel:    "intel:dns:match",
	DedupSize:       300,
	DedupWindow:     15 * time.Second,
	IntelTTL:        48 * time.Hour,
	BloomFilters:    []string{"strict:1000000:0.0001"},
	BloomDir:        "/var/lib/rr-intel/intelproxy",
	ForwarderConfig: "/var/lib/rr-intel/intelproxy/config.yaml",
	AllowKey:        "fastdns:allow_list",
	BlockKey:        "fastdns:block_list",
	ListenAddr:      "127.0.0.1:9963",
	AdminAddr:       "127.0.0.1:9964",
	FeatureEnabled:  true,
	TrustedDomains:  []string{},
	GeoKeys:         []string{"mmdb:ipv4", "mmdb:ipv6"},
}

// BloomEntries parses BloomFilters. Sizing is left to the caller.
func (c *AppConfig) BloomEntries() ([]domain.BloomEntry, error) {
	out := make([]domain.BloomEntry, 0, len(c.BloomFilters))
	seen := make(map[string]struct{}, len(c.BloomFilters))
	for _, spec := range c.BloomFilters {
		e, err := domain.ParseBloomSpec(spec)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[e.Prefix]; dup {
			return nil, fmt.Errorf("duplicate bloom prefix %q", e.Prefix)
		}
		seen[e.Prefix] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}

// validIPPort validates whether the provided field value is a valid IP address and port combination.
func validIPPort(fl validator.FieldLevel) bool {
	ip, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil || ip == "" || port == "" {
		return false
	}
	if net.ParseIP(ip) == nil {
		return false
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	return err == nil && portNum > 0
}

// validBloomSpec validates a prefix:count:errorRate triple.
func validBloomSpec(fl validator.FieldLevel) bool {
	_, err := domain.ParseBloomSpec(fl.Field().String())
	return err == nil
}

// validRedisURL accepts redis:// and rediss:// URLs with a host.
func validRedisURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil {
		return false
	}
	return (u.Scheme == "redis" || u.Scheme == "rediss") && u.Host != ""
}

// dotenvLoader loads the file named by INTEL_ENV_FILE into the process
// environment. Variables already set win over the file.
var dotenvLoader = func() error {
	path := strings.TrimSpace(os.Getenv(envFileVar))
	if path == "" {
		return nil
	}
	return godotenv.Load(path)
}

// fileLoader loads the file named by INTEL_CONFIG_FILE, choosing the parser
// by extension.
var fileLoader = func(k *koanf.Koanf) error {
	path := strings.TrimSpace(os.Getenv(configFileVar))
	if path == "" {
		return nil
	}
	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		return fmt.Errorf("unsupported config file extension %q", ext)
	}
	return k.Load(file.Provider(path), parser)
}

// envLoader is a function that loads environment variables with the prefix "INTEL_".
// It transforms the keys to lowercase and removes the prefix,
// and can be mocked in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			value = strings.TrimSpace(value)

			if value == "" {
				return key, value
			}

			if strings.Contains(value, " ") || strings.Contains(value, ",") {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return key, parts
			}

			return key, value
		},
	}), nil)
}

// defaultLoader loads default configuration values into the provided Koanf instance.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// registerValidation registers the custom validation tags used by AppConfig.
var registerValidation = func(v *validator.Validate) error {
	if err := v.RegisterValidation("ip_port", validIPPort); err != nil {
		return err
	}
	if err := v.RegisterValidation("bloom_spec", validBloomSpec); err != nil {
		return err
	}
	return v.RegisterValidation("redis_url", validRedisURL)
}

// Load parses environment variables and returns an AppConfig instance.
// It applies default values and runs validation automatically.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	if err := dotenvLoader(); err != nil {
		return nil, fmt.Errorf("error loading env file: %w", err)
	}

	if err := fileLoader(k); err != nil {
		return nil, fmt.Errorf("error loading config file: %w", err)
	}

	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidation(validate); err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}
