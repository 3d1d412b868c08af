package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "/var/lib/rr-intel/cache", cfg.CacheDir)
	assert.Equal(t, 30, cfg.ExpirationDays)
	assert.Equal(t, 30*time.Minute, cfg.RefreshInterval)
	assert.Equal(t, 10*time.Second, cfg.CloudTimeout)
	assert.Equal(t, 5*time.Second, cfg.OracleTimeout)
	assert.Equal(t, "redis", cfg.StoreBackend)
	assert.Equal(t, 300, cfg.DedupSize)
	assert.Equal(t, 15*time.Second, cfg.DedupWindow)
	assert.Equal(t, 48*time.Hour, cfg.IntelTTL)
	assert.Equal(t, []string{"strict:1000000:0.0001"}, cfg.BloomFilters)
	assert.Equal(t, "fastdns:allow_list", cfg.AllowKey)
	assert.Equal(t, "fastdns:block_list", cfg.BlockKey)
	assert.Equal(t, "127.0.0.1:9963", cfg.ListenAddr)
	assert.True(t, cfg.FeatureEnabled)
	assert.Empty(t, cfg.TrustedDomains)
	assert.Equal(t, []string{"mmdb:ipv4", "mmdb:ipv6"}, cfg.GeoKeys)
}

func TestLoad_ValidOverrides(t *testing.T) {
	t.Setenv("INTEL_ENV", "dev")
	t.Setenv("INTEL_LOG_LEVEL", "debug")
	t.Setenv("INTEL_CACHE_DIR", "/tmp/cache")
	t.Setenv("INTEL_EXPIRATION_DAYS", "7")
	t.Setenv("INTEL_REFRESH_INTERVAL", "5m")
	t.Setenv("INTEL_STORE_BACKEND", "bolt")
	t.Setenv("INTEL_BOLT_PATH", "/tmp/intel.db")
	t.Setenv("INTEL_DEDUP_WINDOW", "30s")
	t.Setenv("INTEL_BLOOM_FILTERS", "strict:1000:0.01,loose:500:0.1")
	t.Setenv("INTEL_TRUSTED_DOMAINS", "corp.example.com intranet.example.org")
	t.Setenv("INTEL_FEATURE_ENABLED", "false")
	t.Setenv("INTEL_LISTEN_ADDR", "127.0.0.1:10053")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/cache", cfg.CacheDir)
	assert.Equal(t, 7, cfg.ExpirationDays)
	assert.Equal(t, 5*time.Minute, cfg.RefreshInterval)
	assert.Equal(t, "bolt", cfg.StoreBackend)
	assert.Equal(t, "/tmp/intel.db", cfg.BoltPath)
	assert.Equal(t, 30*time.Second, cfg.DedupWindow)
	assert.Equal(t, []string{"strict:1000:0.01", "loose:500:0.1"}, cfg.BloomFilters)
	assert.Equal(t, []string{"corp.example.com", "intranet.example.org"}, cfg.TrustedDomains)
	assert.False(t, cfg.FeatureEnabled)
	assert.Equal(t, "127.0.0.1:10053", cfg.ListenAddr)

	entries, err := cfg.BloomEntries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "loose", entries[1].Prefix)
	assert.Equal(t, uint64(500), entries[1].Count)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intel.env")
	require.NoError(t, os.WriteFile(path, []byte("INTEL_DEDUP_SIZE=42\nINTEL_LOG_LEVEL=warn\n"), 0o600))
	t.Setenv("INTEL_ENV_FILE", path)
	// explicitly set variables win over the file
	t.Setenv("INTEL_LOG_LEVEL", "error")
	t.Cleanup(func() { os.Unsetenv("INTEL_DEDUP_SIZE") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.DedupSize)
	assert.Equal(t, "error", cfg.LogLevel)
}

func TestLoad_EnvFileMissing(t *testing.T) {
	t.Setenv("INTEL_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "env file")
}

func TestLoad_ConfigFile(t *testing.T) {
	files := map[string]string{
		"intel.yaml": "dedup_size: 64\nrefresh_interval: 10m\nbloom_filters:\n  - strict:100:0.01\n  - loose:50:0.1\n",
		"intel.json": `{"dedup_size": 64, "refresh_interval": "10m", "bloom_filters": ["strict:100:0.01", "loose:50:0.1"]}`,
		"intel.toml": "dedup_size = 64\nrefresh_interval = \"10m\"\nbloom_filters = [\"strict:100:0.01\", \"loose:50:0.1\"]\n",
	}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			t.Setenv("INTEL_CONFIG_FILE", path)

			cfg, err := Load()
			require.NoError(t, err)
			assert.Equal(t, 64, cfg.DedupSize)
			assert.Equal(t, 10*time.Minute, cfg.RefreshInterval)
			assert.Equal(t, []string{"strict:100:0.01", "loose:50:0.1"}, cfg.BloomFilters)
		})
	}
}

func TestLoad_ConfigFileEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intel.yml")
	require.NoError(t, os.WriteFile(path, []byte("dedup_size: 64\ntrusted_file: /etc/rr-intel/trusted.txt\n"), 0o600))
	t.Setenv("INTEL_CONFIG_FILE", path)
	t.Setenv("INTEL_DEDUP_SIZE", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.DedupSize)
	assert.Equal(t, "/etc/rr-intel/trusted.txt", cfg.TrustedFile)
}

func TestLoad_ConfigFileErrors(t *testing.T) {
	dir := t.TempDir()
	ini := filepath.Join(dir, "intel.ini")
	require.NoError(t, os.WriteFile(ini, []byte("x=1"), 0o600))
	t.Setenv("INTEL_CONFIG_FILE", ini)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file")

	t.Setenv("INTEL_CONFIG_FILE", filepath.Join(dir, "missing.yaml"))
	_, err = Load()
	require.Error(t, err)

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte("{"), 0o600))
	t.Setenv("INTEL_CONFIG_FILE", broken)
	_, err = Load()
	require.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"env", "INTEL_ENV", "staging"},
		{"log level", "INTEL_LOG_LEVEL", "trace"},
		{"backend", "INTEL_STORE_BACKEND", "memcached"},
		{"redis url", "INTEL_REDIS_URL", "http://localhost:6379"},
		{"cloud url", "INTEL_CLOUD_URL", "not a url"},
		{"listen addr", "INTEL_LISTEN_ADDR", "localhost:9963"},
		{"bloom spec", "INTEL_BLOOM_FILTERS", "strict:0:0.1"},
		{"dedup size", "INTEL_DEDUP_SIZE", "0"},
		{"dedup window", "INTEL_DEDUP_WINDOW", "soon"},
		{"refresh interval", "INTEL_REFRESH_INTERVAL", "10ms"},
		{"same list keys", "INTEL_BLOCK_KEY", "fastdns:allow_list"},
		{"trusted domain", "INTEL_TRUSTED_DOMAINS", "not_a_domain"},
		{"empty cache dir", "INTEL_CACHE_DIR", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_WhenKoanfDefaultLoadFails(t *testing.T) {
	orig := defaultLoader
	defaultLoader = func(k *koanf.Koanf) error { return errors.New("mocked error") }
	defer func() { defaultLoader = orig }()

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mocked error")
}

func TestLoad_WhenKoanfEnvLoadFails(t *testing.T) {
	orig := envLoader
	envLoader = func(k *koanf.Koanf) error { return errors.New("mocked error") }
	defer func() { envLoader = orig }()

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mocked error")
}

func TestLoad_WhenDotenvLoadFails(t *testing.T) {
	orig := dotenvLoader
	dotenvLoader = func() error { return errors.New("mocked dotenv error") }
	defer func() { dotenvLoader = orig }()

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mocked dotenv error")
}

func TestLoad_RegisterValidationFails(t *testing.T) {
	orig := registerValidation
	registerValidation = func(v *validator.Validate) error { return errors.New("mocked validation error") }
	defer func() { registerValidation = orig }()

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mocked validation error")
}

func TestValidIPPort(t *testing.T) {
	cases := []struct {
		input    string
		expected bool
	}{
		{"1.2.3.4:53", true},
		{"127.0.0.1:9963", true},
		{"::1:53", false},
		{"[::1]:53", true},
		{"192.168.1.1:", false},
		{":53", false},
		{"not_an_ip:53", false},
		{"1.2.3.4:notaport", false},
		{"1.2.3.4:0", false},
		{"", false},
		{"1.2.3.4", false},
	}

	validate := validator.New()
	require.NoError(t, validate.RegisterValidation("ip_port", validIPPort))

	type S struct {
		Addr string `validate:"ip_port"`
	}
	for _, tc := range cases {
		err := validate.Struct(S{Addr: tc.input})
		assert.Equal(t, tc.expected, err == nil, tc.input)
	}
}

func TestValidRedisURL(t *testing.T) {
	validate := validator.New()
	require.NoError(t, validate.RegisterValidation("redis_url", validRedisURL))

	type S struct {
		URL string `validate:"redis_url"`
	}
	assert.NoError(t, validate.Struct(S{URL: "redis://127.0.0.1:6379/0"}))
	assert.NoError(t, validate.Struct(S{URL: "rediss://user:pw@cache:6380"}))
	assert.Error(t, validate.Struct(S{URL: "redis://"}))
	assert.Error(t, validate.Struct(S{URL: "tcp://127.0.0.1:6379"}))
}

func TestBloomEntries_Duplicate(t *testing.T) {
	cfg := DEFAULT_APP_CONFIG
	cfg.BloomFilters = []string{"strict:10:0.1", "strict:20:0.1"}
	_, err := cfg.BloomEntries()
	assert.Error(t, err)
}

func TestDefaultLoader_InvalidDefault_ValidationFails(t *testing.T) {
	orig := DEFAULT_APP_CONFIG
	defer func() { DEFAULT_APP_CONFIG = orig }()

	DEFAULT_APP_CONFIG.ListenAddr = "not_a_valid_ip_port"

	_, err := Load()
	assert.Error(t, err)
}
