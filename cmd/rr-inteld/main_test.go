package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-intel/internal/intel/common/log"
	"github.com/haukened/rr-intel/internal/intel/config"
)

// fakeAuthority serves both the cloud cache and the oracle. The cache has no
// artifacts; the oracle records every queried domain and finds nothing.
type fakeAuthority struct {
	mu      sync.Mutex
	queried map[string]bool
}

func (f *fakeAuthority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/intel/check" {
		http.NotFound(w, r)
		return
	}
	var req struct {
		Domains []string `json:"domains"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	for _, d := range req.Domains {
		f.queried[d] = true
	}
	f.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeAuthority) seen(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queried[name]
}

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := c.LocalAddr().String()
	require.NoError(t, c.Close())
	return addr
}

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestApplication_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	mr := miniredis.RunT(t)
	authority := &fakeAuthority{queried: map[string]bool{}}
	ts := httptest.NewServer(authority)
	defer ts.Close()

	dir := t.TempDir()
	listenAddr := freeUDPAddr(t)
	adminAddr := freeTCPAddr(t)
	t.Setenv("INTEL_ENV", "dev")
	t.Setenv("INTEL_LOG_LEVEL", "debug")
	t.Setenv("INTEL_REDIS_URL", "redis://"+mr.Addr()+"/0")
	t.Setenv("INTEL_STORE_BACKEND", "bolt")
	t.Setenv("INTEL_BOLT_PATH", filepath.Join(dir, "intel.db"))
	t.Setenv("INTEL_CACHE_DIR", filepath.Join(dir, "cache"))
	t.Setenv("INTEL_BLOOM_DIR", filepath.Join(dir, "intelproxy"))
	t.Setenv("INTEL_FORWARDER_CONFIG", filepath.Join(dir, "intelproxy", "config.yaml"))
	t.Setenv("INTEL_CLOUD_URL", ts.URL)
	t.Setenv("INTEL_ORACLE_URL", ts.URL)
	t.Setenv("INTEL_LISTEN_ADDR", listenAddr)
	t.Setenv("INTEL_ADMIN_ADDR", adminAddr)

	cfg, err := config.Load()
	require.NoError(t, err)
	app, err := buildApplication(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	appErr := make(chan error, 1)
	go func() { appErr <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + adminAddr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond, "admin endpoint never came up")

	// the forwarder config is written once fast intel is enabled
	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "intelproxy", "config.yaml"))
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	// a mirrored raw query reaches the oracle
	conn, err := net.Dial("udp", listenAddr)
	require.NoError(t, err)
	defer conn.Close()
	msg := new(dns.Msg)
	msg.SetQuestion("listener.example.com.", dns.TypeA)
	packed, err := msg.Pack()
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, _ = conn.Write(packed)
		return authority.seen("listener.example.com")
	}, 3*time.Second, 50*time.Millisecond)

	// so does an event published on the event channel
	assert.Eventually(t, func() bool {
		mr.Publish(cfg.EventChannel, `{"domain":"bus.example.com","ip4":"10.0.0.2","bf_path":"`+filepath.Join(dir, "intelproxy", "strict.bf.data")+`"}`)
		return authority.seen("bus.example.com")
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-appErr:
		assert.NoError(t, err)
	case <-time.After(defaultShutdownTimeout + time.Second):
		t.Fatal("application did not shut down")
	}
}

func TestBuildApplication_Errors(t *testing.T) {
	cfg := config.DEFAULT_APP_CONFIG
	cfg.RedisURL = "not a url"
	_, err := buildApplication(&cfg)
	assert.Error(t, err)

	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	cfg = config.DEFAULT_APP_CONFIG
	cfg.StoreBackend = "bolt"
	cfg.BoltPath = filepath.Join(blocker, "intel.db")
	_, err = buildApplication(&cfg)
	assert.Error(t, err)

	cfg = config.DEFAULT_APP_CONFIG
	cfg.BloomFilters = []string{"a:1:0.1", "a:2:0.1"}
	_, err = buildApplication(&cfg)
	assert.Error(t, err)
}

func TestTrustedDomains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted.txt")
	require.NoError(t, os.WriteFile(path, []byte("# corp\n0.0.0.0 intranet.example\n*.cdn.example.net\n"), 0o600))

	cfg := &config.AppConfig{TrustedDomains: []string{"example.org"}, TrustedFile: path}
	assert.Equal(t, []string{"example.org", "intranet.example", "cdn.example.net"}, trustedDomains(cfg, log.NewNoopLogger()))

	cfg.TrustedFile = filepath.Join(t.TempDir(), "missing.txt")
	assert.Equal(t, []string{"example.org"}, trustedDomains(cfg, log.NewNoopLogger()))
}
