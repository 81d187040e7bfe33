package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/GetStream/realtime-fanout/ratelimit"
)

const secret = "0123456789abcdef0123"

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fanout.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("FANOUT_AUTH_SECRET", secret)
	t.Setenv("FANOUT_POSTGRES_DSN", "postgres://localhost/fanout")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("Got http.addr %q, want :8080", cfg.HTTP.Addr)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Got redis.addr %q", cfg.Redis.Addr)
	}
	if cfg.Store.Timeout != 250*time.Millisecond {
		t.Errorf("Got store.timeout %s, want 250ms", cfg.Store.Timeout)
	}
	if cfg.Gateway.SendBuffer != 64 {
		t.Errorf("Got gateway.send_buffer %d, want 64", cfg.Gateway.SendBuffer)
	}
	if cfg.Fanout.TopicDelivery {
		t.Error("Got topic delivery enabled by default")
	}
	if diff := cmp.Diff(ratelimit.DefaultPolicies(), cfg.Policies()); diff != "" {
		t.Errorf("Policies mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
http:
  addr: ":9000"
  trusted_proxies:
    - 10.0.0.0/8
    - 192.168.1.7
redis:
  addr: redis:6379
  db: 2
postgres:
  dsn: postgres://db/fanout
auth:
  secret: `+secret+`
store:
  timeout: 100ms
log:
  level: debug
  format: text
fanout:
  topic_delivery: true
gateway:
  send_buffer: 16
  allowed_origins:
    - https://chat.example.com
limits:
  message-send:
    max: 5
    window: 10s
  ws-typing:
    max: 100
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != ":9000" || cfg.Redis.Addr != "redis:6379" || cfg.Redis.DB != 2 {
		t.Errorf("Got http %+v redis %+v", cfg.HTTP, cfg.Redis)
	}
	if cfg.Store.Timeout != 100*time.Millisecond {
		t.Errorf("Got store.timeout %s, want 100ms", cfg.Store.Timeout)
	}
	if cfg.LogLevel().String() != "DEBUG" || cfg.Log.Format != "text" {
		t.Errorf("Got log %+v", cfg.Log)
	}
	if !cfg.Fanout.TopicDelivery {
		t.Error("Got topic delivery disabled")
	}
	if diff := cmp.Diff([]string{"https://chat.example.com"}, cfg.Gateway.AllowedOrigins); diff != "" {
		t.Errorf("AllowedOrigins mismatch (-want +got):\n%s", diff)
	}

	proxies, err := cfg.TrustedProxies()
	if err != nil {
		t.Fatal(err)
	}
	wantProxies := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.168.1.7/32"),
	}
	if diff := cmp.Diff(wantProxies, proxies, cmp.Comparer(func(a, b netip.Prefix) bool { return a == b })); diff != "" {
		t.Errorf("TrustedProxies mismatch (-want +got):\n%s", diff)
	}

	p := cfg.Policies()
	send, _ := p.Get(ratelimit.ActionMessageSend)
	if send.Max != 5 || send.Window != 10*time.Second || send.Identifier != ratelimit.ByUser {
		t.Errorf("Got message-send policy %+v", send)
	}
	typing, _ := p.Get(ratelimit.ActionWSTyping)
	if typing.Max != 100 || typing.Window != time.Minute {
		t.Errorf("Got ws-typing policy %+v", typing)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, `
postgres:
  dsn: postgres://db/fanout
auth:
  secret: `+secret+`
`)
	t.Setenv("FANOUT_HTTP_ADDR", ":7000")
	t.Setenv("FANOUT_GATEWAY_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")
	t.Setenv("FANOUT_FANOUT_TOPIC_DELIVERY", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != ":7000" {
		t.Errorf("Got http.addr %q, want :7000", cfg.HTTP.Addr)
	}
	want := []string{"https://a.example.com", "https://b.example.com"}
	if diff := cmp.Diff(want, cfg.Gateway.AllowedOrigins); diff != "" {
		t.Errorf("AllowedOrigins mismatch (-want +got):\n%s", diff)
	}
	if !cfg.Fanout.TopicDelivery {
		t.Error("Got topic delivery disabled")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "MissingSecret",
			body:    "postgres:\n  dsn: postgres://db\n",
			wantErr: "Auth.Secret (required)",
		},
		{
			name:    "ShortSecret",
			body:    "postgres:\n  dsn: postgres://db\nauth:\n  secret: short\n",
			wantErr: "Auth.Secret (min)",
		},
		{
			name:    "MissingDSN",
			body:    "auth:\n  secret: " + secret + "\n",
			wantErr: "Postgres.DSN (required)",
		},
		{
			name:    "BadLogLevel",
			body:    "postgres:\n  dsn: postgres://db\nauth:\n  secret: " + secret + "\nlog:\n  level: loud\n",
			wantErr: "Log.Level (oneof)",
		},
		{
			name:    "BadTrustedProxy",
			body:    "postgres:\n  dsn: postgres://db\nauth:\n  secret: " + secret + "\nhttp:\n  trusted_proxies:\n    - proxy.local\n",
			wantErr: "HTTP.TrustedProxies[0] (cidr|ip)",
		},
		{
			name:    "BadDuration",
			body:    "postgres:\n  dsn: postgres://db\nauth:\n  secret: " + secret + "\nstore:\n  timeout: soon\n",
			wantErr: "decode config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			if err == nil {
				t.Fatal("Got no error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Got error %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Got no error for a missing file")
	}
}
