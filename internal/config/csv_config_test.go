package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rescale/rescale-fetch/internal/constants"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.csv")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigCSV(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		check   func(*testing.T, *Config)
	}{
		{
			name: "full config",
			body: "key,value\n" +
				"chunk_size,65536\n" +
				"max_concurrent,2\n" +
				"big_chunks,true\n" +
				"sidecar_debounce_ms,500\n" +
				"http_timeout_s,30\n" +
				"requests_per_second,12.5\n" +
				"dc.1,https://dc1.example.com/\n" +
				"dc.2,https://dc2.example.com\n" +
				"cdn.201,https://cdn.example.com\n" +
				"proxy_mode,basic\n" +
				"proxy_host,proxy.corp\n",
			check: func(t *testing.T, cfg *Config) {
				if cfg.ChunkSize != 65536 {
					t.Errorf("ChunkSize = %d, want 65536", cfg.ChunkSize)
				}
				if cfg.MaxConcurrent != 2 {
					t.Errorf("MaxConcurrent = %d, want 2", cfg.MaxConcurrent)
				}
				if !cfg.BigChunks {
					t.Error("BigChunks should be true")
				}
				if cfg.SidecarDebounce != 500*time.Millisecond {
					t.Errorf("SidecarDebounce = %v", cfg.SidecarDebounce)
				}
				if cfg.HTTPTimeout != 30*time.Second {
					t.Errorf("HTTPTimeout = %v", cfg.HTTPTimeout)
				}
				if cfg.RequestsPerSecond != 12.5 {
					t.Errorf("RequestsPerSecond = %v", cfg.RequestsPerSecond)
				}
				if u, _ := cfg.DatacenterURL(1); u != "https://dc1.example.com" {
					t.Errorf("dc 1 = %q, trailing slash should be trimmed", u)
				}
				if u, _ := cfg.CdnURL(201); u != "https://cdn.example.com" {
					t.Errorf("cdn 201 = %q", u)
				}
				if cfg.ProxyMode != "basic" || cfg.ProxyHost != "proxy.corp" {
					t.Errorf("proxy = %q %q", cfg.ProxyMode, cfg.ProxyHost)
				}
				// untouched keys keep defaults
				if cfg.BigChunkSize != constants.BigChunkSize {
					t.Errorf("BigChunkSize = %d, want default", cfg.BigChunkSize)
				}
			},
		},
		{
			name: "secrets in file are ignored",
			body: "token,abc\nproxy_password,hunter2\n",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Token != "" || cfg.ProxyPassword != "" {
					t.Error("secrets must not be loaded from the config file")
				}
			},
		},
		{
			name:    "bad endpoint id",
			body:    "dc.x,https://example.com\n",
			wantErr: true,
		},
		{
			name:    "non-numeric size",
			body:    "chunk_size,big\n",
			wantErr: true,
		},
		{
			name: "unknown keys and short rows are skipped",
			body: "future_option,1\nlonely\n max_concurrent , 3\n",
			check: func(t *testing.T, cfg *Config) {
				if cfg.MaxConcurrent != 3 {
					t.Errorf("MaxConcurrent = %d, want 3", cfg.MaxConcurrent)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfigCSV(writeConfig(t, tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadConfigCSV() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoadConfigCSVMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfigCSV(filepath.Join(t.TempDir(), "nope.csv"))
	if err != nil {
		t.Fatalf("LoadConfigCSV: %v", err)
	}
	if cfg.ChunkSize != constants.DefaultChunkSize || cfg.MaxConcurrent != constants.DefaultMaxConcurrent {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestSaveConfigCSVRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.ChunkSize = 256 * 1024
	cfg.Datacenters[2] = "https://dc2.example.com"
	cfg.Datacenters[1] = "https://dc1.example.com"
	cfg.CdnEndpoints[7] = "https://cdn7.example.com"
	cfg.Token = "secret"
	cfg.ProxyPassword = "secret"

	path := filepath.Join(t.TempDir(), "sub", "config.csv")
	if err := SaveConfigCSV(cfg, path); err != nil {
		t.Fatalf("SaveConfigCSV: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(raw), "secret") {
		t.Error("secrets were written to the config file")
	}

	loaded, err := LoadConfigCSV(path)
	if err != nil {
		t.Fatalf("LoadConfigCSV: %v", err)
	}
	if loaded.ChunkSize != cfg.ChunkSize {
		t.Errorf("ChunkSize = %d, want %d", loaded.ChunkSize, cfg.ChunkSize)
	}
	if len(loaded.Datacenters) != 2 || loaded.Datacenters[2] != "https://dc2.example.com" {
		t.Errorf("Datacenters = %v", loaded.Datacenters)
	}
	if loaded.CdnEndpoints[7] != "https://cdn7.example.com" {
		t.Errorf("CdnEndpoints = %v", loaded.CdnEndpoints)
	}
	if loaded.SidecarDebounce != cfg.SidecarDebounce {
		t.Errorf("SidecarDebounce = %v, want %v", loaded.SidecarDebounce, cfg.SidecarDebounce)
	}
}

func TestMergeWithFlags(t *testing.T) {
	t.Setenv("RESCALE_FETCH_TOKEN", "env_token")
	t.Setenv("HTTPS_PROXY", "")

	cfg := Default()
	cfg.MergeWithFlags("", "", "", 0)
	if cfg.Token != "env_token" {
		t.Errorf("Token = %q, want env_token", cfg.Token)
	}

	cfg.MergeWithFlags("flag_token", "ntlm", "proxy.example.com", 8080)
	if cfg.Token != "flag_token" {
		t.Errorf("flag should override env, got %q", cfg.Token)
	}
	if cfg.ProxyMode != "ntlm" || cfg.ProxyHost != "proxy.example.com" || cfg.ProxyPort != 8080 {
		t.Errorf("proxy flags not applied: %q %q %d", cfg.ProxyMode, cfg.ProxyHost, cfg.ProxyPort)
	}
}

func TestMergeWithFlagsProxyFromEnvironment(t *testing.T) {
	t.Setenv("RESCALE_FETCH_TOKEN", "")
	t.Setenv("HTTPS_PROXY", "http://proxy.env:3128")

	cfg := Default()
	cfg.MergeWithFlags("", "", "", 0)
	if cfg.ProxyHost != "proxy.env" || cfg.ProxyPort != 3128 {
		t.Errorf("proxy = %q:%d", cfg.ProxyHost, cfg.ProxyPort)
	}
	if cfg.ProxyMode != "system" {
		t.Errorf("ProxyMode = %q, want system", cfg.ProxyMode)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "zero chunk", mutate: func(c *Config) { c.ChunkSize = 0 }, wantErr: true},
		{name: "unaligned chunk", mutate: func(c *Config) { c.ChunkSize = 1000 }, wantErr: true},
		{name: "fallback above chunk", mutate: func(c *Config) { c.FallbackChunkSize = c.ChunkSize * 2 }, wantErr: true},
		{name: "no concurrency", mutate: func(c *Config) { c.MaxConcurrent = 0 }, wantErr: true},
		{name: "tiny window", mutate: func(c *Config) { c.CdnWindowSize = 16 }, wantErr: true},
		{name: "no rename retries", mutate: func(c *Config) { c.RenameRetries = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEndpointLookupErrors(t *testing.T) {
	cfg := Default()
	if _, err := cfg.DatacenterURL(4); err == nil {
		t.Error("expected error for unknown datacenter")
	}
	if _, err := cfg.CdnURL(4); err == nil {
		t.Error("expected error for unknown cdn endpoint")
	}
}

func TestStagingPath(t *testing.T) {
	cfg := Default()
	if got := cfg.StagingPath("/data/movie.mp4", ".part"); got != "/data/movie.mp4.part" {
		t.Errorf("StagingPath = %q", got)
	}
	cfg.StateDir = "/var/state"
	if got := cfg.StagingPath("/data/movie.mp4", ".part"); got != filepath.Join("/var/state", "movie.mp4.part") {
		t.Errorf("StagingPath with state dir = %q", got)
	}
}

func TestRecordsOrder(t *testing.T) {
	cfg := Default()
	cfg.Datacenters[3] = "https://dc3"
	cfg.Datacenters[1] = "https://dc1"
	cfg.CdnEndpoints[9] = "https://cdn9"

	recs := cfg.Records()
	if recs[0][0] != "chunk_size" {
		t.Errorf("first record = %v, want chunk_size", recs[0])
	}
	tail := recs[len(recs)-3:]
	want := []string{"dc.1", "dc.3", "cdn.9"}
	for i, rec := range tail {
		if rec[0] != want[i] {
			t.Errorf("record %d = %v, want key %s", i, rec, want[i])
		}
	}
	for _, rec := range recs {
		if rec[0] == "token" || rec[0] == "proxy_password" {
			t.Errorf("secret %s in records", rec[0])
		}
	}
}
