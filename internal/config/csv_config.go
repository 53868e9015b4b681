// Package config loads and saves the rescale-fetch settings file, a CSV of
// key,value rows, and layers the environment and command-line flags over it.
package config

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rescale/rescale-fetch/internal/constants"
)

// Config holds every setting. Token and ProxyPassword never come from or go
// to the file.
type Config struct {
	ChunkSize         int
	BigChunkSize      int
	FallbackChunkSize int
	BigChunks         bool // every transfer uses big chunking

	MaxConcurrent    int
	MaxConcurrentBig int

	CdnWindowSize     int64
	PreloadBudget     int64
	PreloadHeadWindow int64

	SidecarDebounce time.Duration
	RenameRetries   int
	StateDir        string // empty: staging files sit next to their destination

	HTTPTimeout       time.Duration
	RequestsPerSecond float64
	Token             string

	ProxyMode     string // no-proxy, system, basic, ntlm
	ProxyHost     string
	ProxyPort     int
	ProxyUser     string
	ProxyPassword string
	NoProxy       string // comma-separated bypass list
	ProxyWarmup   bool

	Datacenters  map[int]string // dc.<id>
	CdnEndpoints map[int]string // cdn.<id>

	S3Region        string
	S3Endpoint      string // MinIO, localstack
	AzureAccountURL string
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		ChunkSize:         constants.DefaultChunkSize,
		BigChunkSize:      constants.BigChunkSize,
		FallbackChunkSize: constants.FallbackChunkSize,
		MaxConcurrent:     constants.DefaultMaxConcurrent,
		MaxConcurrentBig:  constants.BigMaxConcurrent,
		CdnWindowSize:     constants.CdnWindowSize,
		PreloadBudget:     constants.PreloadBudget,
		PreloadHeadWindow: constants.PreloadHeadWindow,
		SidecarDebounce:   constants.SidecarDebounce,
		RenameRetries:     constants.RenameRetries,
		HTTPTimeout:       constants.HTTPTimeout,
		RequestsPerSecond: constants.DefaultRequestsPerSecond,
		ProxyMode:         "no-proxy",
		Datacenters:       make(map[int]string),
		CdnEndpoints:      make(map[int]string),
	}
}

// setting is one file key. get renders the current value; set parses one.
type setting struct {
	key string
	get func(*Config) string
	set func(*Config, string) error
}

func intSetting(key string, field func(*Config) *int) setting {
	return setting{
		key: key,
		get: func(c *Config) string { return strconv.Itoa(*field(c)) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %q is not an integer", key, v)
			}
			*field(c) = n
			return nil
		},
	}
}

func int64Setting(key string, field func(*Config) *int64) setting {
	return setting{
		key: key,
		get: func(c *Config) string { return strconv.FormatInt(*field(c), 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%s: %q is not an integer", key, v)
			}
			*field(c) = n
			return nil
		},
	}
}

func durationSetting(key string, unit time.Duration, field func(*Config) *time.Duration) setting {
	return setting{
		key: key,
		get: func(c *Config) string { return strconv.FormatInt(int64(*field(c)/unit), 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %q is not an integer", key, v)
			}
			*field(c) = time.Duration(n) * unit
			return nil
		},
	}
}

func boolSetting(key string, field func(*Config) *bool) setting {
	return setting{
		key: key,
		get: func(c *Config) string { return strconv.FormatBool(*field(c)) },
		set: func(c *Config, v string) error {
			*field(c) = strings.EqualFold(v, "true") || v == "1"
			return nil
		},
	}
}

func stringSetting(key string, field func(*Config) *string) setting {
	return setting{
		key: key,
		get: func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error {
			*field(c) = v
			return nil
		},
	}
}

// settings is in file order.
var settings = []setting{
	intSetting("chunk_size", func(c *Config) *int { return &c.ChunkSize }),
	intSetting("big_chunk_size", func(c *Config) *int { return &c.BigChunkSize }),
	intSetting("fallback_chunk_size", func(c *Config) *int { return &c.FallbackChunkSize }),
	boolSetting("big_chunks", func(c *Config) *bool { return &c.BigChunks }),
	intSetting("max_concurrent", func(c *Config) *int { return &c.MaxConcurrent }),
	intSetting("max_concurrent_big", func(c *Config) *int { return &c.MaxConcurrentBig }),
	int64Setting("cdn_window_size", func(c *Config) *int64 { return &c.CdnWindowSize }),
	int64Setting("preload_budget", func(c *Config) *int64 { return &c.PreloadBudget }),
	int64Setting("preload_head_window", func(c *Config) *int64 { return &c.PreloadHeadWindow }),
	durationSetting("sidecar_debounce_ms", time.Millisecond, func(c *Config) *time.Duration { return &c.SidecarDebounce }),
	intSetting("rename_retries", func(c *Config) *int { return &c.RenameRetries }),
	stringSetting("state_dir", func(c *Config) *string { return &c.StateDir }),
	durationSetting("http_timeout_s", time.Second, func(c *Config) *time.Duration { return &c.HTTPTimeout }),
	{
		key: "requests_per_second",
		get: func(c *Config) string { return strconv.FormatFloat(c.RequestsPerSecond, 'f', -1, 64) },
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("requests_per_second: %q is not a number", v)
			}
			c.RequestsPerSecond = f
			return nil
		},
	},
	stringSetting("proxy_mode", func(c *Config) *string { return &c.ProxyMode }),
	stringSetting("proxy_host", func(c *Config) *string { return &c.ProxyHost }),
	intSetting("proxy_port", func(c *Config) *int { return &c.ProxyPort }),
	stringSetting("proxy_user", func(c *Config) *string { return &c.ProxyUser }),
	stringSetting("no_proxy", func(c *Config) *string { return &c.NoProxy }),
	boolSetting("proxy_warmup", func(c *Config) *bool { return &c.ProxyWarmup }),
	stringSetting("s3_region", func(c *Config) *string { return &c.S3Region }),
	stringSetting("s3_endpoint", func(c *Config) *string { return &c.S3Endpoint }),
	stringSetting("azure_account_url", func(c *Config) *string { return &c.AzureAccountURL }),
}

// secretKeys are accepted in the file only to warn about them.
var secretKeys = map[string]string{
	"token":          "use RESCALE_FETCH_TOKEN or --token",
	"proxy_password": "it is prompted for at runtime",
}

func (c *Config) set(key, value string) error {
	if prefix, id, ok := strings.Cut(key, "."); ok && (prefix == "dc" || prefix == "cdn") {
		n, err := strconv.Atoi(id)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid endpoint key %q: id must be a positive integer", key)
		}
		endpoints := c.Datacenters
		if prefix == "cdn" {
			endpoints = c.CdnEndpoints
		}
		endpoints[n] = strings.TrimSuffix(value, "/")
		return nil
	}
	if hint, ok := secretKeys[key]; ok {
		if value != "" {
			log.Warn().Str("key", key).Msgf("Ignoring secret in config file; %s", hint)
		}
		return nil
	}
	if key == "azure_account_url" {
		value = strings.TrimSuffix(value, "/")
	}
	for _, s := range settings {
		if s.key == key {
			return s.set(c, value)
		}
	}
	log.Debug().Str("key", key).Msg("Unknown config key")
	return nil
}

// LoadConfigCSV reads path over the defaults. A missing file, or an empty
// path, yields the defaults. An optional first row of "key,value" is
// skipped.
func LoadConfigCSV(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read config CSV: %w", err)
	}

	for i, rec := range records {
		if len(rec) < 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(rec[0]))
		if i == 0 && key == "key" {
			continue
		}
		if err := cfg.set(key, strings.TrimSpace(rec[1])); err != nil {
			return nil, fmt.Errorf("config line %d: %w", i+1, err)
		}
	}
	return cfg, nil
}

// SaveConfigCSV writes cfg to path, leaving out empty, zero and false
// values.
func SaveConfigCSV(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	rows := [][]string{{"key", "value"}}
	for _, rec := range cfg.Records() {
		switch rec[1] {
		case "", "0", "false":
			continue
		}
		rows = append(rows, rec)
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return f.Close()
}

// Records returns every saved setting as key,value pairs in file order,
// endpoints last and sorted by id.
func (c *Config) Records() [][]string {
	out := make([][]string, 0, len(settings)+len(c.Datacenters)+len(c.CdnEndpoints))
	for _, s := range settings {
		out = append(out, []string{s.key, s.get(c)})
	}
	out = appendEndpoints(out, "dc.", c.Datacenters)
	return appendEndpoints(out, "cdn.", c.CdnEndpoints)
}

func appendEndpoints(out [][]string, prefix string, m map[int]string) [][]string {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		out = append(out, []string{prefix + strconv.Itoa(id), m[id]})
	}
	return out
}

// MergeWithFlags layers the environment and then non-zero flag values over
// the loaded file.
func (c *Config) MergeWithFlags(token, proxyMode, proxyHost string, proxyPort int) {
	if v := os.Getenv("RESCALE_FETCH_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" && c.ProxyHost == "" {
		c.proxyFromURL(v)
	}

	if token != "" {
		c.Token = token
	}
	if proxyMode != "" {
		c.ProxyMode = proxyMode
	}
	if proxyHost != "" {
		c.ProxyHost = proxyHost
	}
	if proxyPort > 0 {
		c.ProxyPort = proxyPort
	}
}

// proxyFromURL takes host and port from an HTTPS_PROXY value and switches
// an unproxied config to system mode.
func (c *Config) proxyFromURL(raw string) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return
	}
	c.ProxyHost = u.Hostname()
	if port, err := strconv.Atoi(u.Port()); err == nil {
		c.ProxyPort = port
	}
	if c.ProxyMode == "" || c.ProxyMode == "no-proxy" {
		c.ProxyMode = "system"
	}
}

// Validate checks the settings the engine depends on.
func (c *Config) Validate() error {
	chunks := []int{c.ChunkSize, c.BigChunkSize, c.FallbackChunkSize}
	switch {
	case slices.Min(chunks) <= 0:
		return fmt.Errorf("chunk sizes must be positive")
	case c.FallbackChunkSize > c.ChunkSize:
		return fmt.Errorf("fallback_chunk_size (%d) must not exceed chunk_size (%d)", c.FallbackChunkSize, c.ChunkSize)
	case slices.ContainsFunc(chunks, func(n int) bool { return n%16 != 0 }):
		return fmt.Errorf("chunk sizes must be multiples of 16")
	case c.MaxConcurrent < 1 || c.MaxConcurrentBig < 1:
		return fmt.Errorf("max_concurrent and max_concurrent_big must be at least 1")
	case c.CdnWindowSize < int64(c.BigChunkSize):
		return fmt.Errorf("cdn_window_size must be at least big_chunk_size")
	case c.RenameRetries < 1:
		return fmt.Errorf("rename_retries must be at least 1")
	}
	return nil
}

// DatacenterURL returns the base URL of datacenter id.
func (c *Config) DatacenterURL(id int) (string, error) {
	if u := c.Datacenters[id]; u != "" {
		return u, nil
	}
	return "", fmt.Errorf("datacenter %d is not configured (set dc.%d in config)", id, id)
}

// CdnURL returns the base URL of CDN endpoint id.
func (c *Config) CdnURL(id int) (string, error) {
	if u := c.CdnEndpoints[id]; u != "" {
		return u, nil
	}
	return "", fmt.Errorf("cdn endpoint %d is not configured (set cdn.%d in config)", id, id)
}

// configDir is %APPDATA%\Rescale\Fetch on Windows and
// ~/.config/rescale-fetch elsewhere.
func configDir() string {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Rescale", "Fetch")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", constants.AppName)
	}
	return ""
}

// GetDefaultConfigPath returns config.csv in the user's config directory,
// or in the working directory when there is none.
func GetDefaultConfigPath() string {
	return filepath.Join(configDir(), "config.csv")
}
