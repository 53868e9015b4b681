package http

import (
	"context"
	"fmt"
	nethttp "net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http/httpproxy"

	"github.com/rescale/rescale-fetch/internal/config"
)

// ProxyMode is the proxy_mode setting.
type ProxyMode string

const (
	ProxyNone   ProxyMode = "no-proxy"
	ProxySystem ProxyMode = "system" // HTTP(S)_PROXY and NO_PROXY
	ProxyBasic  ProxyMode = "basic"
	ProxyNTLM   ProxyMode = "ntlm"
)

const defaultProxyPort = 8080

// ParseProxyMode accepts the modes case-insensitively. Empty means
// ProxyNone.
func ParseProxyMode(s string) (ProxyMode, error) {
	m := ProxyMode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case "":
		return ProxyNone, nil
	case ProxyNone, ProxySystem, ProxyBasic, ProxyNTLM:
		return m, nil
	}
	return "", fmt.Errorf("unsupported proxy mode: %s", s)
}

// NeedsProxyPassword reports an authenticating proxy with a user but no
// password, which the CLI prompts for.
func NeedsProxyPassword(cfg *config.Config) bool {
	m, err := ParseProxyMode(cfg.ProxyMode)
	if err != nil || (m != ProxyBasic && m != ProxyNTLM) {
		return false
	}
	return cfg.ProxyUser != "" && cfg.ProxyPassword == ""
}

// proxyURL embeds credentials only when both user and password are set.
func proxyURL(cfg *config.Config) *url.URL {
	port := cfg.ProxyPort
	if port == 0 {
		port = defaultProxyPort
	}
	u := &url.URL{Scheme: "http", Host: cfg.ProxyHost + ":" + strconv.Itoa(port)}
	if cfg.ProxyUser != "" && cfg.ProxyPassword != "" {
		u.User = url.UserPassword(cfg.ProxyUser, cfg.ProxyPassword)
	}
	return u
}

// bypassing sends requests through proxy except for hosts matched by
// noProxy, a NO_PROXY style list of domains, wildcards and CIDRs.
func bypassing(proxy *url.URL, noProxy string) func(*nethttp.Request) (*url.URL, error) {
	if strings.TrimSpace(noProxy) == "" {
		return nethttp.ProxyURL(proxy)
	}
	match := (&httpproxy.Config{
		HTTPProxy:  proxy.String(),
		HTTPSProxy: proxy.String(),
		NoProxy:    noProxy,
	}).ProxyFunc()
	return func(req *nethttp.Request) (*url.URL, error) {
		u, err := match(req.URL)
		if u == nil && err == nil {
			log.Debug().Str("host", req.URL.Host).Msg("Bypassing proxy")
		}
		return u, err
	}
}

// firstDatacenter returns the lowest-numbered configured datacenter URL.
func firstDatacenter(cfg *config.Config) string {
	if len(cfg.Datacenters) == 0 {
		return ""
	}
	ids := make([]int, 0, len(cfg.Datacenters))
	for id := range cfg.Datacenters {
		ids = append(ids, id)
	}
	return cfg.Datacenters[slices.Min(ids)]
}

// warmup sends one HEAD through the proxy so an NTLM handshake or a
// rejected password fails here rather than on the first chunk.
func warmup(ctx context.Context, client *nethttp.Client, target string) error {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodHead, target+"/", nil)
	if err != nil {
		return fmt.Errorf("proxy warmup: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("proxy warmup: %w", err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == nethttp.StatusProxyAuthRequired:
		return fmt.Errorf("proxy warmup: proxy rejected credentials")
	case resp.StatusCode >= 500:
		return fmt.Errorf("proxy warmup: %s", resp.Status)
	}
	return nil
}
