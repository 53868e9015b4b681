// Package http builds the HTTP clients used by the datacenter transport and
// the object-store SDKs: proxy handling, connection pooling and retries.
package http

import (
	"context"
	"crypto/tls"
	"net"
	nethttp "net/http"
	"os"
	"time"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"

	"github.com/rescale/rescale-fetch/internal/config"
)

const (
	dialTimeout           = 30 * time.Second
	dialKeepAlive         = 30 * time.Second
	idleConnTimeout       = 90 * time.Second
	tlsHandshakeTimeout   = 30 * time.Second
	expectContinueTimeout = time.Second
	warmupTimeout         = 15 * time.Second

	// A transfer keeps at most 8 chunk requests in flight, so a few dozen
	// connections per host cover several transfers.
	maxIdleConns        = 256
	maxIdleConnsPerHost = 64
	maxConnsPerHost     = 64
)

// NewClient returns the client every transport shares. A nil cfg takes the
// proxy from the environment.
//
// The client has no overall timeout; each request carries its own
// deadline. Compression is off because payloads are usually encrypted and
// range offsets refer to the stored bytes. HTTP/2 is off behind a proxy
// unless FORCE_HTTP2=true, and everywhere with DISABLE_HTTP2=true.
func NewClient(cfg *config.Config) (*nethttp.Client, error) {
	mode := ProxySystem
	if cfg != nil {
		m, err := ParseProxyMode(cfg.ProxyMode)
		if err != nil {
			return nil, err
		}
		mode = m
	}

	tr := newTransport()
	proxied := false
	switch mode {
	case ProxySystem:
		tr.Proxy = nethttp.ProxyFromEnvironment
		proxied = envProxySet()
	case ProxyBasic, ProxyNTLM:
		if cfg.ProxyHost == "" {
			log.Warn().Str("mode", string(mode)).Msg("Proxy host missing, connecting directly")
			mode = ProxyNone
			break
		}
		tr.Proxy = bypassing(proxyURL(cfg), cfg.NoProxy)
		proxied = true
		if NeedsProxyPassword(cfg) {
			log.Warn().Msg("Proxy user set without a password, proxy auth disabled")
		}
	}
	configureHTTP2(tr, proxied)

	client := &nethttp.Client{Transport: tr}
	if mode == ProxyNTLM {
		client.Transport = ntlmssp.Negotiator{RoundTripper: tr}
	}

	if proxied && cfg != nil && cfg.ProxyWarmup && (mode == ProxySystem || cfg.ProxyPassword != "") {
		if target := firstDatacenter(cfg); target != "" {
			ctx, cancel := context.WithTimeout(context.Background(), warmupTimeout)
			defer cancel()
			if err := warmup(ctx, client, target); err != nil {
				return nil, err
			}
		}
	}
	return client, nil
}

func newTransport() *nethttp.Transport {
	return &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: dialKeepAlive,
		}).DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		DisableCompression:    true,
	}
}

// Proxies often break HTTP/2 multiplexing mid-transfer.
func configureHTTP2(tr *nethttp.Transport, proxied bool) {
	if os.Getenv("DISABLE_HTTP2") == "true" || (proxied && os.Getenv("FORCE_HTTP2") != "true") {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = map[string]func(string, *tls.Conn) nethttp.RoundTripper{}
		return
	}
	tr.ForceAttemptHTTP2 = true
	if err := http2.ConfigureTransport(tr); err != nil {
		log.Debug().Err(err).Msg("HTTP/2 setup failed, using HTTP/1.1")
	}
}

func envProxySet() bool {
	for _, k := range []string{"HTTPS_PROXY", "https_proxy", "HTTP_PROXY", "http_proxy"} {
		if os.Getenv(k) != "" {
			return true
		}
	}
	return false
}
