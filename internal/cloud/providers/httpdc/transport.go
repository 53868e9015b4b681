// Package httpdc is the chunk transport for datacenters that speak the
// HTTP file protocol:
//
//	GET  {dc}/file/{locator}?offset=&limit=[&cdn=1]   chunk, redirect or error
//	GET  {cdn}/cdn/{file_token}?offset=&limit=        chunk from a CDN endpoint
//	POST {dc}/cdn/reupload                             ask origin to push to CDN
//	GET  {dc}/cdn/hashes?file_token=&offset=           window digests
//
// Errors are JSON {code,text} bodies and become *cloud.RPCError.
package httpdc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	nethttp "net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/config"
	"github.com/rescale/rescale-fetch/internal/http"
	"github.com/rescale/rescale-fetch/internal/logging"
	"github.com/rescale/rescale-fetch/internal/ratelimit"
)

// maxMetaBody caps JSON bodies (errors, redirects, digest tables).
const maxMetaBody = 1 << 20

// Endpoints resolves numeric endpoint ids to base URLs. *config.Config
// implements it.
type Endpoints interface {
	DatacenterURL(id int) (string, error)
	CdnURL(id int) (string, error)
}

// Transport implements cloud.Transport, cloud.CdnTransport and
// cloud.ConnectionReleaser over HTTP.
type Transport struct {
	endpoints Endpoints
	client    *nethttp.Client // retrying client
	base      *nethttp.Client // underlying client, for idle-connection release
	limiters  *ratelimit.LimiterStore
	account   string
	token     string
	timeout   time.Duration
	logger    *logging.Logger
}

// Options configures NewTransportWithClient.
type Options struct {
	Account           string
	Token             string
	Timeout           time.Duration
	RequestsPerSecond float64
	Retry             http.Policy
}

// NewTransport builds the transport from cfg: proxy-aware pooled client,
// socket-level retries and per-endpoint pacing.
func NewTransport(cfg *config.Config, account string, logger *logging.Logger) (*Transport, error) {
	base, err := http.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}
	return NewTransportWithClient(cfg, base, Options{
		Account:           account,
		Token:             cfg.Token,
		Timeout:           cfg.HTTPTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Retry:             http.DefaultPolicy(),
	}, logger), nil
}

// NewTransportWithClient wraps base. Tests pass an httptest client here.
func NewTransportWithClient(endpoints Endpoints, base *nethttp.Client, opts Options, logger *logging.Logger) *Transport {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	burst := int(opts.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	limiters := ratelimit.NewLimiterStore(opts.RequestsPerSecond, burst, logger)

	rc := http.NewRetryableClient(base, opts.Retry, logger)
	rc.ResponseLogHook = func(_ retryablehttp.Logger, resp *nethttp.Response) {
		if resp.StatusCode != nethttp.StatusTooManyRequests && resp.StatusCode != nethttp.StatusServiceUnavailable {
			return
		}
		if rl, ok := resp.Request.Context().Value(limiterCtxKey{}).(*ratelimit.RateLimiter); ok {
			rl.Cooldown(retryAfter(resp))
		}
	}

	return &Transport{
		endpoints: endpoints,
		client:    rc.StandardClient(),
		base:      base,
		limiters:  limiters,
		account:   opts.Account,
		token:     opts.Token,
		timeout:   opts.Timeout,
		logger:    logger,
	}
}

type limiterCtxKey struct{}

func retryAfter(resp *nethttp.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}

// FetchChunk issues one chunk request against the primary datacenter or,
// when req.Cdn is set, the CDN endpoint.
func (t *Transport) FetchChunk(ctx context.Context, req *cloud.ChunkRequest) (*cloud.ChunkResult, error) {
	if req.Token == "" {
		req.Token = uuid.NewString()
	}

	var (
		target string
		key    ratelimit.Key
	)
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(req.Offset, 10))
	q.Set("limit", strconv.FormatInt(req.Limit, 10))

	if req.Cdn != nil {
		base, err := t.endpoints.CdnURL(req.Cdn.DC)
		if err != nil {
			return nil, err
		}
		target = base + "/cdn/" + base64.RawURLEncoding.EncodeToString(req.Cdn.FileToken) + "?" + q.Encode()
		key = ratelimit.Key{Account: t.account, DC: "cdn" + strconv.Itoa(req.Cdn.DC), Class: cloud.ConnectionCdn.String()}
	} else {
		base, err := t.endpoints.DatacenterURL(req.DC)
		if err != nil {
			return nil, err
		}
		if req.AllowCdn {
			q.Set("cdn", "1")
		}
		target = base + "/file/" + url.PathEscape(req.Locator) + "?" + q.Encode()
		key = ratelimit.Key{Account: t.account, DC: "dc" + strconv.Itoa(req.DC), Class: cloud.ConnectionDownload.String()}
	}

	resp, err := t.do(ctx, key, nethttp.MethodGet, target, req.Token, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK && resp.StatusCode != nethttp.StatusPartialContent {
		return nil, decodeError(resp)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case ContentTypeRedirect:
		if !req.AllowCdn || req.Cdn != nil {
			return nil, fmt.Errorf("unexpected redirect for request %s", req.Token)
		}
		var body redirectBody
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetaBody)).Decode(&body); err != nil {
			return nil, fmt.Errorf("failed to decode redirect: %w", err)
		}
		redirect, err := body.decode()
		if err != nil {
			return nil, err
		}
		return &cloud.ChunkResult{Redirect: redirect}, nil

	case ContentTypeReupload:
		var body reuploadBody
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetaBody)).Decode(&body); err != nil {
			return nil, fmt.Errorf("failed to decode reupload request: %w", err)
		}
		token, err := base64.StdEncoding.DecodeString(body.RequestToken)
		if err != nil || len(token) == 0 {
			return nil, fmt.Errorf("invalid reupload request token")
		}
		return &cloud.ChunkResult{ReuploadToken: token}, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, req.Limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk body: %w", err)
	}
	return &cloud.ChunkResult{Data: data}, nil
}

// ReuploadCdnFile asks datacenter dc to push the file behind fileToken to
// its CDN and returns the refreshed digest table.
func (t *Transport) ReuploadCdnFile(ctx context.Context, dc int, fileToken, requestToken []byte) ([]cloud.WindowHash, error) {
	base, err := t.endpoints.DatacenterURL(dc)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(reuploadRequest{
		FileToken:    base64.StdEncoding.EncodeToString(fileToken),
		RequestToken: base64.StdEncoding.EncodeToString(requestToken),
	})
	if err != nil {
		return nil, err
	}
	key := ratelimit.Key{Account: t.account, DC: "dc" + strconv.Itoa(dc), Class: cloud.ConnectionCdn.String()}
	resp, err := t.do(ctx, key, nethttp.MethodPost, base+"/cdn/reupload", uuid.NewString(), payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeHashesResponse(resp)
}

// FetchCdnHashes returns the digests of the windows starting at or after offset.
func (t *Transport) FetchCdnHashes(ctx context.Context, dc int, fileToken []byte, offset int64) ([]cloud.WindowHash, error) {
	base, err := t.endpoints.DatacenterURL(dc)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("file_token", base64.RawURLEncoding.EncodeToString(fileToken))
	q.Set("offset", strconv.FormatInt(offset, 10))
	key := ratelimit.Key{Account: t.account, DC: "dc" + strconv.Itoa(dc), Class: cloud.ConnectionCdn.String()}
	resp, err := t.do(ctx, key, nethttp.MethodGet, base+"/cdn/hashes?"+q.Encode(), uuid.NewString(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeHashesResponse(resp)
}

// ReleaseConnections drops idle connections after a burst. The pool is
// shared, so this releases idle connections to every host.
func (t *Transport) ReleaseConnections(dc int, class cloud.ConnectionClass) {
	t.logger.Debug().Int("dc", dc).Str("class", class.String()).Msg("Releasing idle connections")
	t.base.CloseIdleConnections()
}

func (t *Transport) do(ctx context.Context, key ratelimit.Key, method, target, token string, body []byte) (*nethttp.Response, error) {
	rl := t.limiters.Get(key)
	if err := rl.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter cancelled: %w", err)
	}

	ctx = context.WithValue(ctx, limiterCtxKey{}, rl)
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		// The body is read by the caller; release the timer when it closes.
		resp, err := t.send(ctx, method, target, token, body)
		if err != nil {
			cancel()
			return nil, err
		}
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}
	return t.send(ctx, method, target, token, body)
}

func (t *Transport) send(ctx context.Context, method, target, token string, body []byte) (*nethttp.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := nethttp.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	if t.account != "" {
		req.Header.Set(HeaderAccount, t.account)
	}
	req.Header.Set(HeaderRequestToken, token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s failed: %w", token, err)
	}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func decodeError(resp *nethttp.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxMetaBody))
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Text != "" {
		if body.Code == 0 {
			body.Code = resp.StatusCode
		}
		return &cloud.RPCError{Code: body.Code, Text: body.Text}
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		text = nethttp.StatusText(resp.StatusCode)
	}
	return &cloud.RPCError{Code: resp.StatusCode, Text: text}
}

func decodeHashesResponse(resp *nethttp.Response) ([]cloud.WindowHash, error) {
	if resp.StatusCode != nethttp.StatusOK {
		return nil, decodeError(resp)
	}
	var body hashesBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetaBody)).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode digest table: %w", err)
	}
	return decodeHashes(body.Hashes)
}

var (
	_ cloud.Transport          = (*Transport)(nil)
	_ cloud.CdnTransport       = (*Transport)(nil)
	_ cloud.ConnectionReleaser = (*Transport)(nil)
)
