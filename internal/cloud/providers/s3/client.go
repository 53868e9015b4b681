// Package s3 serves chunk requests from an S3 bucket with ranged GetObject
// calls. The object key is the descriptor's locator.
package s3

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/http/httptrace"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/config"
	"github.com/rescale/rescale-fetch/internal/http"
	"github.com/rescale/rescale-fetch/internal/logging"
)

// Static credential environment variables. When unset the default AWS chain
// (env, shared config, instance role) applies.
const (
	EnvAccessKeyID     = "RESCALE_FETCH_S3_ACCESS_KEY_ID"
	EnvSecretAccessKey = "RESCALE_FETCH_S3_SECRET_ACCESS_KEY"
	EnvSessionToken    = "RESCALE_FETCH_S3_SESSION_TOKEN"
)

// Transport fetches chunks from one bucket.
//
// Thread-safe: all operations are safe for concurrent use.
type Transport struct {
	client *s3.Client
	bucket string
	logger *logging.Logger
	retry  http.Policy
}

// NewTransport builds an S3 client from cfg (region, custom endpoint, proxy)
// and returns a transport for bucket.
func NewTransport(ctx context.Context, cfg *config.Config, bucket string, logger *logging.Logger) (*Transport, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	httpClient, err := http.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithHTTPClient(httpClient),
	}
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if id, secret := os.Getenv(EnvAccessKeyID), os.Getenv(EnvSecretAccessKey); id != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			awscreds.NewStaticCredentialsProvider(id, secret, os.Getenv(EnvSessionToken)),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewTransportWithClient(client, bucket, logger), nil
}

// NewTransportWithClient wraps an existing client.
func NewTransportWithClient(client *s3.Client, bucket string, logger *logging.Logger) *Transport {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Transport{
		client: client,
		bucket: bucket,
		logger: logger,
		retry:  http.DefaultPolicy(),
	}
}

// FetchChunk reads [Offset, Offset+Limit) of the object named by the locator.
// A range starting at or past the end of the object is OFFSET_INVALID; a
// range running past the end returns the short tail.
func (t *Transport) FetchChunk(ctx context.Context, req *cloud.ChunkRequest) (*cloud.ChunkResult, error) {
	if req.Limit <= 0 {
		return nil, &cloud.RPCError{Code: 400, Text: cloud.CodeLimitInvalid}
	}
	rangeHeader := fmt.Sprintf("bytes=%d-%d", req.Offset, req.Offset+req.Limit-1)

	var data []byte
	retry := t.retry
	retry.OnRetry = func(attempt int, err error, class http.ErrorClass) {
		t.logger.Debug().Str("token", req.Token).Int("attempt", attempt).
			Stringer("class", class).Err(err).Msg("S3 GetObject retry")
	}
	err := http.Do(ctx, retry, func(ctx context.Context) error {
		resp, err := t.client.GetObject(TraceContext(ctx, "GetObject"), &s3.GetObjectInput{
			Bucket: aws.String(t.bucket),
			Key:    aws.String(req.Locator),
			Range:  aws.String(rangeHeader),
		})
		if err != nil {
			return mapError(err)
		}
		defer resp.Body.Close()

		buf, err := io.ReadAll(io.LimitReader(resp.Body, req.Limit))
		if err != nil {
			return fmt.Errorf("failed to read S3 body: %w", err)
		}
		data = buf
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cloud.ChunkResult{Data: data}, nil
}

// mapError turns S3's range rejection into the protocol error the engine
// understands. Everything else passes through for retry classification.
func mapError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidRange":
			return &cloud.RPCError{Code: nethttp.StatusRequestedRangeNotSatisfiable, Text: cloud.CodeOffsetInvalid}
		case "NoSuchKey", "NoSuchBucket":
			return &cloud.RPCError{Code: nethttp.StatusNotFound, Text: apiErr.ErrorCode()}
		}
	}
	return err
}

// TraceContext adds HTTP connection tracing when DEBUG_HTTP=true.
func TraceContext(ctx context.Context, operation string) context.Context {
	if os.Getenv("DEBUG_HTTP") != "true" {
		return ctx
	}

	logger := logging.NewDefaultCLILogger()
	var handshakeStart time.Time
	return httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			logger.Debug().Str("op", operation).Bool("reused", info.Reused).Msg("[HTTP] got connection")
		},
		TLSHandshakeStart: func() {
			handshakeStart = time.Now()
		},
		TLSHandshakeDone: func(_ tls.ConnectionState, _ error) {
			logger.Debug().Str("op", operation).Dur("took", time.Since(handshakeStart)).Msg("[HTTP] TLS handshake")
		},
	})
}
