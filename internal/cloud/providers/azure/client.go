// Package azure serves chunk requests from an Azure Blob container with
// ranged DownloadStream calls. The blob name is the descriptor's locator.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/config"
	"github.com/rescale/rescale-fetch/internal/constants"
	"github.com/rescale/rescale-fetch/internal/http"
	"github.com/rescale/rescale-fetch/internal/logging"
)

// EnvSASToken supplies a SAS token when the account URL carries none.
const EnvSASToken = "RESCALE_FETCH_AZURE_SAS"

// Transport fetches chunks from one container.
type Transport struct {
	client    *azblob.Client
	container string
	logger    *logging.Logger
	retry     http.Policy
}

// NewTransport builds an azblob client from cfg.AzureAccountURL (plus an
// optional SAS token from the environment) for container.
func NewTransport(cfg *config.Config, container string, logger *logging.Logger) (*Transport, error) {
	if container == "" {
		return nil, fmt.Errorf("container is required")
	}
	sasURL, err := buildSASURL(cfg.AzureAccountURL, os.Getenv(EnvSASToken))
	if err != nil {
		return nil, err
	}

	httpClient, err := http.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	client, err := newClient(sasURL, httpClient)
	if err != nil {
		return nil, err
	}
	return NewTransportWithClient(client, container, logger), nil
}

func newClient(serviceURL string, httpClient *nethttp.Client) (*azblob.Client, error) {
	client, err := azblob.NewClientWithNoCredential(serviceURL, &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: httpClient,
			Retry:     policy.RetryOptions{MaxRetries: constants.MaxRetries},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}
	return client, nil
}

// NewTransportWithClient wraps an existing client.
func NewTransportWithClient(client *azblob.Client, container string, logger *logging.Logger) *Transport {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Transport{
		client:    client,
		container: container,
		logger:    logger,
		retry:     http.DefaultPolicy(),
	}
}

// buildSASURL accepts either a full service URL or a bare account name and
// appends sasToken unless the URL already carries a query.
func buildSASURL(accountURL, sasToken string) (string, error) {
	if accountURL == "" {
		return "", fmt.Errorf("azure_account_url is not configured")
	}
	u := accountURL
	if !strings.Contains(u, "://") {
		u = fmt.Sprintf("https://%s.blob.core.windows.net/", u)
	}
	if sasToken != "" && !strings.Contains(u, "?") {
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		u += "?" + strings.TrimPrefix(sasToken, "?")
	}
	return u, nil
}

// FetchChunk reads [Offset, Offset+Limit) of the blob named by the locator.
func (t *Transport) FetchChunk(ctx context.Context, req *cloud.ChunkRequest) (*cloud.ChunkResult, error) {
	if req.Limit <= 0 {
		return nil, &cloud.RPCError{Code: 400, Text: cloud.CodeLimitInvalid}
	}

	blob := t.client.ServiceClient().NewContainerClient(t.container).NewBlobClient(req.Locator)

	var data []byte
	retry := t.retry
	retry.OnRetry = func(attempt int, err error, class http.ErrorClass) {
		t.logger.Debug().Str("token", req.Token).Int("attempt", attempt).
			Stringer("class", class).Err(err).Msg("Azure DownloadStream retry")
	}
	err := http.Do(ctx, retry, func(ctx context.Context) error {
		resp, err := blob.DownloadStream(ctx, &azblob.DownloadStreamOptions{
			Range: azblob.HTTPRange{Offset: req.Offset, Count: req.Limit},
		})
		if err != nil {
			return mapError(err)
		}
		defer resp.Body.Close()

		buf, err := io.ReadAll(io.LimitReader(resp.Body, req.Limit))
		if err != nil {
			return fmt.Errorf("failed to read blob body: %w", err)
		}
		data = buf
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cloud.ChunkResult{Data: data}, nil
}

func mapError(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case nethttp.StatusRequestedRangeNotSatisfiable:
			return &cloud.RPCError{Code: respErr.StatusCode, Text: cloud.CodeOffsetInvalid}
		case nethttp.StatusNotFound:
			return &cloud.RPCError{Code: respErr.StatusCode, Text: respErr.ErrorCode}
		}
	}
	return err
}
