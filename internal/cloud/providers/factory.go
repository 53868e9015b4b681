// Package providers picks the chunk transport that serves a descriptor.
package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/cloud/providers/azure"
	"github.com/rescale/rescale-fetch/internal/cloud/providers/httpdc"
	"github.com/rescale/rescale-fetch/internal/cloud/providers/s3"
	"github.com/rescale/rescale-fetch/internal/config"
	"github.com/rescale/rescale-fetch/internal/logging"
	"github.com/rescale/rescale-fetch/internal/models"
)

// Factory builds transports on demand and caches them, so descriptors that
// share an account, bucket or container share connections.
type Factory struct {
	cfg    *config.Config
	logger *logging.Logger

	mu    sync.Mutex
	cache map[string]cloud.Transport
}

// NewFactory creates a provider factory.
func NewFactory(cfg *config.Config, logger *logging.Logger) *Factory {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Factory{cfg: cfg, logger: logger, cache: make(map[string]cloud.Transport)}
}

// TransportFor returns the transport for d.Source.
func (f *Factory) TransportFor(ctx context.Context, d *models.Descriptor) (cloud.Transport, error) {
	if d == nil {
		return nil, fmt.Errorf("descriptor is required")
	}

	var key string
	switch d.Source {
	case models.SourceDatacenter, "":
		key = "dc/" + d.Account
	case models.SourceS3:
		if d.Bucket == "" {
			return nil, fmt.Errorf("s3 descriptor %q has no bucket", d.Locator)
		}
		key = "s3/" + d.Bucket
	case models.SourceAzure:
		if d.Container == "" {
			return nil, fmt.Errorf("azure descriptor %q has no container", d.Locator)
		}
		key = "azure/" + d.Container
	default:
		return nil, fmt.Errorf("unsupported source: %s", d.Source)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.cache[key]; ok {
		return t, nil
	}

	var (
		t   cloud.Transport
		err error
	)
	switch d.Source {
	case models.SourceS3:
		t, err = s3.NewTransport(ctx, f.cfg, d.Bucket, f.logger)
	case models.SourceAzure:
		t, err = azure.NewTransport(f.cfg, d.Container, f.logger)
	default:
		t, err = httpdc.NewTransport(f.cfg, d.Account, f.logger)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s transport: %w", key, err)
	}
	f.logger.Debug().Str("transport", key).Msg("Created transport")
	f.cache[key] = t
	return t, nil
}

// Len reports how many transports have been created.
func (f *Factory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cache)
}
