package download

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/cloud/cdn"
	"github.com/rescale/rescale-fetch/internal/config"
	"github.com/rescale/rescale-fetch/internal/constants"
	"github.com/rescale/rescale-fetch/internal/diskspace"
	"github.com/rescale/rescale-fetch/internal/models"
)

func TestNewParamsChunking(t *testing.T) {
	tests := []struct {
		name       string
		desc       models.Descriptor
		bigChunks  bool
		chunk      int64
		concurrent int
		allowCdn   bool
	}{
		{"small", models.Descriptor{Size: 1000}, false, constants.DefaultChunkSize, constants.DefaultMaxConcurrent, true},
		{"big file", models.Descriptor{Size: constants.BigTransferThreshold}, false, constants.BigChunkSize, constants.BigMaxConcurrent, true},
		{"background", models.Descriptor{Size: 1000, Background: true}, false, constants.BigChunkSize, constants.BigMaxConcurrent, true},
		{"experiment flag", models.Descriptor{Size: 1000}, true, constants.BigChunkSize, constants.BigMaxConcurrent, true},
		{"explicit chunk", models.Descriptor{Size: 1000, ChunkSize: 4096}, false, 4096, constants.DefaultMaxConcurrent, true},
		{"preload", models.Descriptor{Size: 1000, Preload: true}, false, constants.DefaultChunkSize, constants.DefaultMaxConcurrent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.desc
			d.Locator, d.Destination, d.Source, d.DC = "file-1", "/tmp/out.bin", models.SourceDatacenter, 2
			cfg := config.Default()
			cfg.BigChunks = tt.bigChunks

			p, err := NewParams(&d, cfg)
			if err != nil {
				t.Fatalf("NewParams failed: %v", err)
			}
			if p.ChunkSize != tt.chunk || p.MaxConcurrent != tt.concurrent || p.AllowCdn != tt.allowCdn {
				t.Errorf("chunk=%d concurrent=%d allowCdn=%v", p.ChunkSize, p.MaxConcurrent, p.AllowCdn)
			}
			if p.TempPath != "/tmp/out.bin"+constants.TempSuffix || p.Priority != -1 {
				t.Errorf("temp=%s priority=%d", p.TempPath, p.Priority)
			}
			if p.FallbackChunkSize > p.ChunkSize {
				t.Errorf("fallback %d larger than chunk %d", p.FallbackChunkSize, p.ChunkSize)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want FailReason
	}{
		{errors.New("boom"), FailDefault},
		{ErrCanceled, FailCanceled},
		{fmt.Errorf("wrapped: %w", ErrAlreadyExists), FailAlreadyExists},
		{&diskspace.InsufficientSpaceError{Path: "/x", Need: 10, Free: 1}, FailOutOfSpace},
		{fmt.Errorf("%w: 21", ErrTransientLimit), FailRetryLimitExceeded},
		{fmt.Errorf("http: %w", cloud.ErrRetryLimit), FailRetryLimitExceeded},
		{fmt.Errorf("%w: window", cdn.ErrDigestMismatch), FailDefault},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
	if FailRetryLimitExceeded.String() != "retry-limit-exceeded" || FailOutOfSpace.String() != "out-of-space" {
		t.Error("unexpected reason strings")
	}
}
