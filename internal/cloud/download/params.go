package download

import (
	"fmt"
	"time"

	"github.com/rescale/rescale-fetch/internal/config"
	"github.com/rescale/rescale-fetch/internal/constants"
	encryption "github.com/rescale/rescale-fetch/internal/crypto"
	"github.com/rescale/rescale-fetch/internal/models"
)

// Params is everything an engine needs to know about one transfer. It is
// immutable once the engine is created.
type Params struct {
	Account string
	Locator string
	DC      int
	Total   int64 // plaintext size, 0 when unknown

	ChunkSize         int64
	FallbackChunkSize int64
	MaxConcurrent     int

	Scheme encryption.Scheme
	Key    []byte
	IV     []byte

	Priority int64 // initial seek hint, -1 for none
	Preload  bool
	AllowCdn bool

	Destination string
	TempPath    string

	CdnWindowSize     int64
	PreloadBudget     int64
	PreloadHeadWindow int64
	SidecarDebounce   time.Duration
	RenameRetries     int
	RenameRetryDelay  time.Duration
}

// NewParams derives engine parameters from a descriptor and the loaded
// configuration. Background transfers, big files and the big-chunk
// experiment flag all select the big chunk size and raised concurrency.
func NewParams(d *models.Descriptor, cfg *config.Config) (Params, error) {
	if err := d.Validate(); err != nil {
		return Params{}, err
	}
	scheme, err := d.CipherScheme()
	if err != nil {
		return Params{}, err
	}
	key, iv, err := d.KeyMaterial()
	if err != nil {
		return Params{}, err
	}

	big := d.Background || cfg.BigChunks || d.Size >= constants.BigTransferThreshold
	chunk := int64(cfg.ChunkSize)
	concurrent := cfg.MaxConcurrent
	if big {
		chunk = int64(cfg.BigChunkSize)
		concurrent = cfg.MaxConcurrentBig
	}
	if d.ChunkSize > 0 {
		chunk = int64(d.ChunkSize)
	}

	p := Params{
		Account:           d.Account,
		Locator:           d.Locator,
		DC:                d.DC,
		Total:             d.Size,
		ChunkSize:         chunk,
		FallbackChunkSize: min(int64(cfg.FallbackChunkSize), chunk),
		MaxConcurrent:     concurrent,
		Scheme:            scheme,
		Key:               key,
		IV:                iv,
		Priority:          d.PriorityOffset(),
		Preload:           d.Preload,
		AllowCdn:          d.Source == models.SourceDatacenter && !d.Preload,
		Destination:       d.Destination,
		TempPath:          cfg.StagingPath(d.Destination, constants.TempSuffix),
		CdnWindowSize:     cfg.CdnWindowSize,
		PreloadBudget:     cfg.PreloadBudget,
		PreloadHeadWindow: cfg.PreloadHeadWindow,
		SidecarDebounce:   cfg.SidecarDebounce,
		RenameRetries:     cfg.RenameRetries,
		RenameRetryDelay:  constants.RenameRetryDelay,
	}
	return p, p.validate()
}

func (p *Params) validate() error {
	if p.Locator == "" || p.Destination == "" || p.TempPath == "" {
		return fmt.Errorf("locator, destination and temp path are required")
	}
	if p.ChunkSize <= 0 || p.ChunkSize%16 != 0 {
		return fmt.Errorf("chunk size %d must be a positive multiple of 16", p.ChunkSize)
	}
	if p.FallbackChunkSize <= 0 || p.FallbackChunkSize%16 != 0 {
		return fmt.Errorf("fallback chunk size %d must be a positive multiple of 16", p.FallbackChunkSize)
	}
	if p.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent must be at least 1")
	}
	if p.Scheme == encryption.SchemeOrdered && p.Total <= 0 {
		return fmt.Errorf("ordered scheme requires a known size")
	}
	if p.Scheme != encryption.SchemeNone && (len(p.Key) != encryption.KeySize || len(p.IV) != encryption.IVSize) {
		return fmt.Errorf("encrypted transfer requires a %d-byte key and %d-byte iv", encryption.KeySize, encryption.IVSize)
	}
	if p.Preload {
		if p.Total <= 0 {
			return fmt.Errorf("preload requires a known size")
		}
		if p.Scheme == encryption.SchemeOrdered {
			return fmt.Errorf("preload cannot decode the ordered scheme out of order")
		}
	}
	if p.AllowCdn && (p.CdnWindowSize <= 0 || p.CdnWindowSize%16 != 0) {
		return fmt.Errorf("cdn window size %d must be a positive multiple of 16", p.CdnWindowSize)
	}
	if p.RenameRetries < 1 {
		p.RenameRetries = 1
	}
	return nil
}

// bound is the size of the byte space requests are made in. The ordered
// scheme transfers the padded ciphertext.
func (p *Params) bound() int64 {
	if p.Scheme == encryption.SchemeOrdered {
		return encryption.PaddedSize(p.Total)
	}
	return p.Total
}
