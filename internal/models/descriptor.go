// Package models holds the documents exchanged between the CLI and the engine.
package models

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	encryption "github.com/rescale/rescale-fetch/internal/crypto"
)

// SourceKind selects the transport that serves a descriptor.
type SourceKind string

const (
	SourceDatacenter SourceKind = "dc"
	SourceS3         SourceKind = "s3"
	SourceAzure      SourceKind = "azure"
)

// Descriptor describes one remote object to fetch. It is immutable once the
// transfer starts.
//
// Example:
//
//	locator: "8c1e0c6a/movie.mp4"
//	source: dc
//	dc: 2
//	size: 734003200
//	destination: ./movie.mp4
//	encrypted: true
//	key: "base64..."
//	iv: "base64..."
type Descriptor struct {
	Account     string     `yaml:"account,omitempty"`
	Locator     string     `yaml:"locator"`
	Source      SourceKind `yaml:"source,omitempty"`
	DC          int        `yaml:"dc,omitempty"`
	Bucket      string     `yaml:"bucket,omitempty"`    // s3
	Container   string     `yaml:"container,omitempty"` // azure
	Size        int64      `yaml:"size,omitempty"`      // 0 = unknown until the first short response
	ChunkSize   int        `yaml:"chunk_size,omitempty"`
	Destination string     `yaml:"destination"`
	Encrypted   bool       `yaml:"encrypted,omitempty"`
	Scheme      string     `yaml:"scheme,omitempty"` // "ordered" (default when encrypted) or "offset"
	Key         string     `yaml:"key,omitempty"`
	IV          string     `yaml:"iv,omitempty"`
	Preload     bool       `yaml:"preload,omitempty"`
	Background  bool       `yaml:"background,omitempty"`
	Priority    *int64     `yaml:"priority,omitempty"`
}

// LoadDescriptors reads every YAML document in path.
func LoadDescriptors(path string) ([]*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open descriptor file: %w", err)
	}
	defer f.Close()
	return DecodeDescriptors(f)
}

// DecodeDescriptors reads a stream of YAML documents separated by "---".
func DecodeDescriptors(r io.Reader) ([]*Descriptor, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var out []*Descriptor
	for i := 0; ; i++ {
		var d Descriptor
		err := dec.Decode(&d)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("descriptor %d: %w", i, err)
		}
		d.applyDefaults()
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("descriptor %d (%s): %w", i, d.Locator, err)
		}
		out = append(out, &d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no descriptors found")
	}
	return out, nil
}

// Marshal renders d as a YAML document.
func (d *Descriptor) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}

func (d *Descriptor) applyDefaults() {
	if d.Source == "" {
		d.Source = SourceDatacenter
	}
	d.Source = SourceKind(strings.ToLower(string(d.Source)))
	if d.Encrypted && d.Scheme == "" {
		d.Scheme = encryption.SchemeOrdered.String()
	}
}

// Validate checks the descriptor is usable.
func (d *Descriptor) Validate() error {
	if d.Locator == "" {
		return fmt.Errorf("locator is required")
	}
	if d.Destination == "" {
		return fmt.Errorf("destination is required")
	}
	if d.Size < 0 {
		return fmt.Errorf("size must not be negative")
	}
	if d.ChunkSize < 0 || d.ChunkSize%16 != 0 {
		return fmt.Errorf("chunk_size must be a positive multiple of 16")
	}

	switch d.Source {
	case SourceDatacenter:
		if d.DC <= 0 {
			return fmt.Errorf("dc is required for source %q", d.Source)
		}
	case SourceS3:
		if d.Bucket == "" {
			return fmt.Errorf("bucket is required for source %q", d.Source)
		}
	case SourceAzure:
		if d.Container == "" {
			return fmt.Errorf("container is required for source %q", d.Source)
		}
	default:
		return fmt.Errorf("unknown source %q", d.Source)
	}

	if !d.Encrypted {
		if d.Key != "" || d.IV != "" {
			return fmt.Errorf("key material given for an unencrypted object")
		}
		return nil
	}

	scheme, err := d.CipherScheme()
	if err != nil {
		return err
	}
	if scheme == encryption.SchemeOrdered && d.Size == 0 {
		return fmt.Errorf("ordered scheme requires size")
	}
	if _, _, err := d.KeyMaterial(); err != nil {
		return err
	}
	return nil
}

// CipherScheme returns the codec the descriptor's key material selects.
func (d *Descriptor) CipherScheme() (encryption.Scheme, error) {
	if !d.Encrypted {
		return encryption.SchemeNone, nil
	}
	switch d.Scheme {
	case "", encryption.SchemeOrdered.String():
		return encryption.SchemeOrdered, nil
	case encryption.SchemeOffset.String():
		return encryption.SchemeOffset, nil
	default:
		return encryption.SchemeNone, fmt.Errorf("unknown scheme %q", d.Scheme)
	}
}

// KeyMaterial decodes the base64 key and IV.
func (d *Descriptor) KeyMaterial() (key, iv []byte, err error) {
	if !d.Encrypted {
		return nil, nil, nil
	}
	key, err = encryption.DecodeBase64(d.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid key: %w", err)
	}
	if len(key) != encryption.KeySize {
		return nil, nil, fmt.Errorf("key must be %d bytes, got %d", encryption.KeySize, len(key))
	}
	iv, err = encryption.DecodeBase64(d.IV)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid iv: %w", err)
	}
	if len(iv) != encryption.IVSize {
		return nil, nil, fmt.Errorf("iv must be %d bytes, got %d", encryption.IVSize, len(iv))
	}
	return key, iv, nil
}

// PriorityOffset returns the seek hint, or -1 when none is set.
func (d *Descriptor) PriorityOffset() int64 {
	if d.Priority == nil {
		return -1
	}
	return *d.Priority
}
