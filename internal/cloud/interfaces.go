// Package cloud defines the transport contract the transfer engine consumes.
// A Transport fetches one chunk of a remote object per call; connection
// reuse, authentication and socket-level retries are the transport's own
// business.
package cloud

import (
	"context"

	encryption "github.com/rescale/rescale-fetch/internal/crypto"
)

// ConnectionClass groups connections for ReleaseConnections hints.
type ConnectionClass int

const (
	ConnectionDownload ConnectionClass = iota
	ConnectionPreload
	ConnectionCdn
)

func (c ConnectionClass) String() string {
	switch c {
	case ConnectionPreload:
		return "preload"
	case ConnectionCdn:
		return "cdn"
	default:
		return "download"
	}
}

// CdnTarget addresses a chunk on a CDN endpoint instead of the primary one.
type CdnTarget struct {
	DC        int
	FileToken []byte
}

// ChunkRequest asks for Limit bytes at Offset.
type ChunkRequest struct {
	Token    string // per-request id, used for logging and cancellation tracking
	Locator  string // opaque remote object id
	DC       int    // primary datacenter
	Offset   int64
	Limit    int64
	AllowCdn bool       // the server may answer with a Redirect
	Cdn      *CdnTarget // non-nil: fetch from the CDN session endpoint
}

// WindowHash is the server-declared digest of [Offset, Offset+Length).
type WindowHash struct {
	Offset int64
	Length int64
	Digest encryption.Digest
}

// Redirect tells the client to fetch the object from a CDN endpoint with its
// own counter-mode key.
type Redirect struct {
	DC        int
	FileToken []byte
	Key       []byte
	IV        []byte
	Hashes    []WindowHash
}

// ChunkResult carries exactly one of Data, Redirect or ReuploadToken.
type ChunkResult struct {
	Data          []byte
	Redirect      *Redirect
	ReuploadToken []byte // CDN does not have the file; ask the origin to push it
}

// Transport fetches chunks. Cancelling ctx cancels the request.
type Transport interface {
	FetchChunk(ctx context.Context, req *ChunkRequest) (*ChunkResult, error)
}

// CdnTransport is implemented by transports whose primary endpoint can
// redirect to a CDN. Both calls go to the primary datacenter dc.
type CdnTransport interface {
	ReuploadCdnFile(ctx context.Context, dc int, fileToken, requestToken []byte) ([]WindowHash, error)
	FetchCdnHashes(ctx context.Context, dc int, fileToken []byte, offset int64) ([]WindowHash, error)
}

// ConnectionReleaser is an optional hint that a burst of requests against
// dc is over.
type ConnectionReleaser interface {
	ReleaseConnections(dc int, class ConnectionClass)
}
