package httpdc

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/rescale/rescale-fetch/internal/cloud"
	encryption "github.com/rescale/rescale-fetch/internal/crypto"
)

// Content types that turn a 200 response into something other than data.
const (
	ContentTypeData     = "application/octet-stream"
	ContentTypeRedirect = "application/vnd.rescale-fetch.redirect+json"
	ContentTypeReupload = "application/vnd.rescale-fetch.reupload+json"
	ContentTypeError    = "application/json"
)

// Header names
const (
	HeaderRequestToken = "X-Request-Token"
	HeaderAccount      = "X-Account"
)

type errorBody struct {
	Code int    `json:"code"`
	Text string `json:"text"`
}

type hashBody struct {
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	SHA256 string `json:"sha256"` // hex
}

type redirectBody struct {
	DC        int        `json:"dc"`
	FileToken string     `json:"file_token"` // base64
	Key       string     `json:"key"`        // base64
	IV        string     `json:"iv"`         // base64
	Hashes    []hashBody `json:"hashes"`
}

type reuploadBody struct {
	RequestToken string `json:"request_token"` // base64
}

type reuploadRequest struct {
	FileToken    string `json:"file_token"`
	RequestToken string `json:"request_token"`
}

type hashesBody struct {
	Hashes []hashBody `json:"hashes"`
}

func decodeHashes(in []hashBody) ([]cloud.WindowHash, error) {
	out := make([]cloud.WindowHash, 0, len(in))
	for _, h := range in {
		raw, err := hex.DecodeString(h.SHA256)
		if err != nil || len(raw) != len(encryption.Digest{}) {
			return nil, fmt.Errorf("invalid digest for window %d", h.Offset)
		}
		if h.Offset < 0 || h.Length <= 0 {
			return nil, fmt.Errorf("invalid window [%d,+%d)", h.Offset, h.Length)
		}
		wh := cloud.WindowHash{Offset: h.Offset, Length: h.Length}
		copy(wh.Digest[:], raw)
		out = append(out, wh)
	}
	return out, nil
}

func encodeHashes(in []cloud.WindowHash) []hashBody {
	out := make([]hashBody, 0, len(in))
	for _, h := range in {
		out = append(out, hashBody{Offset: h.Offset, Length: h.Length, SHA256: hex.EncodeToString(h.Digest[:])})
	}
	return out
}

func (b *redirectBody) decode() (*cloud.Redirect, error) {
	if b.DC <= 0 {
		return nil, fmt.Errorf("redirect without dc")
	}
	token, err := base64.StdEncoding.DecodeString(b.FileToken)
	if err != nil || len(token) == 0 {
		return nil, fmt.Errorf("redirect with invalid file token")
	}
	key, err := base64.StdEncoding.DecodeString(b.Key)
	if err != nil || len(key) != encryption.KeySize {
		return nil, fmt.Errorf("redirect with invalid key")
	}
	iv, err := base64.StdEncoding.DecodeString(b.IV)
	if err != nil || len(iv) != encryption.IVSize {
		return nil, fmt.Errorf("redirect with invalid iv")
	}
	hashes, err := decodeHashes(b.Hashes)
	if err != nil {
		return nil, err
	}
	return &cloud.Redirect{DC: b.DC, FileToken: token, Key: key, IV: iv, Hashes: hashes}, nil
}

// EncodeRedirect renders r as the JSON body a datacenter sends.
func EncodeRedirect(r *cloud.Redirect) ([]byte, error) {
	return json.Marshal(redirectBody{
		DC:        r.DC,
		FileToken: base64.StdEncoding.EncodeToString(r.FileToken),
		Key:       base64.StdEncoding.EncodeToString(r.Key),
		IV:        base64.StdEncoding.EncodeToString(r.IV),
		Hashes:    encodeHashes(r.Hashes),
	})
}

// EncodeHashes renders a digest table response body.
func EncodeHashes(hashes []cloud.WindowHash) ([]byte, error) {
	return json.Marshal(hashesBody{Hashes: encodeHashes(hashes)})
}
