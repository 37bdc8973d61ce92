package api

import (
	"bytes"
	"io"
	"net/http"

	"github.com/klauspost/compress/gzip"
)

// decodeUpstreamBody strips gzip transport compression from an upstream
// response body so the bytes this package re-serves are plain JSON. headers.go
// drops Content-Length/Content-Encoding from relayed headers for the same
// reason: the proxy recomputes both rather than relaying upstream's.
func decodeUpstreamBody(resp *http.Response) ([]byte, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		zr, zerr := gzip.NewReader(bytes.NewReader(raw))
		if zerr != nil {
			return raw, nil
		}
		defer zr.Close()
		decoded, rerr := io.ReadAll(zr)
		if rerr != nil {
			return raw, nil
		}
		return decoded, nil
	default:
		return raw, nil
	}
}
