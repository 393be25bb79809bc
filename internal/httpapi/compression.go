package httpapi

import (
	"bytes"
	"compress/flate"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// compressionThreshold is the minimum response body size before the
// server bothers compressing (§6 Compression: "responses above a
// threshold").
const compressionThreshold = 512

// decodeRequestBody transparently decompresses a request body per its
// Content-Encoding header (§6: "the core decompresses before validation").
// An unrecognized encoding is UNSUPPORTED_ENCODING; a body that claims an
// encoding but fails to decode is DECOMPRESSION_FAILED.
func decodeRequestBody(r *http.Request) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding")))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errBadRequest
	}
	switch encoding {
	case "", "identity":
		return body, nil
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, errDecompressionFailed
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, errDecompressionFailed
		}
		return out, nil
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		out, err := io.ReadAll(fr)
		if err != nil {
			return nil, errDecompressionFailed
		}
		return out, nil
	default:
		return nil, errUnsupportedEncoding
	}
}

// responseEncoder wraps w so that, if the client's Accept-Encoding permits
// it and the eventual body is large enough, the response is transparently
// compressed. The caller must call Close when done writing.
type responseEncoder struct {
	http.ResponseWriter
	encoding   string
	gz         *gzip.Writer
	fl         *flate.Writer
	buf        []byte
	statusCode int
}

// newResponseEncoder inspects Accept-Encoding and buffers the body so the
// compression decision (§6 "above a threshold") can be made once the full
// size is known.
func newResponseEncoder(w http.ResponseWriter, acceptEncoding string) *responseEncoder {
	enc := negotiateEncoding(acceptEncoding)
	return &responseEncoder{ResponseWriter: w, encoding: enc, statusCode: http.StatusOK}
}

func negotiateEncoding(acceptEncoding string) string {
	lower := strings.ToLower(acceptEncoding)
	switch {
	case strings.Contains(lower, "gzip"):
		return "gzip"
	case strings.Contains(lower, "deflate"):
		return "deflate"
	default:
		return ""
	}
}

// Write buffers body bytes; compression is applied in Flush.
func (e *responseEncoder) Write(p []byte) (int, error) {
	e.buf = append(e.buf, p...)
	return len(p), nil
}

// WriteHeader buffers the status code instead of sending it immediately:
// whether Content-Encoding ends up set depends on the buffered body size,
// which isn't known until Flush, and headers must be written together with
// the status line.
func (e *responseEncoder) WriteHeader(statusCode int) {
	e.statusCode = statusCode
}

// Flush writes the buffered status, headers, and body, compressed if the
// body is both large enough and the client accepts the chosen encoding.
func (e *responseEncoder) Flush() error {
	if e.encoding == "" || len(e.buf) < compressionThreshold {
		e.ResponseWriter.WriteHeader(e.statusCode)
		_, err := e.ResponseWriter.Write(e.buf)
		return err
	}
	e.Header().Set("Content-Encoding", e.encoding)
	e.Header().Del("Content-Length")
	e.ResponseWriter.WriteHeader(e.statusCode)
	switch e.encoding {
	case "gzip":
		gw := gzip.NewWriter(e.ResponseWriter)
		if _, err := gw.Write(e.buf); err != nil {
			return err
		}
		return gw.Close()
	case "deflate":
		fw, err := flate.NewWriter(e.ResponseWriter, flate.DefaultCompression)
		if err != nil {
			return err
		}
		if _, err := fw.Write(e.buf); err != nil {
			return err
		}
		return fw.Close()
	default:
		_, err := e.ResponseWriter.Write(e.buf)
		return err
	}
}
