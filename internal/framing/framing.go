// Package framing handles the mapping between a stream's normalized content
// type and the bytes that are actually stored and served: content-type
// matching on append, JSON batch validation/flattening, and JSON array
// wrapping on read.
package framing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strings"
)

// DefaultContentType is what an append/create with no Content-Type header
// inherits.
const DefaultContentType = "application/octet-stream"

var (
	// ErrEmptyBody is returned when an append carries no body and the
	// stream requires one (non-JSON, or JSON without array semantics).
	ErrEmptyBody = errors.New("framing: empty body")
	// ErrEmptyArray is returned when a JSON append's top-level value is
	// an empty array; only stream creation may pass an empty array.
	ErrEmptyArray = errors.New("framing: empty JSON array")
	// ErrInvalidJSON is returned when a JSON stream receives a body that
	// does not parse as JSON.
	ErrInvalidJSON = errors.New("framing: invalid JSON")
)

// Normalize strips parameters from a Content-Type header value and
// lowercases the bare MIME type. An empty input normalizes to
// DefaultContentType.
func Normalize(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return DefaultContentType
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		// Not well-formed per RFC 2045; fall back to a simple split on
		// ';' so a slightly malformed header is still usable rather than
		// rejected outright — the store layer is responsible for
		// rejecting true mismatches.
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	return strings.ToLower(mediaType)
}

// IsJSON reports whether a normalized content type should be treated as a
// JSON stream for framing purposes.
func IsJSON(normalizedContentType string) bool {
	return normalizedContentType == "application/json" ||
		strings.HasSuffix(normalizedContentType, "+json")
}

// Matches reports whether a caller-supplied Content-Type (possibly empty)
// is compatible with a stream's normalized content type. An empty caller
// type always matches (it inherits the stream's type).
func Matches(streamContentType, callerContentType string) bool {
	if strings.TrimSpace(callerContentType) == "" {
		return true
	}
	return Normalize(callerContentType) == streamContentType
}

// Split breaks an append body for a JSON stream into the individual
// messages it represents: a top-level JSON array is flattened one level
// (each element becomes a separate message, nested arrays are preserved
// untouched inside their element); any other JSON value is a single
// message. allowEmptyArray permits a `[]` body to produce zero messages
// (used on stream creation); otherwise an empty array is EmptyArray.
func Split(body []byte, allowEmptyArray bool) ([][]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ErrEmptyBody
	}
	var raw json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if trimmed[0] != '[' {
		return [][]byte{trimmed}, nil
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(trimmed, &elements); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if len(elements) == 0 {
		if allowEmptyArray {
			return nil, nil
		}
		return nil, ErrEmptyArray
	}
	out := make([][]byte, len(elements))
	for i, el := range elements {
		out[i] = []byte(el)
	}
	return out, nil
}

// WrapJSON concatenates a sequence of stored JSON message bodies into a
// single valid JSON array document, producing "[]" for zero messages.
func WrapJSON(messages [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, m := range messages {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(bytes.TrimSpace(m))
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// Concat joins a sequence of stored non-JSON message bodies verbatim, the
// read-side framing for raw content types.
func Concat(messages [][]byte) []byte {
	var buf bytes.Buffer
	for _, m := range messages {
		buf.Write(m)
	}
	return buf.Bytes()
}
