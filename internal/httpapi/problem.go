// Package httpapi is the HTTP surface: it maps verbs and paths onto
// enginestore and webhooksub operations, parses the protocol headers and
// query parameters in §6, and formats RFC 9457 problem-document errors.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/durablestreams/dstreamd/internal/enginestore"
)

// Problem is an RFC 9457 application/problem+json error body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Code     string `json:"code"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// apiError pairs an HTTP status and stable machine code with a
// human-readable title, the taxonomy from §7.
type apiError struct {
	status int
	code   string
	title  string
}

func (e apiError) Error() string { return e.code }

// Errors not already carried as enginestore/webhooksub sentinels.
var (
	errBadRequest          = apiError{http.StatusBadRequest, "BAD_REQUEST", "Bad request"}
	errInvalidOffset       = apiError{http.StatusBadRequest, "INVALID_OFFSET", "Invalid offset"}
	errEmptyBody           = apiError{http.StatusBadRequest, "EMPTY_BODY", "Empty body"}
	errEmptyArray          = apiError{http.StatusBadRequest, "EMPTY_ARRAY", "Empty JSON array"}
	errInvalidJSON         = apiError{http.StatusBadRequest, "INVALID_JSON", "Invalid JSON"}
	errDecompressionFailed = apiError{http.StatusBadRequest, "DECOMPRESSION_FAILED", "Failed to decompress request body"}
	errNotFound            = apiError{http.StatusNotFound, "NOT_FOUND", "Not found"}
	errStreamConflict      = apiError{http.StatusConflict, "STREAM_CONFLICT", "Stream exists with different configuration"}
	errSequenceConflict    = apiError{http.StatusConflict, "SEQUENCE_CONFLICT", "Sequence conflict"}
	errContentTypeMismatch = apiError{http.StatusConflict, "CONTENT_TYPE_MISMATCH", "Content type mismatch"}
	errStreamClosed        = apiError{http.StatusGone, "STREAM_CLOSED", "Stream is closed"}
	errOffsetExpired       = apiError{http.StatusGone, "OFFSET_EXPIRED", "Offset is before the retention window"}
	errPayloadTooLarge     = apiError{http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Payload too large"}
	errUnsupportedEncoding = apiError{http.StatusUnsupportedMediaType, "UNSUPPORTED_ENCODING", "Unsupported Content-Encoding"}
	errRateLimited         = apiError{http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded"}
	errUnavailable         = apiError{http.StatusServiceUnavailable, "UNAVAILABLE", "Service unavailable"}
	errInternal            = apiError{http.StatusInternalServerError, "INTERNAL", "Internal server error"}
)

// translateStoreErr maps an enginestore error to its wire apiError.
func translateStoreErr(err error) apiError {
	switch {
	case errors.Is(err, enginestore.ErrNotFound):
		return errNotFound
	case errors.Is(err, enginestore.ErrStreamConflict):
		return errStreamConflict
	case errors.Is(err, enginestore.ErrSequenceConflict):
		return errSequenceConflict
	case errors.Is(err, enginestore.ErrContentTypeMismatch):
		return errContentTypeMismatch
	case errors.Is(err, enginestore.ErrStreamClosed):
		return errStreamClosed
	case errors.Is(err, enginestore.ErrInvalidOffset):
		return errInvalidOffset
	case errors.Is(err, enginestore.ErrOffsetExpired):
		return errOffsetExpired
	case errors.Is(err, enginestore.ErrEmptyArray):
		return errEmptyArray
	case errors.Is(err, enginestore.ErrEmptyBody):
		return errEmptyBody
	case errors.Is(err, enginestore.ErrInvalidJSON):
		return errInvalidJSON
	case errors.Is(err, enginestore.ErrStaleEpoch), errors.Is(err, enginestore.ErrInvalidEpochSeq), errors.Is(err, enginestore.ErrSequenceGap):
		return apiError{http.StatusConflict, "SEQUENCE_CONFLICT", "Producer sequence conflict"}
	default:
		return errInternal
	}
}

// writeProblem writes err as an RFC 9457 problem document (§6 Error
// bodies). Non-apiError values are treated as internal errors.
func writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	ae, ok := err.(apiError)
	if !ok {
		ae = translateStoreErr(err)
	}
	body := Problem{
		Type:     "/errors/" + strings.ToLower(strings.ReplaceAll(ae.code, "_", "-")),
		Title:    ae.title,
		Status:   ae.status,
		Code:     ae.code,
		Instance: r.URL.Path,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(ae.status)
	json.NewEncoder(w).Encode(body)
}
