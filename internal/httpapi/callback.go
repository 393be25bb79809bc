package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/durablestreams/dstreamd/internal/webhooksub"
)

// handleCallback implements POST /callback/<consumer_id> (§4.7, §6).
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request, consumerID string) {
	if s.manager == nil {
		writeProblem(w, r, errUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		writeProblem(w, r, apiError{http.StatusMethodNotAllowed, "BAD_REQUEST", "Method not allowed"})
		return
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == r.Header.Get("Authorization") {
		// No "Bearer " prefix was present.
		writeCallbackError(w, webhooksub.ErrCodeTokenInvalid, "missing bearer token")
		return
	}

	body, err := readRequestBody(r)
	if err != nil {
		writeCallbackError(w, webhooksub.ErrCodeInvalidRequest, "could not read body")
		return
	}
	var req webhooksub.CallbackRequest
	if len(body) > 0 {
		if jsonErr := json.Unmarshal(body, &req); jsonErr != nil {
			writeCallbackError(w, webhooksub.ErrCodeInvalidRequest, "malformed JSON body")
			return
		}
	}

	result := s.manager.HandleCallback(consumerID, token, req)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.Status)
	if result.Success != nil {
		json.NewEncoder(w).Encode(result.Success)
		return
	}
	json.NewEncoder(w).Encode(result.Err)
}

func writeCallbackError(w http.ResponseWriter, code, message string) {
	status := webhooksub.ErrorCodeToHTTPStatus[code]
	if status == 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(webhooksub.CallbackError{
		OK:    false,
		Error: webhooksub.CallbackErrBody{Code: code, Message: message},
	})
}
