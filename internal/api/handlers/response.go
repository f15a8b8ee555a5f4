// Package handlers provides HTTP handlers for the intake API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Issues any    `json:"issues,omitempty"`
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("encode response failed", zap.Error(err))
	}
}

func jsonError(w http.ResponseWriter, logger *zap.Logger, message string, code int) {
	writeJSON(w, logger, code, ErrorResponse{Error: message})
}

// readBody reads the whole request body. It reports whether the body
// exceeded the configured limit.
func readBody(r *http.Request) ([]byte, bool, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		return nil, errors.As(err, &tooLarge), err
	}
	return body, false, nil
}

// decodeJSON decodes a small JSON command body.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
