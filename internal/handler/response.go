package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

// maxJSONBody caps small JSON request bodies (token refresh and the like).
const maxJSONBody = 64 << 10

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("Error encoding response")
	}
}

// writeError writes {"error": msg}. Server-side failures are also logged.
func writeError(w http.ResponseWriter, status int, msg string) {
	if status >= http.StatusInternalServerError {
		log.Error().Int("status", status).Str("error", msg).Msg("Request failed")
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON decodes a single JSON value from the request body, rejecting
// unknown fields and trailing data.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}
