// Package handlers implements the HTTP API handlers for the orchestration
// engine: system lifecycle, daemon lifecycle, code updates, and access
// credential issuance.
package handlers

import (
	"encoding/json"
	"net/http"

	derrors "github.com/undergrid/hell/internal/foundation/errors"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return derrors.ValidationError("request body is required").Build()
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return derrors.WrapError(err, derrors.CategoryValidation, "invalid request body").Build()
	}
	return nil
}
