package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/draftworks/listing-api/internal/apperror"
	"github.com/draftworks/listing-api/internal/sanitize"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// respondError maps application error codes onto HTTP statuses and never
// leaks credentials through error text.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := apperror.CodeOf(err)
	var ae *apperror.AppError
	if errors.As(err, &ae) {
		status = ae.HTTPStatus()
	}
	respondJSON(w, status, errorResponse{
		Error: sanitize.Error(err),
		Code:  string(code),
	})
}
