package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"marketplace-auth/internal/apperr"
	"marketplace-auth/internal/util"
)

// maxJSONBody bounds bodies on routes that do not pass through the authorization pipeline
const maxJSONBody = 64 * 1024

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		util.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError maps err onto the error envelope
func respondWithError(w http.ResponseWriter, err error) {
	apperr.WriteError(w, err)
}

// decodeJSON reads one JSON object from the request body
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apperr.ErrValidation.WithDetail("request body too large")
		case errors.Is(err, io.EOF):
			return apperr.ErrValidation.WithDetail("request body is required")
		default:
			return apperr.ErrValidation.WithDetail("request body must be valid JSON")
		}
	}
	return nil
}
