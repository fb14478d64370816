package apperr

import (
	"encoding/json"
	"net/http"
	"strconv"

	"marketplace-auth/internal/util"
)

// envelope is the JSON body of every error response
type envelope struct {
	Success           bool   `json:"success"`
	Error             string `json:"error"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
	AttemptsRemaining *int   `json:"attemptsRemaining,omitempty"`
}

// WriteError renders err as the JSON error envelope. Causes are logged for 5xx
// responses and never sent to the client.
func WriteError(w http.ResponseWriter, err error) {
	appErr := From(err)

	msg := appErr.Message
	if appErr.Detail != "" {
		msg = appErr.Detail
	}
	body := envelope{
		Error:             string(appErr.Kind),
		Code:              appErr.Code,
		Message:           msg,
		RetryAfterSeconds: appErr.RetryAfterSeconds(),
		AttemptsRemaining: appErr.AttemptsRemaining,
	}

	if appErr.HTTPStatus >= http.StatusInternalServerError {
		util.Error("Request failed",
			util.String("code", appErr.Code),
			util.Int("status", appErr.HTTPStatus),
			util.ErrorField(appErr.Err),
		)
	}

	if body.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(appErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(body)
}
