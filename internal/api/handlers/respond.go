// Package handlers implements the portal HTTP endpoints. Each constructor
// returns an http.HandlerFunc closed over its dependencies.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/pysugar/portal-connect/internal/api/middleware"
	"github.com/pysugar/portal-connect/internal/apperr"
	"github.com/pysugar/portal-connect/internal/logging"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type errorDetail struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders err as {"error":{"code","message","provider"}}.
// Unclassified errors are logged and reported as INTERNAL_ERROR without
// their detail.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	body := errorBody{Error: errorDetail{
		Code:    string(apperr.KindInternal),
		Message: "internal error",
	}}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		body.Error.Code = string(appErr.Kind)
		body.Error.Message = appErr.Message
		body.Error.Provider = appErr.Provider
	}

	log := logging.FromContext(r.Context())
	switch {
	case status >= 500:
		log.Error("request failed", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	case status == http.StatusUnauthorized:
		log.Info("request needs authorization", zap.String("path", r.URL.Path), zap.String("code", body.Error.Code))
	}
	WriteJSON(w, status, body)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is required")
		}
		return apperr.Validationf("invalid JSON body: %v", err)
	}
	return nil
}

func actingUser(r *http.Request) (string, error) {
	if email := middleware.UserFromContext(r.Context()); email != "" {
		return email, nil
	}
	return "", apperr.AuthenticationRequired()
}
