// Package apperr defines the error taxonomy shared by the token lifecycle and
// every provider integration endpoint. Each error carries a machine-readable
// Kind so callers can tell "reconnect your account" apart from "the system is
// broken".
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the discriminator rendered to clients as error.code.
type Kind string

const (
	KindValidation              Kind = "VALIDATION_ERROR"
	KindAuthenticationRequired  Kind = "AUTHENTICATION_REQUIRED"
	KindNotConnected            Kind = "NOT_CONNECTED"
	KindReauthorizationRequired Kind = "REAUTHORIZATION_REQUIRED"
	KindUpstream                Kind = "UPSTREAM_PROVIDER_ERROR"
	KindPersistence             Kind = "PERSISTENCE_ERROR"
	KindInternal                Kind = "INTERNAL_ERROR"
)

// Error is a classified application error.
type Error struct {
	Kind     Kind
	Message  string
	Provider string
	// UpstreamStatus is the provider's HTTP status for KindUpstream, 0 when
	// the call never produced a response.
	UpstreamStatus int
	Err            error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.Provider != "" {
		msg += " (provider=" + e.Provider + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status maps the error kind to an HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthenticationRequired, KindNotConnected, KindReauthorizationRequired:
		return http.StatusUnauthorized
	case KindUpstream:
		if e.UpstreamStatus == http.StatusTooManyRequests {
			return http.StatusTooManyRequests
		}
		return http.StatusBadGateway
	case KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Validation reports a request that is missing or carries malformed fields.
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// Validationf is Validation with formatting.
func Validationf(format string, args ...any) *Error {
	return Validation(fmt.Sprintf(format, args...))
}

// AuthenticationRequired reports that the acting portal user could not be resolved.
func AuthenticationRequired() *Error {
	return &Error{Kind: KindAuthenticationRequired, Message: "acting user email is required"}
}

// NotConnected reports that no token record exists for the user and provider.
func NotConnected(provider string) *Error {
	return &Error{
		Kind:     KindNotConnected,
		Message:  fmt.Sprintf("connect your %s account", provider),
		Provider: provider,
	}
}

// Reauthorization reports that a record exists but can no longer be used.
func Reauthorization(provider string, cause error) *Error {
	return &Error{
		Kind:     KindReauthorizationRequired,
		Message:  fmt.Sprintf("reconnect your %s account", provider),
		Provider: provider,
		Err:      cause,
	}
}

// Upstream reports a provider failure unrelated to authorization.
func Upstream(provider string, status int, cause error) *Error {
	msg := fmt.Sprintf("%s request failed", provider)
	if status > 0 {
		msg = fmt.Sprintf("%s request failed with status %d", provider, status)
	}
	return &Error{
		Kind:           KindUpstream,
		Message:        msg,
		Provider:       provider,
		UpstreamStatus: status,
		Err:            cause,
	}
}

// Persistence reports that the token store backend failed.
func Persistence(op string, cause error) *Error {
	return &Error{
		Kind:    KindPersistence,
		Message: "token store unavailable during " + op,
		Err:     cause,
	}
}

// KindOf returns the kind of err, KindInternal for unclassified errors and ""
// for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus returns the HTTP status code for err.
func HTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Status()
	}
	return http.StatusInternalServerError
}
