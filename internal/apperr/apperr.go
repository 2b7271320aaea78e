package apperr

import (
	"context"
	"errors"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

// Stable error codes surfaced to callers.
const (
	CodeAuthentication      = "AUTHENTICATION_FAILED"
	CodeAuthorization       = "AUTHORIZATION_DENIED"
	CodeConflict            = "CONFLICT"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeExternalService     = "EXTERNAL_SERVICE_ERROR"
	CodeValidation          = "VALIDATION_FAILED"
	CodeNotFound            = "NOT_FOUND"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInternal            = "INTERNAL_ERROR"
)

// Reasons attached as metadata. They refine a code without changing it.
const (
	ReasonMalformed          = "malformed"
	ReasonSignatureInvalid   = "signature_invalid"
	ReasonExpired            = "expired"
	ReasonWrongType          = "wrong_type"
	ReasonRefreshReused      = "refresh_reused"
	ReasonInvalidCredentials = "invalid_credentials"
	ReasonDuplicateEmail     = "duplicate_email"
	ReasonDuplicateIdentity  = "duplicate_identity"
	ReasonTimeout            = "timeout"
	ReasonInvalidState       = "invalid_state"
	ReasonUpstream           = "upstream_error"
)

const reasonKey = "reason"

func build(message string, category goerrors.Category, status int, code, reason string) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(status).
		WithTextCode(code)
	if reason != "" {
		err = err.WithMetadata(map[string]any{reasonKey: reason})
	}
	return err
}

func wrap(source error, category goerrors.Category, status int, code, reason, message string) *goerrors.Error {
	if source == nil {
		return build(message, category, status, code, reason)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(status).
		WithTextCode(code)
	if reason != "" {
		err = err.WithMetadata(map[string]any{reasonKey: reason})
	}
	return err
}

// Authentication covers bad credentials and invalid or expired tokens.
func Authentication(reason, message string) error {
	return build(message, goerrors.CategoryAuth, http.StatusUnauthorized, CodeAuthentication, reason)
}

// InvalidCredentials is the single undifferentiated login failure.
func InvalidCredentials() error {
	return Authentication(ReasonInvalidCredentials, "invalid email or password")
}

func Authorization(message string) error {
	return build(message, goerrors.CategoryAuthz, http.StatusForbidden, CodeAuthorization, "")
}

func Conflict(reason, message string) error {
	return build(message, goerrors.CategoryConflict, http.StatusConflict, CodeConflict, reason)
}

func InsufficientCredits(message string) error {
	return build(message, goerrors.CategoryOperation, http.StatusPaymentRequired, CodeInsufficientCredits, "")
}

// External marks a failure of the identity or billing provider. It is the only
// retryable kind.
func External(source error, reason, message string) error {
	return wrap(source, goerrors.CategoryExternal, http.StatusBadGateway, CodeExternalService, reason, message)
}

func Validation(message string) error {
	return build(message, goerrors.CategoryValidation, http.StatusBadRequest, CodeValidation, "")
}

func NotFound(message string) error {
	return build(message, goerrors.CategoryNotFound, http.StatusNotFound, CodeNotFound, "")
}

func RateLimited(message string) error {
	return build(message, goerrors.CategoryRateLimit, http.StatusTooManyRequests, CodeRateLimited, "")
}

// Internal wraps unexpected storage or runtime failures.
func Internal(source error, message string) error {
	return wrap(source, goerrors.CategoryInternal, http.StatusInternalServerError, CodeInternal, "", message)
}

func rich(err error) (*goerrors.Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *goerrors.Error
	if goerrors.As(err, &target) && target != nil {
		return target, true
	}
	return nil, false
}

// Code returns the stable code of err, or CodeInternal for foreign errors.
func Code(err error) string {
	if err == nil {
		return ""
	}
	if r, ok := rich(err); ok && r.TextCode != "" {
		return r.TextCode
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return err != nil && Code(err) == code
}

// Reason returns the reason metadata attached to err, if any.
func Reason(err error) string {
	r, ok := rich(err)
	if !ok || r.Metadata == nil {
		return ""
	}
	if reason, ok := r.Metadata[reasonKey].(string); ok {
		return reason
	}
	return ""
}

// HasReason reports whether err carries code with the given reason.
func HasReason(err error, code, reason string) bool {
	return Is(err, code) && Reason(err) == reason
}

// HTTPStatus maps err to the status a transport should answer with.
func HTTPStatus(err error) int {
	if r, ok := rich(err); ok && r.Code != 0 {
		return r.Code
	}
	return http.StatusInternalServerError
}

// Message returns the caller-safe message of err.
func Message(err error) string {
	if r, ok := rich(err); ok && r.Category != goerrors.CategoryInternal {
		return r.Message
	}
	return "internal error"
}

// Retryable is true only for external-service failures.
func Retryable(err error) bool {
	return Is(err, CodeExternalService)
}

// IsTimeout reports whether err is (or wraps) a deadline expiry.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
