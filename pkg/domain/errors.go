package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

// Lifecycle outcomes. Backends resolve visibility failures to exactly one of these.
var (
	ErrNotFound = NewErr("not_found", "note not found", http.StatusNotFound)
	ErrExpired  = NewErr("expired", "note expired", http.StatusGone)
	ErrConsumed = NewErr("consumed", "note was already read", http.StatusGone)
	ErrDeleted  = NewErr("deleted", "note was deleted", http.StatusGone)
)

var (
	ErrInvalidToken       = NewErr("INVALID_TOKEN", "invalid token", http.StatusBadRequest)
	ErrInvalidShortCode   = NewErr("INVALID_CODE", "invalid short code", http.StatusBadRequest)
	ErrInvalidTTL         = NewErr("INVALID_TTL", "ttl must be positive", http.StatusBadRequest)
	ErrContentRequired    = NewErr("CONTENT_REQUIRED", "text is required", http.StatusBadRequest)
	ErrCiphertextRequired = NewErr("CIPHERTEXT_REQUIRED", "ciphertext and iv are required for e2ee notes", http.StatusBadRequest)
	ErrContentTooLarge    = NewErr("CONTENT_TOO_LARGE", "text too long", http.StatusBadRequest)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrNotLive            = NewErr("NOT_LIVE", "note is not in live mode", http.StatusBadRequest)
	ErrCollision          = NewErr("COLLISION", "token or short code already in use", http.StatusConflict)
	ErrIDGenerationFailed = NewErr("ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError)
	ErrUnauthorized       = NewErr("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

// LifecycleErr maps a code produced by a backend script back to its error.
func LifecycleErr(code string) error {
	switch code {
	case ErrNotFound.Code:
		return ErrNotFound
	case ErrExpired.Code:
		return ErrExpired
	case ErrConsumed.Code:
		return ErrConsumed
	case ErrDeleted.Code:
		return ErrDeleted
	}
	return nil
}

// IsLifecycle reports whether err is a note lifecycle outcome rather than an
// infrastructure failure.
func IsLifecycle(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrConsumed) ||
		errors.Is(err, ErrDeleted)
}

// Code returns the taxonomy code carried by err, or "" for foreign errors.
func Code(err error) string {
	if e, ok := asErr(err); ok {
		return e.Code
	}
	return ""
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func ToResp(err error) ErrResp {
	if e, ok := asErr(err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: ErrInternalServer.Code, Msg: ErrInternalServer.Msg}}
}
func Status(err error) int {
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
func asErr(err error) (*Err, bool) {
	if err == nil {
		return nil, false
	}
	if e, ok := err.(*Err); ok {
		return e, true
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e, true
	}
	return nil, false
}
