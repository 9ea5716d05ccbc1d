package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrNotFound           = NewErr("not_found", "link not found or no longer valid", http.StatusNotFound)
	ErrExpired            = NewErr("expired", "link has expired", http.StatusGone)
	ErrExhausted          = NewErr("max_views", "maximum views reached", http.StatusGone)
	ErrRateLimited        = NewErr("rate_limited", "too many requests", http.StatusTooManyRequests)
	ErrConfiguration      = NewErr("configuration", "server configuration error", http.StatusServiceUnavailable)
	ErrBackendUnavailable = NewErr("backend_unavailable", "storage backend unavailable", http.StatusServiceUnavailable)
	ErrCrypto             = NewErr("crypto", "integrity check failed", http.StatusInternalServerError)
	ErrContentRequired    = NewErr("content_required", "content is required", http.StatusBadRequest)
	ErrContentTooLong     = NewErr("content_too_long", "content too long", http.StatusBadRequest)
	ErrInvalidExpiry      = NewErr("invalid_expiry", "invalid expiry option", http.StatusBadRequest)
	ErrInvalidMaxViews    = NewErr("invalid_max_views", "max views out of range", http.StatusBadRequest)
	ErrInvalidRequest     = NewErr("invalid_request", "invalid request", http.StatusBadRequest)
	ErrShuttingDown       = NewErr("shutting_down", "service shutting down", http.StatusServiceUnavailable)
	ErrInternal           = NewErr("internal_error", "internal error", http.StatusInternalServerError)
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

type ErrResp struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func ToResp(err error) ErrResp {
	if e := asErr(err); e != nil {
		return ErrResp{Error: e.Code, Message: e.Msg}
	}
	return ErrResp{Error: ErrInternal.Code, Message: ErrInternal.Msg}
}

func Status(err error) int {
	if e := asErr(err); e != nil {
		return e.Status
	}
	return http.StatusInternalServerError
}

func asErr(err error) *Err {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Err); ok {
		return e
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e
	}
	var e *Err
	if errors.As(err, &e) {
		return e
	}
	return nil
}
