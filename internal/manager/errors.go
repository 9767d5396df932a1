package manager

import (
	"context"
	"errors"
	"net/http"

	"predictd/internal/loader"
	"predictd/internal/pool"
	"predictd/internal/registry"
)

// Kind classifies dispatcher failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindModelNotFound
	KindPermissionDenied
	KindModelNameRequired
	KindLoadFailed
	KindPredictionFailed
	KindPoolSaturated
	KindCanceled
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindModelNotFound:
		return "model_not_found"
	case KindPermissionDenied:
		return "permission_denied"
	case KindModelNameRequired:
		return "model_name_required"
	case KindLoadFailed:
		return "load_failed"
	case KindPredictionFailed:
		return "prediction_execution_failed"
	case KindPoolSaturated:
		return "pool_saturated"
	case KindCanceled:
		return "canceled"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

func (k Kind) message() string {
	switch k {
	case KindModelNotFound:
		return "model not found"
	case KindPermissionDenied:
		return "permission denied"
	case KindModelNameRequired:
		return "model name required: several models are loaded, set model_name"
	case KindLoadFailed:
		return "model load failed"
	case KindPredictionFailed:
		return "prediction failed"
	case KindPoolSaturated:
		return "too busy"
	case KindCanceled:
		return "request canceled"
	case KindConflict:
		return "conflict"
	default:
		return "internal error"
	}
}

// Error is the failure delivered for a prediction or management call.
type Error struct {
	Kind  Kind
	Model string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Kind.message()
	if e.Model != "" {
		msg += ": " + e.Model
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the kind to an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindModelNotFound:
		return http.StatusNotFound
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindModelNameRequired:
		return http.StatusBadRequest
	case KindPoolSaturated:
		return http.StatusTooManyRequests
	case KindConflict:
		return http.StatusConflict
	case KindCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// ErrModelNotFound returns an error for a model name that cannot be served.
func ErrModelNotFound(name string) error { return &Error{Kind: KindModelNotFound, Model: name} }

// KindOf returns the kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsModelNotFound reports whether err indicates an unknown model.
func IsModelNotFound(err error) bool { return KindOf(err) == KindModelNotFound }

// IsPermissionDenied reports whether a model URL was refused by the allow-list.
func IsPermissionDenied(err error) bool { return KindOf(err) == KindPermissionDenied }

// IsModelNameRequired reports whether the request could not be routed without a name.
func IsModelNameRequired(err error) bool { return KindOf(err) == KindModelNameRequired }

// IsLoadFailed reports whether the model failed to load.
func IsLoadFailed(err error) bool { return KindOf(err) == KindLoadFailed }

// IsPredictionFailed reports whether the predictor returned an error or panicked.
func IsPredictionFailed(err error) bool { return KindOf(err) == KindPredictionFailed }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool { return KindOf(err) == KindPoolSaturated }

// IsCanceled reports whether the request was canceled before completing.
func IsCanceled(err error) bool { return KindOf(err) == KindCanceled }

// IsConflict reports whether the operation clashes with the model's current state.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// classify converts errors from the lower layers into an *Error for model.
func classify(model string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	kind := KindPredictionFailed
	switch {
	case errors.Is(err, loader.ErrPermissionDenied):
		kind = KindPermissionDenied
	case errors.Is(err, loader.ErrNotFound), errors.Is(err, registry.ErrNotFound):
		kind = KindModelNotFound
	case errors.Is(err, loader.ErrLoadFailed):
		kind = KindLoadFailed
	case errors.Is(err, pool.ErrSaturated):
		kind = KindPoolSaturated
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = KindCanceled
	case errors.Is(err, registry.ErrNotReady), errors.Is(err, pool.ErrClosed):
		// The model was unregistered between load and admission.
		kind = KindModelNotFound
	}
	return &Error{Kind: kind, Model: model, Err: err}
}
