package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"predictd/internal/manager"
	"predictd/pkg/types"
)

// statusClientClosed is logged when the client went away before the response.
const statusClientClosed = 499

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError maps a service error to a status code and writes it. A
// request whose client is gone gets no body. It returns the status used.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) int {
	if r.Context().Err() != nil {
		return statusClientClosed
	}
	status := http.StatusInternalServerError
	var he HTTPError
	if errors.As(err, &he) {
		status = he.StatusCode()
	}
	switch {
	case manager.IsCanceled(err) && serverBaseCtx.Err() != nil:
		status = http.StatusServiceUnavailable
	case manager.IsCanceled(err):
		status = http.StatusGatewayTimeout
	case manager.IsTooBusy(err):
		status = http.StatusTooManyRequests
		IncrementBackpressure("pool_saturated")
	}
	resp := types.ErrorResponse{Error: err.Error(), Code: status}
	if k := manager.KindOf(err); k != manager.KindUnknown {
		resp.Kind = k.String()
	}
	writeJSON(w, status, resp)
	return status
}
