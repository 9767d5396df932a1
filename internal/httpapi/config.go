package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/cors"
)

// maxBodyBytes controls the maximum allowed request body size.
// Default is 8 MiB; prediction payloads are often binary.
var maxBodyBytes int64 = 8 << 20

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 8 << 20
		return
	}
	maxBodyBytes = n
}

// predictTimeout bounds a prediction request end to end.
// Zero means no additional timeout beyond server/connection timeouts.
var predictTimeout time.Duration

// SetPredictTimeout sets the prediction timeout (0 disables).
func SetPredictTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	predictTimeout = d
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}

// corsMiddleware returns nil when CORS is disabled.
func corsMiddleware() func(http.Handler) http.Handler {
	if !corsEnabled {
		return nil
	}
	origins := corsAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	methods := corsAllowedMethods
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	}
	headers := corsAllowedHeaders
	if len(headers) == 0 {
		headers = []string{"Accept", "Content-Type", "X-Request-Id", "X-Log-Level"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: methods,
		AllowedHeaders: headers,
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	})
}
