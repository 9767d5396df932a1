package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"predictd/internal/manager"
	"predictd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.Model
	Status() types.StatusResponse
	Ready() bool
	Invoke(ctx context.Context, in *types.Input, model string) (*types.Output, error)
	Register(ctx context.Context, req types.RegisterRequest) (types.Model, error)
	Unregister(ctx context.Context, name string) error
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if c := corsMiddleware(); c != nil {
		r.Use(c)
	}
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5, "application/json"))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	status := func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	}
	r.Get("/status", status)
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		st := svc.Status()
		code := http.StatusOK
		if st.Status == manager.HealthUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, st)
	})

	r.Post("/invocations", predictHandler(svc, func(*http.Request) string { return "" }))
	r.Post("/predictions/{model}", predictHandler(svc, func(r *http.Request) string { return chi.URLParam(r, "model") }))
	r.Options("/*", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{}"))
	})

	r.Route("/models", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, types.ModelsResponse{Models: svc.ListModels()})
		})
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			ct := r.Header.Get("Content-Type")
			if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
				writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
			var req types.RegisterRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
			if strings.TrimSpace(req.Name) == "" {
				writeJSONError(w, http.StatusBadRequest, "name is required")
				return
			}
			if req.MinWorkers < 0 || req.MaxWorkers < 0 || req.MaxBatchDelayMS < 0 {
				writeJSONError(w, http.StatusBadRequest, "worker counts and max_batch_delay_ms must not be negative")
				return
			}
			ctx, cancel := joinContexts(serverBaseCtx, r.Context())
			defer cancel()
			m, err := svc.Register(ctx, req)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, m)
		})
		r.Get("/{model}", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "model")
			for _, m := range svc.ListModels() {
				if m.Name == name {
					writeJSON(w, http.StatusOK, m)
					return
				}
			}
			writeServiceError(w, r, manager.ErrModelNotFound(name))
		})
		r.Delete("/{model}", func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := joinContexts(serverBaseCtx, r.Context())
			defer cancel()
			if err := svc.Unregister(ctx, chi.URLParam(r, "model")); err != nil {
				writeServiceError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

// predictHandler serves a prediction; modelOf extracts an explicit model name
// from the route, empty meaning the name comes from the request itself.
func predictHandler(svc Service, modelOf func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lvl := requestLogLevel(r)
		in, err := parseInput(w, r)
		if err != nil {
			code := http.StatusBadRequest
			if errors.Is(err, errBodyTooLarge) {
				code = http.StatusRequestEntityTooLarge
			}
			writeJSONError(w, code, err.Error())
			logPredictEnd(r, lvl, code, start, err)
			return
		}
		model := modelOf(r)
		logPredictStart(r, lvl, model)

		// Join server base context with request context so shutdown cancels work too.
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if predictTimeout > 0 {
			var tcancel context.CancelFunc
			ctx, tcancel = context.WithTimeout(ctx, predictTimeout)
			defer tcancel()
		}
		out, err := svc.Invoke(ctx, in, model)
		if err != nil {
			code := writeServiceError(w, r, err)
			logPredictEnd(r, lvl, code, start, err)
			return
		}
		writeOutput(w, out)
		logPredictEnd(r, lvl, http.StatusOK, start, nil)
	}
}
