package httpapi

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the structured logger of the HTTP layer. Nop until SetLogger.
var zlog = func() *zerolog.Logger { l := zerolog.Nop(); return &l }()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error", "warn":
		return LevelError
	case "info":
		return LevelInfo
	case "debug", "trace":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// global default, read once
var defaultLogLevel = parseLevel(os.Getenv("PREDICTD_LOG_LEVEL"))

// SetDefaultLogLevel overrides the per-request log level used when a request
// does not ask for one.
func SetDefaultLogLevel(s string) { defaultLogLevel = parseLevel(s) }

func requestLogLevel(r *http.Request) LogLevel {
	// Per-request overrides
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

func logPredictStart(r *http.Request, lvl LogLevel, model string) {
	if lvl < LevelInfo {
		return
	}
	z := zlog.Info().Str("path", r.URL.Path).Str("model", model)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		z = z.Str("request_id", rid)
	}
	z.Msg("predict start")
}

func logPredictEnd(r *http.Request, lvl LogLevel, status int, start time.Time, err error) {
	if lvl < LevelInfo && !(lvl >= LevelError && err != nil) {
		return
	}
	z := zlog.Info()
	if err != nil {
		z = zlog.Error().Err(err)
	}
	z = z.Int("status", status).Dur("dur", time.Since(start))
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		z = z.Str("request_id", rid)
	}
	z.Msg("predict end")
}
