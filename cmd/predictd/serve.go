package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"predictd/internal/config"
	"predictd/internal/engine"
	"predictd/internal/httpapi"
	"predictd/internal/logging"
	"predictd/internal/manager"
	"predictd/internal/registry"
)

// serveFlags override config file values when set on the command line.
type serveFlags struct {
	addr           string
	modelsDir      string
	urlPattern     string
	admissionWait  time.Duration
	drainTimeout   time.Duration
	predictTimeout time.Duration
	maxWorkers     int
	logLevel       string
	logFormat      string
	logFile        string
	cors           bool
	corsOrigins    []string
	watch          bool
}

func (f *serveFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.addr, "addr", config.DefaultAddr, "HTTP listen address, e.g. :8080")
	fs.StringVar(&f.modelsDir, "models-dir", "", "Directory scanned for *.gguf startup models")
	fs.StringVar(&f.urlPattern, "model-url-pattern", "", "Regular expression model URLs must fully match for on-demand loads")
	fs.DurationVar(&f.admissionWait, "admission-wait", 0, "How long a request may wait for a free worker (0 = reject immediately)")
	fs.DurationVar(&f.drainTimeout, "drain-timeout", config.DefaultDrainTimeout, "How long unregister and shutdown wait for in-flight predictions")
	fs.DurationVar(&f.predictTimeout, "predict-timeout", 0, "Per-request prediction timeout (0 = none)")
	fs.IntVar(&f.maxWorkers, "max-workers", config.DefaultMaxWorkers, "Worker ceiling of the default pool")
	fs.StringVar(&f.logLevel, "log-level", config.DefaultLogLevel, "Log level: trace|debug|info|warn|error|off")
	fs.StringVar(&f.logFormat, "log-format", config.DefaultLogFormat, "Log format: console|json")
	fs.StringVar(&f.logFile, "log-file", "", "Also write JSON logs to this file (rotated)")
	fs.BoolVar(&f.cors, "cors", false, "Enable CORS")
	fs.StringSliceVar(&f.corsOrigins, "cors-origins", nil, "Allowed CORS origins (comma separated)")
	fs.BoolVar(&f.watch, "watch", true, "Reload the config file when it changes")
}

// apply copies every flag the user set onto cfg.
func (f *serveFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	set := func(name string) bool { return fs.Changed(name) }
	if set("addr") {
		cfg.Addr = f.addr
	}
	if set("models-dir") {
		cfg.ModelsDir = f.modelsDir
	}
	if set("model-url-pattern") {
		cfg.ModelURLPattern = f.urlPattern
	}
	if set("admission-wait") {
		cfg.AdmissionWait = config.Duration(f.admissionWait)
	}
	if set("drain-timeout") {
		cfg.DrainTimeout = config.Duration(f.drainTimeout)
	}
	if set("predict-timeout") {
		cfg.PredictTimeout = config.Duration(f.predictTimeout)
	}
	if set("max-workers") {
		cfg.DefaultPool.MaxWorkers = f.maxWorkers
	}
	if set("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if set("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if set("log-file") {
		cfg.Log.File = f.logFile
	}
	if set("cors") {
		cfg.CORS.Enabled = f.cors
	}
	if set("cors-origins") {
		cfg.CORS.Origins = f.corsOrigins
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP dispatcher",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			flags.apply(c.Flags(), &cfg)
			cfg.ApplyDefaults()
			if err := cfg.Validate(); err != nil {
				return err
			}
			watchPath := ""
			if flags.watch {
				watchPath = *configPath
			}
			return serve(c.Context(), cfg, watchPath)
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

// startupSpecs merges configured models with the models directory scan.
// A missing or unreadable directory is logged, not fatal.
func startupSpecs(cfg config.Config, log zerolog.Logger) []registry.Spec {
	specs := cfg.Specs()
	if cfg.ModelsDir == "" {
		return specs
	}
	found, err := registry.ScanDir(cfg.ModelsDir)
	if err != nil {
		log.Warn().Err(err).Str("dir", cfg.ModelsDir).Msg("models dir scan failed")
		return specs
	}
	return config.MergeSpecs(specs, found)
}

func serve(parent context.Context, cfg config.Config, watchPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	logger, closeLog, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer closeLog()
	log := logger.With().Str("component", "predictd").Logger()

	rt := engine.NewRuntime(engine.Options{
		ContextSize: cfg.Runtime.ContextSize,
		Threads:     cfg.Runtime.Threads,
		GPULayers:   cfg.Runtime.GPULayers,
		MaxTokens:   cfg.Runtime.MaxTokens,
	})
	if !engine.Built() {
		log.Warn().Msg("built without the llama runtime; model loads will fail")
	}
	specs := startupSpecs(cfg, log)
	mgr, err := manager.NewWithConfig(manager.ManagerConfig{
		Runtime:            rt,
		Models:             specs,
		ModelURLPattern:    cfg.ModelURLPattern,
		DefaultMaxWorkers:  cfg.DefaultPool.MaxWorkers,
		DefaultIdleTimeout: cfg.DefaultPool.IdleTimeout.D(),
		AdmissionWait:      cfg.AdmissionWait.D(),
		DrainTimeout:       cfg.DrainTimeout.D(),
		Publisher:          manager.NewLogPublisher(logger),
		Logger:             &logger,
	})
	if err != nil {
		return err
	}
	collector := mgr.Collector()
	if err := prometheus.Register(collector); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	defer prometheus.Unregister(collector)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpapi.SetLogger(logger)
	httpapi.SetDefaultLogLevel(cfg.Log.Level)
	httpapi.SetBaseContext(ctx)
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.Origins, nil, nil)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetPredictTimeout(cfg.PredictTimeout.D())

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = mgr.Close(context.Background())
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	srv := &http.Server{Handler: httpapi.NewMux(mgr), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Int("startup_models", len(specs)).Msg("predictd listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := mgr.LoadStartupModels(gctx); err != nil {
			log.Warn().Err(err).Msg("some startup models failed to load")
		}
		return nil
	})
	if watchPath != "" {
		w, err := config.NewWatcher(watchPath, cfg, func(next config.Config) {
			if next.Addr != cfg.Addr || next.DefaultPool != cfg.DefaultPool {
				log.Warn().Msg("addr and default_pool changes take effect after restart")
			}
			if err := mgr.Reconcile(gctx, startupSpecs(next, log)); err != nil {
				log.Error().Err(err).Msg("apply reloaded models")
			}
		}, logger)
		if err != nil {
			log.Warn().Err(err).Msg("config watcher disabled")
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}
	sdNotify(log, daemon.SdNotifyReady)

	g.Go(func() error {
		<-gctx.Done()
		sdNotify(log, daemon.SdNotifyStopping)
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout.D())
		defer cancel()
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := mgr.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("manager close: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// sdNotify is a no-op outside systemd.
func sdNotify(log zerolog.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debug().Err(err).Str("state", state).Msg("sd_notify failed")
	}
}
