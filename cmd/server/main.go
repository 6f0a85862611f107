// Package main is the entry point for the plugdeck server.
package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CageChen/plugdeck/internal/config"
	"github.com/CageChen/plugdeck/internal/control"
	"github.com/CageChen/plugdeck/internal/docker"
	mfs "github.com/CageChen/plugdeck/internal/fs"
	"github.com/CageChen/plugdeck/internal/handler"
	"github.com/CageChen/plugdeck/internal/logging"
	"github.com/CageChen/plugdeck/internal/metrics"
	"github.com/CageChen/plugdeck/internal/preview"
	"github.com/CageChen/plugdeck/internal/remote"
	"github.com/CageChen/plugdeck/internal/watcher"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

//go:embed web/*
var webFS embed.FS

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "plugdeck: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("plugdeck starting",
		zap.String("config", cfg.GetConfigFilePath()),
		zap.String("root", cfg.Root),
		zap.String("driver", cfg.Remote.Driver),
		zap.String("container", cfg.Remote.Container),
		zap.Int("port", cfg.Port))

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return fmt.Errorf("create plugins directory: %w", err)
	}
	resolver, err := mfs.NewResolver(cfg.Root)
	if err != nil {
		return err
	}
	store := mfs.NewStore(resolver, mfs.StoreConfig{
		Exclude:        cfg.Exclude,
		MaxUploadBytes: cfg.Files.MaxUploadBytes,
		Logger:         logger.Named("fs"),
	})

	m := metrics.New()

	rt, err := newRuntime(cfg, m, logger)
	if err != nil {
		return err
	}
	ctrl := control.New(rt, control.Config{
		PollInterval: cfg.Control.PollInterval,
		StartTimeout: cfg.Control.StartTimeout,
		StopTimeout:  cfg.Control.StopTimeout,
		RestartDelay: cfg.Control.RestartDelay,
		Logger:       logger.Named("control"),
		Recorder:     m,
	})

	hub := handler.NewEventHub(ctrl.Snapshot, m, logger.Named("events"))
	ctrl.Subscribe(hub.OnStatus)

	// The first status is best effort; the UI refreshes it anyway.
	statusCtx, cancelStatus := context.WithTimeout(context.Background(), cfg.Remote.Timeout)
	if snap, err := ctrl.Status(statusCtx); err != nil {
		logger.Warn("initial status failed", zap.Error(err))
	} else {
		logger.Info("container status", zap.String("state", string(snap.State)), zap.Bool("found", snap.Found))
	}
	cancelStatus()

	if cfg.Watch {
		w, err := watcher.New(watcher.Config{
			Root:   string(resolver.Root()),
			Ignore: store.Hidden,
			Logger: logger.Named("watcher"),
		})
		if err != nil {
			logger.Warn("failed to create file watcher", zap.Error(err))
		} else {
			w.OnChange(hub.OnFileChange)
			if err := w.Start(); err != nil {
				logger.Warn("failed to start file watcher", zap.Error(err))
			} else {
				defer func() { _ = w.Stop() }()
				logger.Info("file watcher enabled")
			}
		}
	}

	router, err := newRouter(routes{
		files: handler.NewFileHandler(store, preview.NewRenderer(preview.Config{
			MaxBytes: cfg.Preview.MaxBytes,
			Style:    cfg.Preview.Style,
		}), handler.FileConfig{
			AllowOverwrite: cfg.Files.AllowOverwrite,
			Recorder:       m,
			Logger:         logger.Named("files"),
		}),
		control: handler.NewControlHandler(ctrl, logger.Named("api")),
		events:  hub,
		metrics: m,
		logger:  logger,
	})
	if err != nil {
		return err
	}

	// Lifecycle requests poll for minutes; they derive from baseCtx so
	// shutdown abandons them instead of waiting.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	srv := &http.Server{
		Addr:              cfg.Address(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", fmt.Sprintf("http://localhost:%d", cfg.Port)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}

	cancelBase()
	hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newRuntime builds the container runtime selected by remote.driver.
func newRuntime(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (control.Runtime, error) {
	switch cfg.Remote.Driver {
	case config.DriverDocker:
		rt, err := docker.New(docker.Config{
			Container: cfg.Remote.Container,
			Host:      cfg.Remote.DockerHost,
			StopGrace: cfg.Remote.StopGrace,
			Logger:    logger.Named("docker"),
		})
		if err != nil {
			return nil, fmt.Errorf("create docker runtime: %w", err)
		}
		return rt, nil
	case config.DriverUnraid:
		client, err := remote.NewClient(remote.Config{
			URL:          cfg.Remote.URL,
			APIKey:       cfg.Remote.APIKey,
			Timeout:      cfg.Remote.Timeout,
			MaxRetries:   cfg.Remote.MaxRetries,
			RetryWaitMin: cfg.Remote.RetryWaitMin,
			RetryWaitMax: cfg.Remote.RetryWaitMax,
			RateLimit:    cfg.Remote.RateLimit,
			Logger:       logger.Named("remote"),
			Recorder:     m,
		})
		if err != nil {
			return nil, fmt.Errorf("create remote client: %w", err)
		}
		return remote.NewUnraid(client, remote.UnraidConfig{
			Container:              cfg.Remote.Container,
			TolerateMutationErrors: cfg.Remote.TolerateMutationErrors,
			Logger:                 logger.Named("unraid"),
		}), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Remote.Driver)
	}
}

type routes struct {
	files   *handler.FileHandler
	control *handler.ControlHandler
	events  *handler.EventHub
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func newRouter(rt routes) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.Middleware(rt.logger.Named("http")))
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Content-Length", "Accept"},
		MaxAge:       12 * time.Hour,
	}))
	r.Use(metrics.Middleware(rt.metrics))

	r.GET("/health", handler.Health)
	r.GET("/metrics", gin.WrapH(rt.metrics.Handler()))

	api := r.Group("/api")
	{
		// Container lifecycle
		api.GET("/status", rt.control.Status)
		api.POST("/start", rt.control.Start)
		api.POST("/stop", rt.control.Stop)
		api.POST("/restart", rt.control.Restart)

		// Plugin files
		api.GET("/files", rt.files.List)
		api.DELETE("/files", rt.files.Delete)
		api.POST("/files/upload", rt.files.Upload)
		api.POST("/files/mkdir", rt.files.Mkdir)
		api.GET("/files/raw", rt.files.Raw)
		api.GET("/files/preview", rt.files.Preview)
		api.GET("/preview.css", rt.files.PreviewCSS)

		api.GET("/events", rt.events.HandleWS)
	}

	// Serve embedded static files
	webContent, err := fs.Sub(webFS, "web")
	if err != nil {
		return nil, fmt.Errorf("load web assets: %w", err)
	}
	r.NoRoute(gin.WrapH(http.FileServer(http.FS(webContent))))
	return r, nil
}
