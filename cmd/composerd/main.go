// Package main is the entry point for the composer extension host.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/convobuild/extensions/internal/builtin/localauth"
	"github.com/convobuild/extensions/internal/builtin/localpublish"
	"github.com/convobuild/extensions/internal/builtin/runtimes"
	"github.com/convobuild/extensions/internal/config"
	"github.com/convobuild/extensions/internal/extension"
	"github.com/convobuild/extensions/internal/npm"
	"github.com/convobuild/extensions/internal/process"
	"github.com/convobuild/extensions/internal/web"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		return 1
	}

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize logging: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting composer extension host",
		zap.String("version", version), zap.String("commit", commit))

	store := extension.NewStore(cfg.ManifestPath, log)
	collection := extension.NewCollection()

	var loaderOpts []extension.LoaderOption
	if cfg.SessionSecret != "" {
		loaderOpts = append(loaderOpts, extension.WithSessionSecret([]byte(cfg.SessionSecret)))
	}
	loader := extension.NewLoader(collection, log, loaderOpts...)

	srv := web.NewServer(log)
	loader.AttachWebServer(srv)

	manager := extension.NewManager(store, loader, npm.NewClient(cfg.PackageManager, log),
		extension.ManagerConfig{BuiltinDir: cfg.BuiltinDir, RemoteDir: cfg.RemoteDir}, log)
	extension.NewAPI(manager, log).Mount(srv.Router())

	if err := loadNativeBuiltins(cfg, loader, log); err != nil {
		log.Error("failed to load native built-in extensions", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.BuiltinDir != "" {
		if err := manager.LoadBuiltins(ctx); err != nil {
			log.Error("failed to scan built-in extensions", zap.Error(err))
			return 1
		}
	}

	httpSrv := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", zap.Error(err))
			return 1
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown failed", zap.Error(err))
			return 1
		}
	}
	return 0
}

// loadNativeBuiltins registers the extensions compiled into the host.
// Secret-dependent ones are skipped when their configuration is absent.
func loadNativeBuiltins(cfg config.Config, loader *extension.Loader, log *zap.Logger) error {
	if cfg.SessionSecret != "" {
		auth := localauth.New(localauth.Config{
			Secret: []byte(cfg.SessionSecret),
			Users:  map[string]string{},
		}, log)
		if err := loader.LoadModule("localauth", "local authentication", auth); err != nil {
			return err
		}
	} else {
		log.Warn("no session secret configured, running without authentication")
	}

	rt := runtimes.New(runtimes.Config{}, log)
	if err := loader.LoadModule("runtimes", "stock runtime templates", rt); err != nil {
		return err
	}

	publishDir := filepath.Join(os.TempDir(), "composer-publish")
	pub := localpublish.New(publishDir, process.NewTracker(log), log)
	return loader.LoadModule(localpublish.MethodName, "local directory publish", pub)
}
