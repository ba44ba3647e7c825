package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/thelolagemann/cartbox/internal/bootstrap"
	"github.com/thelolagemann/cartbox/internal/config"
	"github.com/thelolagemann/cartbox/internal/core/bridge"
	"github.com/thelolagemann/cartbox/internal/session"
	"github.com/thelolagemann/cartbox/internal/vfs"
	"github.com/thelolagemann/cartbox/internal/vfs/postgres"
	"github.com/thelolagemann/cartbox/internal/vfs/s3"
	"github.com/thelolagemann/cartbox/internal/web"
	"github.com/thelolagemann/cartbox/pkg/log"
)

// runtime assets every page loads to instantiate its core
var coreAssets = []string{"mgba.js", "mgba.wasm"}

func main() {
	// validated once the flags are applied
	cfg, _ := config.Load()

	pprofAddr := flag.String("pprof", "", "The address to serve pprof on, disabled when empty")
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := log.NewWithConfig(log.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync(logger)

	if err := run(cfg, *pprofAddr, logger); err != nil {
		logger.Errorf("cartbox: %v", err)
		log.Sync(logger)
		os.Exit(1)
	}
}

func run(cfg *config.Config, pprofAddr string, logger log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if pprofAddr != "" {
		go func() {
			if err := http.ListenAndServe(pprofAddr, nil); err != nil {
				logger.Errorf("pprof: %v", err)
			}
		}()
	}

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.StoreBackend, err)
	}
	fs := vfs.New(backend, vfs.WithLogger(log.Named(logger, "vfs")))
	defer fs.Close()

	hub := bridge.NewHub(log.Named(logger, "bridge"), coreAssets...)
	defer hub.Close()

	bootOpts := []bootstrap.Opt{
		bootstrap.WithLogger(log.Named(logger, "bootstrap")),
		bootstrap.WithAssetBase(cfg.AssetBase),
		bootstrap.WithTimeout(cfg.BootstrapTimeout),
		bootstrap.WithAttempts(cfg.BootstrapAttempts),
	}
	// assets hosted elsewhere are checked by the page itself
	if !strings.HasPrefix(cfg.AssetBase, "http") {
		bootOpts = append(bootOpts, bootstrap.WithAssetCheck(localAssets(cfg.AssetDir, cfg.AssetBase), coreAssets...))
	}
	boot := bootstrap.New(hub, bootOpts...)

	newSession := func() *session.Session {
		return session.New(boot, fs,
			session.WithLogger(log.Named(logger, "session")),
			session.WithQueueDepth(cfg.QueueDepth),
			session.WithScreenshotScale(cfg.ScreenshotScale),
		)
	}

	srv := web.NewServer(newSession(), fs,
		web.WithLogger(log.Named(logger, "web")),
		web.WithBridge(hub),
		web.WithAssets(cfg.AssetDir, cfg.AssetBase),
		web.WithSessionFactory(newSession),
	)
	defer srv.Close()
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("cartbox: listening on %s (store %s)", cfg.ListenAddr, backend.Type())
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Infof("cartbox: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// stop persists the battery save and the auto slot of a
	// running cartridge before the core goes away
	if sess := srv.Session(); sess.State().HasCartridge() {
		if err := sess.Stop(shutdownCtx); err != nil {
			logger.Errorf("cartbox: stopping session: %v", err)
		}
	}
	return httpServer.Shutdown(shutdownCtx)
}

func openBackend(ctx context.Context, cfg *config.Config, logger log.Logger) (vfs.Backend, error) {
	switch cfg.StoreBackend {
	case "memory":
		return vfs.NewMemory(), nil
	case "local":
		return vfs.NewLocal(cfg.StorePath)
	case "s3":
		return s3.New(ctx, s3.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
		}, log.Named(logger, "s3"))
	case "postgres":
		return postgres.New(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// localAssets checks located assets against the directory they
// are served from.
func localAssets(dir, base string) bootstrap.AssetCheck {
	prefix := "/" + strings.Trim(base, "/") + "/"
	return func(_ context.Context, location string) error {
		name := strings.TrimPrefix(location, prefix)
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(name))); err != nil {
			return fmt.Errorf("asset %s: %w", location, err)
		}
		return nil
	}
}
