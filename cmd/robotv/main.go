package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harix786/vdr-plugin-robotv/internal/cache"
	"github.com/harix786/vdr-plugin-robotv/internal/certs"
	"github.com/harix786/vdr-plugin-robotv/internal/config"
	"github.com/harix786/vdr-plugin-robotv/internal/metrics"
	"github.com/harix786/vdr-plugin-robotv/internal/server"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading configuration failed", "error", err)
		os.Exit(1)
	}

	cert, err := certs.Generate(0)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	cc, err := cache.Open(cfg.CacheFile, nil)
	if err != nil {
		slog.Error("opening channel cache failed", "error", err)
		os.Exit(1)
	}
	defer cc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("robotv starting",
		"version", version,
		"tcp", cfg.TCPAddr,
		"quic", cfg.QUICAddr,
		"api", cfg.APIAddr,
		"channels", len(cfg.Channels),
		"recordings", cfg.RecordingsDir,
	)

	met := metrics.New()
	srv := server.New(cfg, cc,
		server.NewSRTChannels(cfg.Channels, nil),
		server.NewDirRecordings(cfg.RecordingsDir),
		met, nil)

	apiSrv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: srv.APIHandler(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.ServeTCP(ctx)
	})

	g.Go(func() error {
		return srv.ServeQUIC(ctx, cert)
	})

	g.Go(func() error {
		slog.Info("api server listening", "addr", cfg.APIAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
