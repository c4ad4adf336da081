package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"piproxy/internal/piproxy"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("PIPROXY_CONFIG"), "path to piproxy.yaml (optional)")
	flag.Parse()

	cfg, err := piproxy.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := piproxy.NewLogger(os.Stdout, cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	svc, err := piproxy.NewService(cfg, logger)
	if err != nil {
		log.Fatalf("init service: %v", err)
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen %s: %v", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("piproxy listening",
			"addr", addr,
			"upstream", cfg.Upstream.BaseURL,
			"api_key_configured", cfg.Upstream.APIKey != "",
			"cache_engine", cfg.Cache.Engine,
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", "error", err.Error())
	}
}
