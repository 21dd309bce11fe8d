package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"pipegate/internal/config"
	"pipegate/internal/heartbeat"
	"pipegate/internal/httpx"
	"pipegate/internal/logger"
	"pipegate/internal/pipeline"
	runtimectl "pipegate/internal/runtime"
	"pipegate/internal/watcher"
	"pipegate/internal/ws"
)

func main() {
	var appDir string
	var addr string
	flag.StringVar(&appDir, "app-dir", ".", "application directory containing pipegate.toml and app.json")
	flag.StringVar(&addr, "addr", "", "listen address override (host:port, port 0 for ephemeral)")
	flag.Parse()

	log := logger.New("pipegate", slog.LevelInfo)

	cfg, err := config.Load(appDir)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if addr != "" {
		cfg.Addr = addr
	}
	log = logger.New("pipegate", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := ws.NewHub()
	store := pipeline.NewStore(cfg.AppDir, log)

	ctl := runtimectl.New(cfg, runtimectl.NewExecLauncher(log), hub, log, stop)
	go ctl.Run(ctx)
	ctl.StartAll()

	hb := heartbeat.NewState(time.Now())
	if cfg.IdleTimeout > 0 {
		monitor := heartbeat.NewMonitor(hb, cfg.HeartbeatPoll, cfg.IdleTimeout, ctl.NotifyIdle, log)
		go monitor.Run(ctx)
	}

	if cfg.WatchEnabled {
		w, err := watcher.New(cfg.AppDir, cfg.WatchDebounce, ctl.NotifyFsChange, log)
		if err != nil {
			log.Warn("filesystem watcher unavailable", "error", err)
		} else {
			go w.Run(ctx)
		}
	}

	router := httpx.NewRouter(log, ctl, store, hb, hub, cfg)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Error("failed to bind listen address", "addr", cfg.Addr, "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "addr", ln.Addr().String(), "app_dir", cfg.AppDir)
		errorCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("gateway stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
