package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"botvisor/internal/api"
	"botvisor/internal/config"
	"botvisor/internal/service"
	"botvisor/internal/store"
	"botvisor/web"
)

func main() {
	os.Exit(run())
}

func run() int {
	x := config.HostExpander()

	configPath := pflag.StringP("config", "c", "ecosystem.yaml", "Path to the ecosystem file (yaml, json, jsonc or toml)")
	home := pflag.String("home", x.Home, "Home directory used to resolve script paths")
	dbPath := pflag.String("db", "", "Run history database (overrides DB_PATH, empty keeps the env value)")
	addr := pflag.String("addr", "", "Listen address (overrides SERVER_ADDRESS)")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg := config.LoadConfig()
	if *addr != "" {
		cfg.Server.Address = *addr
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}
	x.Home = *home

	procCfg, err := config.LoadEcosystem(*configPath, x)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Error("invalid ecosystem file", "path", *configPath, "err", err)
			return 1
		}
		logger.Warn("ecosystem file not found, using built-in backpack_bot descriptor", "path", *configPath)
		procCfg = &config.EcosystemConfig{Apps: []config.ProcessDescriptor{config.BackpackBot(x.Home)}}
	}

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithMemoryCheckInterval(cfg.Monitor.MemoryCheckInterval),
	}
	if cfg.DB.Path != "" {
		st, err := store.Open(cfg.DB.Path)
		if err != nil {
			logger.Error("open run history", "err", err)
			return 1
		}
		defer st.Close()
		opts = append(opts, service.WithStore(st))
	}

	pm := service.NewProcessManager(procCfg, opts...)
	svc := service.NewProcessService(pm, *configPath, x)

	router, err := api.NewRouter(svc, web.Templates(), web.Static(), []byte(cfg.Auth.Secret))
	if err != nil {
		logger.Error("create router", "err", err)
		return 1
	}

	ln, err := listenThenStart(cfg.Server.Address, pm)
	if err != nil {
		logger.Error("listen", "addr", cfg.Server.Address, "err", err)
		return 1
	}

	srv := &http.Server{
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting botvisor", "addr", ln.Addr().String(), "processes", len(procCfg.Apps))
		serveErr <- srv.Serve(ln)
	}()

	code := 0
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

loop:
	for {
		select {
		case err := <-serveErr:
			if !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server error", "err", err)
				code = 1
			}
			break loop
		case sig := <-sigs:
			if sig != syscall.SIGHUP {
				break loop
			}
			res, err := svc.Reload()
			if err != nil {
				logger.Error("reload failed", "err", err)
				continue
			}
			logger.Info("configuration reloaded", "added", res.Added, "updated", res.Updated, "removed", res.Removed)
		}
	}

	logger.Info("shutting down")

	pm.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "err", err)
	}

	logger.Info("server exited", "code", code)
	return code
}

type starter interface {
	StartAll()
}

// listenThenStart binds addr and only then launches the processes, so a
// taken port never leaves children running without a supervisor.
func listenThenStart(addr string, s starter) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.StartAll()
	return ln, nil
}
