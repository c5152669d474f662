package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/loykin/vigil/internal/agent"
	"github.com/loykin/vigil/internal/config"
	"github.com/loykin/vigil/internal/history"
	histfactory "github.com/loykin/vigil/internal/history/factory"
	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/server"
	"github.com/loykin/vigil/internal/store"
	storefactory "github.com/loykin/vigil/internal/store/factory"
	"github.com/loykin/vigil/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
)

func runServeCommand(flags *ServeFlags, globalFlags *GlobalFlags) error {
	if flags.ConfigPath == "" {
		return errors.New("config file required for serve. Use --config=vigil.toml or provide as argument")
	}
	cfg, err := config.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Server == nil {
		return errors.New("[server] must be configured to run serve")
	}

	if flags.Daemonize {
		pidfile := flags.PidFile
		if pidfile == "" {
			pidfile = cfg.Server.PidFile
		}
		logfile := flags.LogFile
		if logfile == "" {
			logfile = cfg.Server.LogFile
		}
		return daemonize(pidfile, logfile)
	}

	sup := supervisor.New()
	defer sup.Shutdown()
	if err := wireRegistry(sup, cfg, globalFlags); err != nil {
		return err
	}
	sup.SetGlobalEnv(cfg.GlobalEnv)
	wireHistory(sup, cfg)

	collector, err := wireMetrics(sup, cfg)
	if err != nil {
		return err
	}
	if collector != nil {
		defer collector.Stop()
	}

	specs := cfg.Specs()
	for _, spec := range specs {
		if err := sup.Register(spec); err != nil {
			return fmt.Errorf("agent %q: %w", spec.Name, err)
		}
	}
	startConfigured(sup, specs)

	watcher, err := wireWatcher(sup, cfg, flags.ConfigPath)
	if err != nil {
		slog.Warn("Config watcher unavailable", "error", err)
	} else if watcher != nil {
		defer func() { _ = watcher.Close() }()
	}

	sup.StartReconciler(cfg.CheckInterval)

	var srv *http.Server
	protocol := "http"
	if cfg.Server.TLS != nil && cfg.Server.TLS.Enabled {
		protocol = "https"
		srv, err = server.NewTLSServer(*cfg.Server, sup)
	} else {
		srv, err = server.NewServer(cfg.Server.Listen, cfg.Server.BasePath, sup)
	}
	if err != nil {
		return fmt.Errorf("start %s server: %w", protocol, err)
	}
	slog.Info("Supervisor daemon up", "protocol", protocol, "listen", cfg.Server.Listen, "base_path", cfg.Server.BasePath, "agents", len(specs))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("Shutting down")
	sup.StopReconciler()
	return srv.Close()
}

// wireRegistry attaches the persisted registry configured in [store], or
// the default sqlite registry in the state dir.
func wireRegistry(sup *supervisor.Supervisor, cfg *config.Config, globalFlags *GlobalFlags) error {
	dsn := ""
	lockFile := ""
	if cfg.Store != nil {
		dsn = cfg.Store.DSN
		lockFile = cfg.Store.LockFile
	}
	if dsn == "" {
		dir, err := stateDir(globalFlags)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create state dir %s: %w", dir, err)
		}
		dsn = filepath.Join(dir, "registry.db")
		if lockFile == "" {
			lockFile = filepath.Join(dir, "registry.lock")
		}
	}
	st, err := storefactory.NewFromDSN(dsn)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	if err := sup.SetStore(st); err != nil {
		_ = st.Close()
		return fmt.Errorf("registry schema: %w", err)
	}
	if lockFile != "" {
		sup.SetLock(store.NewFileLock(lockFile))
	}
	return nil
}

// wireHistory attaches every configured history sink, best effort.
func wireHistory(sup *supervisor.Supervisor, cfg *config.Config) {
	if cfg.History == nil {
		return
	}
	var sinks []history.Sink
	for _, dsn := range cfg.History.DSNs {
		snk, err := histfactory.NewSinkFromDSN(dsn)
		if err != nil {
			slog.Warn("History sink skipped", "dsn", dsn, "error", err)
			continue
		}
		sinks = append(sinks, snk)
	}
	if len(sinks) > 0 {
		sup.SetHistorySinks(sinks...)
	}
}

// wireMetrics registers the prometheus vectors and, when configured, starts
// the per-agent resource sampler feeding /debug/resources and the gauges.
func wireMetrics(sup *supervisor.Supervisor, cfg *config.Config) (*metrics.ResourceCollector, error) {
	if cfg.Metrics == nil || !cfg.Metrics.Enabled {
		return nil, nil
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	if cfg.Metrics.Resources == nil || !cfg.Metrics.Resources.Enabled {
		return nil, nil
	}
	collector := metrics.NewResourceCollector(metrics.ResourceConfig{
		Enabled:  true,
		Interval: cfg.Metrics.Resources.Interval,
	})
	if err := collector.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register resource metrics: %w", err)
	}
	collector.Start(context.Background(), func() map[string]int32 {
		return sup.AgentPIDs(context.Background())
	})
	sup.SetResourceCollector(collector)
	return collector, nil
}

// startConfigured brings up every configured agent that is not already
// running. One agent's failure does not stop the others.
func startConfigured(sup *supervisor.Supervisor, specs []agent.Spec) {
	for _, spec := range specs {
		err := sup.Start(context.Background(), spec, supervisor.StartOptions{Detach: true})
		if err == nil {
			continue
		}
		if errors.Is(err, supervisor.ErrAlreadyRunning) {
			slog.Info("Agent already running", "agent", spec.Name)
			continue
		}
		slog.Error("Agent start failed", "agent", spec.Name, "error", err)
	}
}

// wireWatcher watches agents_dir so saving a hot-reload agent's config file
// triggers the reload signal path. Agents without hot reload only get their
// spec re-registered for the next explicit restart.
func wireWatcher(sup *supervisor.Supervisor, cfg *config.Config, configPath string) (*configWatcher, error) {
	if cfg.AgentsDir == "" {
		return nil, nil
	}
	dir := cfg.AgentsDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(filepath.Dir(configPath), dir)
	}
	watcher, err := newConfigWatcher(func(spec agent.Spec) {
		if err := sup.Register(spec); err != nil {
			slog.Warn("Changed agent config rejected", "agent", spec.Name, "error", err)
			return
		}
		if !spec.HotReload {
			return
		}
		if err := sup.Restart(context.Background(), spec.Name, true, false, 0); err != nil {
			slog.Warn("Hot reload failed", "agent", spec.Name, "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	if err := watcher.Watch(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	slog.Info("Watching agent configs", "dir", dir)
	return watcher, nil
}
