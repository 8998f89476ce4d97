package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/plexhub/crucible/internal/api"
	"github.com/plexhub/crucible/internal/config"
	"github.com/plexhub/crucible/internal/events"
	"github.com/plexhub/crucible/internal/gateway"
	"github.com/plexhub/crucible/internal/lock"
	"github.com/plexhub/crucible/internal/log"
	"github.com/plexhub/crucible/internal/plugin"
	"github.com/plexhub/crucible/internal/plugin/builtin"
	"github.com/plexhub/crucible/internal/storage"
	"github.com/plexhub/crucible/internal/supervisor"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		os.Exit(runStart(os.Args[2:]))
	case "lock":
		os.Exit(runLock(os.Args[2:]))
	case "version":
		fmt.Printf("crucible version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`crucible - plugin execution sandbox

Usage:
  crucible <command> [flags]

Commands:
  start     Run the sandbox service in the foreground
  lock      Authorize the current config file (update its integrity hash)
  version   Show version information
  help      Show this help message
`)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	log.Setup(cfg.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("starting crucible", "version", version)

	lockPath := pidLockPath(cfg.StoragePath)
	pidLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", lockPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.StoragePath)
	if err != nil {
		logger.Error("open storage", "error", err)
		return 1
	}
	defer db.Close()

	kv := storage.NewKV(db)
	janitor, err := storage.NewJanitor(kv, cfg.PurgeSchedule)
	if err != nil {
		logger.Error("configure janitor", "error", err)
		return 1
	}
	janitor.Start()
	defer janitor.Stop()

	registry := plugin.NewRegistry()
	builtin.Register(registry)
	logger.Info("builtin plugins registered", "plugins", registry.Names())

	var external *plugin.ExternalSet
	if cfg.PluginsDir != "" {
		external, err = plugin.Discover(cfg.PluginsDir, func(format string, args ...any) {
			logger.Warn(fmt.Sprintf(format, args...))
		})
		if err != nil {
			logger.Error("discover external plugins", "error", err)
			return 1
		}
		logger.Info("external plugins discovered", "count", external.Len())
	}

	endpoints := make(map[string]gateway.Endpoint, len(cfg.Gateways))
	for kind, ep := range cfg.Gateways {
		endpoints[kind] = gateway.Endpoint{
			URL:        ep.URL,
			AuthToken:  ep.AuthToken,
			ResultPath: ep.ResultPath,
			Timeout:    ep.Timeout,
		}
	}

	hub := events.NewHub(256)
	sup := supervisor.New(supervisor.Config{
		KV:             kv,
		Gateways:       gateway.NewHTTPExecutor(endpoints),
		Loader:         plugin.NewStaticLoader(registry),
		External:       external,
		Hub:            hub,
		DefaultTimeout: cfg.ExecutionTimeout,
		CallTimeout:    cfg.CallTimeout,
	})

	server := api.New(api.Config{
		Listen:    cfg.Listen,
		AuthToken: cfg.AuthToken,
	}, sup, hub, log.WithComponent("api"))

	if err := server.Start(ctx); err != nil && err != context.Canceled {
		logger.Error("server exited", "error", err)
		return 1
	}

	logger.Info("crucible stopped")
	return 0
}

// pidLockPath puts the lock file next to the storage database, sharing its
// base name.
func pidLockPath(storagePath string) string {
	dir := filepath.Dir(storagePath)
	base := filepath.Base(storagePath)
	ext := filepath.Ext(base)
	return filepath.Join(dir, base[:len(base)-len(ext)]+".pid")
}

func runLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	_ = fs.Parse(args)

	if err := config.WriteIntegrity(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Integrity hash updated for %s\n", *configPath)
	return 0
}
