// serpentd is the game telemetry collector daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/slithernet/serpent/internal/config"
	"github.com/slithernet/serpent/internal/logging"
	"github.com/slithernet/serpent/internal/query"
	"github.com/slithernet/serpent/internal/server"
	"github.com/slithernet/serpent/internal/session"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "serpent.yaml", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "log in JSON format")
	noQuery := flag.Bool("no-query", false, "disable the analytics query service")
	flag.Parse()

	logging.Init(logging.ParseLevel(*logLevel), *logJSON)
	log := logging.Component("serpentd")
	log.Info("starting", "version", Version)

	// Load config; a missing file just means defaults plus env.
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Info("no config file, using defaults", "path", *cfgPath)
			cfg, err = config.FromEnv()
		}
		if err != nil {
			fatal("load config: %v", err)
		}
	}

	// CLI overrides
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		fatal("invalid config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fatal("create data dir: %v", err)
	}

	mgr := session.NewManager(cfg)

	var queries *query.Service
	if !*noQuery {
		queries, err = query.New(cfg)
		if err != nil {
			fatal("create query service: %v", err)
		}
		defer queries.Close()
	}

	srv := server.New(cfg, mgr, queries)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("collector ready",
		"listen", cfg.Server.Listen,
		"data_dir", cfg.Storage.DataDir,
		"collector_id", mgr.CollectorID())

	if err := srv.Run(ctx); err != nil {
		fatal("server error: %v", err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "serpentd: "+format+"\n", args...)
	os.Exit(1)
}
