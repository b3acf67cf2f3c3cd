// Otto is a rule engine that runs beside Home Assistant.
//
// It mirrors entity state over the websocket API, matches incoming
// events and clock alarms against stored automation rules, and calls
// services back into Home Assistant when a rule fires. A small REST
// API manages rules and exposes engine observability.
//
// Usage:
//
//	otto serve               Start the engine
//	otto check <file.json>   Validate a rule descriptor file
//	otto testserver          Run the loopback websocket test server
//	otto version             Print version and build information
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ottohome/ottoengine/internal/buildinfo"
	"github.com/ottohome/ottoengine/internal/clock"
	"github.com/ottohome/ottoengine/internal/config"
	"github.com/ottohome/ottoengine/internal/engine"
	"github.com/ottohome/ottoengine/internal/enginelog"
	"github.com/ottohome/ottoengine/internal/hass"
	"github.com/ottohome/ottoengine/internal/persist"
	"github.com/ottohome/ottoengine/internal/rest"
	"github.com/ottohome/ottoengine/internal/rule"
	"github.com/ottohome/ottoengine/internal/testserver"
)

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package's package-level globals interfere with parallel tests, and
// the argument surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	switch command {
	case "", "serve":
		return serve(ctx, stdout, configPath)
	case "check":
		return checkRules(stdout, configPath, cmdArgs)
	case "testserver":
		return runTestServer(ctx, stdout, configPath)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command %q (try: otto help)", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprint(w, `otto - a rule engine for Home Assistant

Usage:
  otto [flags] <command> [args]

Commands:
  serve               Start the engine (default)
  check <file.json>   Validate a rule descriptor file
  testserver          Run the loopback websocket test server
  version             Print version and build information
  help                Show this help

Flags:
  -config <path>      Config file path (default: search standard locations)
`)
	return nil
}

// loadConfig resolves and loads the YAML configuration.
func loadConfig(configPath string) (*config.Config, error) {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// newLogger builds the process logger at the configured level.
func newLogger(w io.Writer, level string) *slog.Logger {
	parsed, err := config.ParseLogLevel(level)
	if err != nil {
		parsed = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       parsed,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// newRuleStore builds the configured persistence backend: SQLite when
// a database path is set, one JSON file per rule otherwise.
func newRuleStore(ctx context.Context, cfg *config.Config, codec rule.Codec, logger *slog.Logger) (persist.Store, func() error, error) {
	if cfg.Rules.SQLitePath != "" {
		store, err := persist.OpenSQLiteStore(ctx, cfg.Rules.SQLitePath, codec, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	store, err := persist.NewFileStore(cfg.Rules.Directory, codec, logger)
	if err != nil {
		return nil, nil, err
	}
	return store, func() error { return nil }, nil
}

// serve runs the engine until SIGINT/SIGTERM or a REST shutdown.
func serve(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting", "build", buildinfo.String())

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	codec := rule.Codec{DefaultTZ: cfg.TZ}
	ruleStore, closeStore, err := newRuleStore(ctx, cfg, codec, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	elog := enginelog.New(nil)
	engClock := clock.New(nil, logger.With("component", "clock"))
	eng := engine.New(engine.Options{
		Clock:     engClock,
		EngineLog: elog,
		Rules:     ruleStore,
		Codec:     codec,
		Logger:    logger.With("component", "engine"),
	})

	wsURL := hass.URL(cfg.Hass.Host, cfg.Hass.Port, cfg.Hass.TLS)
	supervisor := hass.NewSupervisor(func() *hass.Client {
		return hass.NewClient(wsURL, cfg.Hass.Token, logger.With("component", "hass"))
	}, eng, logger.With("component", "supervisor"))

	restServer := rest.NewServer("", cfg.RESTPort, eng, cancel,
		logger.With("component", "rest"))

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); eng.Run(ctx) }()
	go func() { defer wg.Done(); engClock.Run(ctx) }()
	go func() { defer wg.Done(); supervisor.Run(ctx) }()

	var testSrv *testserver.Server
	if cfg.TestServerPort != 0 {
		testSrv = testserver.NewServer("", cfg.TestServerPort,
			logger.With("component", "testserver"))
		go func() {
			if err := testSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("test server failed", "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := restServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		cancel()
		wg.Wait()
		return fmt.Errorf("rest server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := restServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("rest shutdown failed", "error", err)
	}
	if testSrv != nil {
		if err := testSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("test server shutdown failed", "error", err)
		}
	}
	wg.Wait()
	return nil
}

// checkRules validates rule descriptor files without starting the
// engine.
func checkRules(stdout io.Writer, configPath string, files []string) error {
	if len(files) == 0 {
		return fmt.Errorf("check: at least one descriptor file is required")
	}
	tz := "UTC"
	if cfg, err := loadConfig(configPath); err == nil {
		tz = cfg.TZ
	}
	codec := rule.Codec{DefaultTZ: tz}

	var failed bool
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			fmt.Fprintf(stdout, "%s: %s\n", file, err)
			failed = true
			continue
		}
		r, err := codec.DecodeRule(data)
		if err != nil {
			fmt.Fprintf(stdout, "%s: %s\n", file, err)
			failed = true
			continue
		}
		fmt.Fprintf(stdout, "%s: ok (rule %s, %d triggers, %d sequences)\n",
			file, r.ID, len(r.Triggers), len(r.Actions))
	}
	if failed {
		return fmt.Errorf("validation failed")
	}
	return nil
}

// runTestServer runs only the loopback websocket server.
func runTestServer(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.TestServerPort == 0 {
		return fmt.Errorf("config: test_server_port is required for the testserver command")
	}
	logger := newLogger(stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := testserver.NewServer("", cfg.TestServerPort, logger)
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return err
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
