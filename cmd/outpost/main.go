package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/outpost/internal/api"
	"github.com/mattjoyce/outpost/internal/billing"
	"github.com/mattjoyce/outpost/internal/catalog"
	"github.com/mattjoyce/outpost/internal/config"
	"github.com/mattjoyce/outpost/internal/dispatch"
	"github.com/mattjoyce/outpost/internal/events"
	"github.com/mattjoyce/outpost/internal/log"
	"github.com/mattjoyce/outpost/internal/pool"
	"github.com/mattjoyce/outpost/internal/storage"
	"github.com/mattjoyce/outpost/internal/substrate"
	"github.com/mattjoyce/outpost/internal/tenant"
	"github.com/mattjoyce/outpost/internal/track"
	"github.com/mattjoyce/outpost/internal/workspace"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "start":
		return runStart(args)
	case "config":
		return runConfigNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	info := versionInfo{Version: version, Commit: gitCommit, BuildTime: buildDate}

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("outpost %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigHelp()
		return 1
	}
	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "fingerprint":
		return runConfigFingerprint(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config command: %s\n\n", args[0])
		printConfigHelp()
		return 1
	}
}

// runConfigCheck validates the config and the placement catalog it points at.
func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config check failed: %v\n", err)
		return 1
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Catalog check failed: %v\n", err)
		return 1
	}

	fmt.Printf("config ok: %s\n", path)
	fmt.Printf("catalog ok: %s (%d agent types)\n", cfg.CatalogPath, len(cat.AgentTypes()))
	return 0
}

func runConfigFingerprint(args []string) int {
	fs := flag.NewFlagSet("config fingerprint", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path := *configPath
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		path = discovered
	}

	fp, err := config.Fingerprint(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to fingerprint config: %v\n", err)
		return 1
	}
	fmt.Println(fp)
	return 0
}

func loadConfig(configPath string) (string, *config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return "", nil, err
		}
		configPath = discovered
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", nil, err
	}
	return configPath, cfg, nil
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path, cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("outpost starting", "version", version, "config", path)

	fingerprint, err := config.Fingerprint(path)
	if err != nil {
		logger.Error("failed to fingerprint config", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		logger.Error("failed to load placement catalog", "path", cfg.CatalogPath, "error", err)
		return 1
	}
	logger.Info("placement catalog loaded", "agent_types", cat.AgentTypes())

	tenants := make([]tenant.Tenant, 0, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		tenants = append(tenants, tenant.Tenant{
			ID:     t.ID,
			Name:   t.Name,
			Email:  t.Email,
			Status: tenant.Status(t.Status),
		})
	}
	resolver, err := tenant.NewResolver(tenants)
	if err != nil {
		logger.Error("invalid tenant configuration", "error", err)
		return 1
	}

	secretBackend := tenant.NewMemoryStore()
	for _, t := range cfg.Tenants {
		for name, value := range t.Secrets {
			if _, err := secretBackend.Put(ctx, tenant.SecretKeyPath(t.ID, name), value); err != nil {
				logger.Error("failed to seed tenant secret", "tenant_id", t.ID, "secret", name, "error", err)
				return 1
			}
		}
	}
	secrets := tenant.NewCachedStore(secretBackend, time.Minute)

	hub := events.NewHub(256)

	pm := pool.NewManager(substrate.NewLocalLauncher(), cat, cfg.Pool, hub)
	pm.Start(ctx)

	wm := workspace.NewManager(db, cfg.Workspaces, hub)
	wm.Start(ctx)

	store := dispatch.NewStore(db)
	emitter := billing.NewEmitter(store, db, nil, cfg.Billing)
	dispatcher := dispatch.NewDispatcher(store, cat, resolver, secrets, pm, wm, emitter, hub, cfg.Dispatch)
	tracker := track.NewTracker(store, dispatcher, cfg.Dispatch)

	// Retention purge for the audit trail.
	go func() {
		ticker := time.NewTicker(12 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := emitter.PurgeExpired(ctx); err != nil {
					logger.Warn("audit purge failed", "error", err)
				} else if n > 0 {
					logger.Info("audit purge complete", "rows", n)
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	apiServer := api.New(cfg.API, dispatcher, tracker, wm, emitter, pm, hub, fingerprint, log.WithComponent("api"))
	go func() {
		if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	logger.Info("outpost running (press Ctrl+C to stop)")

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		exitCode = 1
	}

	// Drain in-flight dispatches before tearing down the pool so their
	// terminal states and cost events land in the store.
	dispatcher.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	pm.Stop(shutdownCtx)
	wm.Stop()

	logger.Info("outpost stopped")
	return exitCode
}

func printUsage() {
	fmt.Print(`outpost - Dispatch control plane for pooled agent compute

Usage:
  outpost <command> [flags]

Commands:
  start                Start the control plane in foreground
  config check         Validate config and placement catalog
  config fingerprint   Print the config fingerprint
  version              Show version information
  help                 Show this help

Flags:
  --config <path>      Path to configuration file
                       (default: $OUTPOST_CONFIG, ~/.config/outpost/config.yaml,
                        /etc/outpost/config.yaml, ./config.yaml)
`)
}

func printConfigHelp() {
	fmt.Print(`Usage:
  outpost config check [--config <path>]
  outpost config fingerprint [--config <path>]
`)
}
