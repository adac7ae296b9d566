package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/e42s/neoppod/pkg/config"
	"github.com/e42s/neoppod/pkg/log"
	"github.com/e42s/neoppod/pkg/metrics"
	"github.com/e42s/neoppod/pkg/neo/ids"
	"github.com/e42s/neoppod/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "neo-storage",
	Short:   "Run a NEO storage node",
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the local store, dial the master, and start serving",
	RunE:  runStorage,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("neo-storage version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	serveCmd.Flags().String("config", "neo-storage.yaml", "Path to the storage's YAML config file")
	rootCmd.AddCommand(serveCmd)

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runStorage(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadStorage(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	self, err := loadOrCreateUUID(filepath.Join(cfg.DataDir, "uuid"))
	if err != nil {
		return fmt.Errorf("resolve node identity: %w", err)
	}
	nodeLog := log.WithNodeID(self.String())

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	role := storage.NewRole(self, cfg.ClusterName, store, cfg.Partitions, cfg.Replicas, nodeLog)

	if cfg.MetricsAddress != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil {
				nodeLog.Warn().Err(err).Msg("neo-storage: metrics server stopped")
			}
		}()
		nodeLog.Info().Str("address", cfg.MetricsAddress).Msg("neo-storage: metrics endpoint up")
	}

	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		nodeLog.Info().Msg("neo-storage: shutting down")
		cancel()
	}()

	role.Repl.Start(ctx)
	defer role.Repl.Stop()

	go dialMasterUntilDone(ctx, role, cfg.MasterAddrs, cfg.Address, nodeLog)

	nodeLog.Info().Str("address", cfg.Address).Msg("neo-storage: accepting connections")
	if err := storage.Serve(ctx, role, listener); err != nil && ctx.Err() == nil {
		nodeLog.Warn().Err(err).Msg("neo-storage: operation listener failed")
	}
	return nil
}

// dialMasterUntilDone keeps retrying Role.DialMaster with a fixed backoff
// until identification succeeds or ctx is canceled: the master may not be
// elected primary yet, or may not be reachable yet, at storage startup.
func dialMasterUntilDone(ctx context.Context, role *storage.Role, masterAddrs []string, selfAddr string, nodeLog zerolog.Logger) {
	const retryInterval = 5 * time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := role.DialMaster(ctx, masterAddrs, selfAddr); err != nil {
			nodeLog.Warn().Err(err).Msg("neo-storage: could not identify with master, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryInterval):
				continue
			}
		}
		nodeLog.Info().Msg("neo-storage: identified with master")
		return
	}
}

// loadOrCreateUUID reuses a UUID persisted under dataDir from a previous
// run, or generates and persists a fresh one on first start.
func loadOrCreateUUID(path string) (ids.UUID, error) {
	if raw, err := os.ReadFile(path); err == nil {
		return ids.ParseUUID(string(raw))
	}
	u := ids.NewUUID(ids.RoleStorage)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return u, nil
	}
	_ = os.WriteFile(path, []byte(u.String()), 0o644)
	return u, nil
}
