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

	"github.com/spf13/cobra"

	"github.com/e42s/neoppod/pkg/config"
	"github.com/e42s/neoppod/pkg/log"
	"github.com/e42s/neoppod/pkg/master"
	"github.com/e42s/neoppod/pkg/metrics"
	"github.com/e42s/neoppod/pkg/neo/ids"
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
	Use:     "neo-master",
	Short:   "Run a NEO master node",
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the master's election and operation loop",
	RunE:  runMaster,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("neo-master version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	serveCmd.Flags().String("config", "neo-master.yaml", "Path to the master's YAML config file")
	rootCmd.AddCommand(serveCmd)

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runMaster(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadMaster(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	self, err := loadOrCreateUUID(filepath.Join(cfg.DataDir, "uuid"), cfg.UUIDSeed)
	if err != nil {
		return fmt.Errorf("resolve node identity: %w", err)
	}
	nodeLog := log.WithNodeID(self.String())

	if cfg.MetricsAddress != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil {
				nodeLog.Warn().Err(err).Msg("neo-master: metrics server stopped")
			}
		}()
		nodeLog.Info().Str("address", cfg.MetricsAddress).Msg("neo-master: metrics endpoint up")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		nodeLog.Info().Msg("neo-master: shutting down")
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		m := master.New(self, cfg.ClusterName, cfg.Partitions, cfg.Replicas, 0, nodeLog)
		elector := master.NewElector(master.Config{
			UUID:        self,
			Address:     cfg.Address,
			ClusterName: cfg.ClusterName,
			Peers:       cfg.MasterAddrs,
		}, m.D, nodeLog)

		listener, err := net.Listen("tcp", cfg.Address)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.Address, err)
		}

		res, err := elector.Run(ctx, listener)
		if err != nil {
			listener.Close()
			return nil
		}
		if res.Void {
			listener.Close()
			continue
		}
		if !res.IsPrimary {
			nodeLog.Info().Str("primary", res.PrimaryUUID.String()).Msg("neo-master: running as standby")
			<-ctx.Done()
			listener.Close()
			return nil
		}

		nodeLog.Info().Str("address", cfg.Address).Msg("neo-master: elected primary, entering operation phase")
		err = master.Serve(ctx, m, listener)
		listener.Close()
		if err != nil && ctx.Err() == nil {
			nodeLog.Warn().Err(err).Msg("neo-master: operation listener failed")
		}
		return nil
	}
}

// loadOrCreateUUID resolves this node's identity: an explicit seed string
// wins, otherwise a UUID persisted under dataDir from a previous run is
// reused, otherwise a fresh one is generated and persisted.
func loadOrCreateUUID(path, seed string) (ids.UUID, error) {
	if seed != "" {
		return ids.ParseUUID(seed)
	}
	if raw, err := os.ReadFile(path); err == nil {
		return ids.ParseUUID(string(raw))
	}
	u := ids.NewUUID(ids.RoleMaster)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return u, nil
	}
	_ = os.WriteFile(path, []byte(u.String()), 0o644)
	return u, nil
}
