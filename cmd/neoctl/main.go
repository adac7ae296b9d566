package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/e42s/neoppod/pkg/admin"
	"github.com/e42s/neoppod/pkg/config"
	"github.com/e42s/neoppod/pkg/log"
	"github.com/e42s/neoppod/pkg/master"
	"github.com/e42s/neoppod/pkg/neo/ids"
	"github.com/e42s/neoppod/pkg/neo/node"
	"github.com/e42s/neoppod/pkg/neo/pt"
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
	Use:     "neoctl",
	Short:   "Administer a NEO cluster",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("neoctl version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "neoctl.yaml", "Path to the admin's YAML config file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(partitionCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

// dial loads the admin config from the --config flag and returns a
// connected Admin, identified with and dialed to the cluster's primary
// master. Every subcommand calls this once and defers Close.
func dial(cmd *cobra.Command) (*admin.Admin, context.Context, context.CancelFunc, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadAdmin(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	nodeLog := log.WithComponent("neoctl")
	self := ids.NewUUID(ids.RoleAdmin)
	a := admin.New(self, cfg.ClusterName, nodeLog)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := a.DialPrimary(ctx, cfg.MasterAddrs); err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("dial primary master: %w", err)
	}
	return a, ctx, cancel, nil
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Inspect and control the cluster-wide state",
}

var clusterStateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the cluster's current state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer a.Close()

		state, err := a.ClusterState(ctx)
		if err != nil {
			return fmt.Errorf("get cluster state: %w", err)
		}
		fmt.Println(master.ClusterState(state).String())
		return nil
	},
}

var clusterSetStateCmd = &cobra.Command{
	Use:   "set-state <RECOVERING|VERIFYING|RUNNING|STARTING_BACKUP|BACKINGUP|STOPPING_BACKUP|STOPPING>",
	Short: "Request a cluster-wide state transition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := parseClusterState(args[0])
		if err != nil {
			return err
		}

		a, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer a.Close()

		applied, err := a.SetClusterState(ctx, uint8(state))
		if err != nil {
			return fmt.Errorf("set cluster state: %w", err)
		}
		fmt.Println(master.ClusterState(applied).String())
		return nil
	},
}

var clusterPrimaryCmd = &cobra.Command{
	Use:   "primary",
	Short: "Print the UUID of the current primary master",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer a.Close()

		uuid, err := a.Primary(ctx)
		if err != nil {
			return fmt.Errorf("get primary: %w", err)
		}
		fmt.Println(uuid.String())
		return nil
	},
}

var clusterPackCmd = &cobra.Command{
	Use:   "pack <tid>",
	Short: "Pack the database, discarding history up to the given TID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var tid uint64
		if _, err := fmt.Sscanf(args[0], "%d", &tid); err != nil {
			return fmt.Errorf("invalid tid %q: %w", args[0], err)
		}

		a, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer a.Close()

		reclaimed, err := a.Pack(ctx, ids.TID(tid))
		if err != nil {
			return fmt.Errorf("pack: %w", err)
		}
		fmt.Printf("pack reclaimed %d object revision(s)\n", reclaimed)
		return nil
	},
}

func init() {
	clusterCmd.AddCommand(clusterStateCmd)
	clusterCmd.AddCommand(clusterSetStateCmd)
	clusterCmd.AddCommand(clusterPrimaryCmd)
	clusterCmd.AddCommand(clusterPackCmd)
}

func parseClusterState(s string) (master.ClusterState, error) {
	switch strings.ToUpper(s) {
	case "RECOVERING":
		return master.StateRecovering, nil
	case "VERIFYING":
		return master.StateVerifying, nil
	case "RUNNING":
		return master.StateRunning, nil
	case "STARTING_BACKUP":
		return master.StateStartingBackup, nil
	case "BACKINGUP":
		return master.StateBackingUp, nil
	case "STOPPING_BACKUP":
		return master.StateStoppingBackup, nil
	case "STOPPING":
		return master.StateStopping, nil
	default:
		return 0, fmt.Errorf("unknown cluster state %q", s)
	}
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Inspect and administer cluster nodes",
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every node known to the cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer a.Close()

		nodes, err := a.NodeList(ctx)
		if err != nil {
			return fmt.Errorf("list nodes: %w", err)
		}

		fmt.Printf("%-34s %-8s %-22s %-10s\n", "UUID", "ROLE", "ADDRESS", "STATE")
		for _, n := range nodes {
			fmt.Printf("%-34s %-8s %-22s %-10s\n",
				n.UUID.String(), string(rune(n.Role)), n.Address, node.State(n.State).String())
		}
		return nil
	},
}

var nodeSetStateCmd = &cobra.Command{
	Use:   "set-state <uuid> <PENDING|RUNNING|TEMPORARILY_DOWN|DOWN|BROKEN>",
	Short: "Change one node's membership state",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		uuid, err := ids.ParseUUID(args[0])
		if err != nil {
			return fmt.Errorf("invalid uuid %q: %w", args[0], err)
		}
		state, err := parseNodeState(args[1])
		if err != nil {
			return err
		}
		modifyPT, _ := cmd.Flags().GetBool("modify-partition-table")

		a, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer a.Close()

		nodes, err := a.SetNodeState(ctx, uuid, uint8(state), modifyPT)
		if err != nil {
			return fmt.Errorf("set node state: %w", err)
		}
		fmt.Printf("%d node(s) updated\n", len(nodes))
		return nil
	},
}

var nodeAddPendingCmd = &cobra.Command{
	Use:   "add-pending <uuid> [uuid...]",
	Short: "Admit pending storages into the partition table",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uuids := make([]ids.UUID, len(args))
		for i, a := range args {
			u, err := ids.ParseUUID(a)
			if err != nil {
				return fmt.Errorf("invalid uuid %q: %w", a, err)
			}
			uuids[i] = u
		}

		a, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer a.Close()

		nodes, err := a.AddPendingNodes(ctx, uuids)
		if err != nil {
			return fmt.Errorf("add pending nodes: %w", err)
		}
		fmt.Printf("%d node(s) admitted\n", len(nodes))
		return nil
	},
}

var nodeDropCmd = &cobra.Command{
	Use:   "drop <uuid>",
	Short: "Permanently drop a node from the cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uuid, err := ids.ParseUUID(args[0])
		if err != nil {
			return fmt.Errorf("invalid uuid %q: %w", args[0], err)
		}

		a, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer a.Close()

		nodes, err := a.DropNode(ctx, uuid)
		if err != nil {
			return fmt.Errorf("drop node: %w", err)
		}
		fmt.Printf("%d node(s) remaining\n", len(nodes))
		return nil
	},
}

var nodeCheckReplicasCmd = &cobra.Command{
	Use:   "check-replicas <partition> <source-uuid> <min-tid> <max-tid>",
	Short: "Compare one partition's replicas against a source for divergence",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		var partition uint32
		if _, err := fmt.Sscanf(args[0], "%d", &partition); err != nil {
			return fmt.Errorf("invalid partition %q: %w", args[0], err)
		}
		source, err := ids.ParseUUID(args[1])
		if err != nil {
			return fmt.Errorf("invalid source uuid %q: %w", args[1], err)
		}
		var minTID, maxTID uint64
		if _, err := fmt.Sscanf(args[2], "%d", &minTID); err != nil {
			return fmt.Errorf("invalid min tid %q: %w", args[2], err)
		}
		if _, err := fmt.Sscanf(args[3], "%d", &maxTID); err != nil {
			return fmt.Errorf("invalid max tid %q: %w", args[3], err)
		}

		a, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer a.Close()

		divergent, detail, err := a.CheckReplicas(ctx, partition, source, ids.TID(minTID), ids.TID(maxTID))
		if err != nil {
			return fmt.Errorf("check replicas: %w", err)
		}
		if divergent {
			fmt.Printf("DIVERGENT: %s\n", detail)
		} else {
			fmt.Println("OK")
		}
		return nil
	},
}

func init() {
	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeSetStateCmd)
	nodeCmd.AddCommand(nodeAddPendingCmd)
	nodeCmd.AddCommand(nodeDropCmd)
	nodeCmd.AddCommand(nodeCheckReplicasCmd)

	nodeSetStateCmd.Flags().Bool("modify-partition-table", false, "Also reassign this node's partition cells")
}

func parseNodeState(s string) (node.State, error) {
	switch strings.ToUpper(s) {
	case "PENDING":
		return node.StatePending, nil
	case "RUNNING":
		return node.StateRunning, nil
	case "TEMPORARILY_DOWN":
		return node.StateTemporarilyDown, nil
	case "DOWN":
		return node.StateDown, nil
	case "BROKEN":
		return node.StateBroken, nil
	default:
		return 0, fmt.Errorf("unknown node state %q", s)
	}
}

var partitionCmd = &cobra.Command{
	Use:   "partition",
	Short: "Inspect and tweak the partition table",
}

var partitionRowsCmd = &cobra.Command{
	Use:   "rows",
	Short: "Print the current partition table",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer a.Close()

		ptid, rows, err := a.PartitionRows(ctx)
		if err != nil {
			return fmt.Errorf("get partition rows: %w", err)
		}
		fmt.Printf("ptid=%d\n", ptid)
		for _, row := range rows {
			cells := make([]string, len(row.Cells))
			for i, c := range row.Cells {
				cells[i] = fmt.Sprintf("%s:%s", c.NodeUUID.String(), pt.CellState(c.State).String())
			}
			fmt.Printf("%5d  %s\n", row.Partition, strings.Join(cells, " "))
		}
		return nil
	},
}

var partitionTweakCmd = &cobra.Command{
	Use:   "tweak [excluded-uuid...]",
	Short: "Rebalance the partition table, optionally excluding some nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		excluded := make([]ids.UUID, len(args))
		for i, a := range args {
			u, err := ids.ParseUUID(a)
			if err != nil {
				return fmt.Errorf("invalid uuid %q: %w", a, err)
			}
			excluded[i] = u
		}

		a, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer a.Close()

		ptid, rows, err := a.TweakPartitionTable(ctx, excluded)
		if err != nil {
			return fmt.Errorf("tweak partition table: %w", err)
		}
		fmt.Printf("ptid=%d rows=%d\n", ptid, len(rows))
		return nil
	},
}

func init() {
	partitionCmd.AddCommand(partitionRowsCmd)
	partitionCmd.AddCommand(partitionTweakCmd)
}
