// Command raftd runs one Raft server replica: the durable log, the
// protocol core, the net layer, and the client-facing socket, all
// driven by a single epoll event loop (spec.md §5, §6).
//
// Grounded on cmd/warren/main.go's rootCmd/cobra.OnInitialize(initLogging)/
// persistent-flags pattern, collapsed from warren's many subcommands to
// the one long-running server command this spec calls for.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/raftd/internal/config"
	"github.com/cuemby/raftd/internal/logx"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "raftd: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "raftd",
	Short: "raftd runs one replica of a Raft consensus group",
	RunE:  runServe,
}

func init() {
	cfg := config.Default()

	rootCmd.Flags().StringVarP(&cfg.GroupUUID, "group", "r", "", "raft group (cluster) UUID")
	rootCmd.Flags().StringVarP(&cfg.PeerUUID, "peer", "u", "", "this replica's peer UUID")
	rootCmd.Flags().StringVar(&cfg.PeerAddr, "peer-addr", "", "bind address for the server-to-server socket (host:port)")
	rootCmd.Flags().StringVar(&cfg.ClientAddr, "client-addr", "", "bind address for the client-facing socket (host:port)")
	rootCmd.Flags().StringVar(&cfg.LogDir, "data-dir", "./raftd-data", "directory for the durable log and checkpoints")
	rootCmd.Flags().StringVar((*string)(&cfg.Backend), "backend", string(config.BackendFlatFile), "log backend: flatfile or kv")
	rootCmd.Flags().StringVar(&cfg.PeersFile, "peers", "", "YAML file describing this group's fixed peer membership")
	rootCmd.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve /metrics on")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")

	cobra.OnInitialize(func() { initLogging(rootCmd) })

	serveCfg = cfg
}

// serveCfg is populated by flag binding in init; RunE reads it rather
// than threading cfg through cobra's untyped flag lookups, matching
// the rest of this package's style of binding flags straight into a
// typed struct up front.
var serveCfg *config.Config

func initLogging(cmd *cobra.Command) {
	level, _ := cmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := cmd.PersistentFlags().GetBool("log-json")
	logx.Init(logx.Config{Level: logx.Level(level), JSONOutput: jsonOut})
}
