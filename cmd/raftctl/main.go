// Command raftctl is a thin, one-shot client over internal/raftclient:
// submit a kvapp command to the group's leader and print the reply,
// adopting redirects and retrying through the same leader-discovery
// path any long-lived client would use.
//
// Grounded on cmd/warren/main.go's rootCmd/subcommand-tree/cobra.OnInitialize
// pattern, collapsed from warren's many resource subcommands to this
// spec's much smaller op set (set/get/delete).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/raftd/internal/logx"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "raftctl: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "raftctl",
	Short: "raftctl submits requests to a raftd cluster",
}

var (
	flagGroup   string
	flagPeers   string
	flagTimeout int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagGroup, "group", "r", "", "raft group (cluster) UUID")
	rootCmd.PersistentFlags().StringVar(&flagPeers, "peers", "", "YAML file describing the group's peer membership")
	rootCmd.PersistentFlags().IntVar(&flagTimeout, "timeout-ms", 2000, "request timeout in milliseconds")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")

	cobra.OnInitialize(func() {
		level, _ := rootCmd.PersistentFlags().GetString("log-level")
		logx.Init(logx.Config{Level: logx.Level(level)})
	})

	rootCmd.AddCommand(setCmd, getCmd, deleteCmd)
}
