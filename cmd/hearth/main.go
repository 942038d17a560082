package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var configPath string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hearth",
		Short: "Hearth — AI character conversation orchestrator",
		Long:  "Hearth routes chat messages between users and persistent AI characters.",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCharacterCmd())
	cmd.AddCommand(newChannelCmd())
	cmd.AddCommand(newInsightCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hearth %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// newLogger builds the process logger for the configured mode.
func newLogger(mode string) (*zap.Logger, error) {
	if mode == "prod" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
