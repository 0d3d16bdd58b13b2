package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/gammadia/warden/server/flags"
	"github.com/spf13/cobra"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

var wardenCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden manages the nodes of a cluster.",

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	wardenCmd.AddCommand(serveCmd)
	wardenCmd.AddCommand(pluginsCmd)
	wardenCmd.AddCommand(versionCmd)

	flags.Register(serveCmd.Flags())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wardenCmd.SetOut(os.Stdout)
	wardenCmd.SetErr(os.Stderr)

	if err := wardenCmd.ExecuteContext(ctx); err != nil {
		wardenCmd.PrintErrln(color.RedString("Error: %s", err))
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the version number of Warden",
	Args:  cobra.NoArgs,

	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("warden version %s (%s)\n", version, commit[:min(len(commit), 7)])
	},
}
