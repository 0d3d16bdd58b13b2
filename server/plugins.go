package main

import (
	"github.com/fatih/color"
	"github.com/gammadia/warden/infrastructure"
	"github.com/gammadia/warden/infrastructure/local"
	"github.com/gammadia/warden/infrastructure/openstack"
	"github.com/gammadia/warden/infrastructure/ssh"
	"github.com/gammadia/warden/policy"
	"github.com/spf13/cobra"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List the infrastructures and policies node sources can use",
	Args:  cobra.NoArgs,

	Run: func(cmd *cobra.Command, args []string) {
		printKinds(cmd, "Infrastructures", newInfrastructures().Kinds())
		cmd.Println()
		printKinds(cmd, "Policies", policy.NewRegistry().Kinds())
	},
}

func printKinds(cmd *cobra.Command, title string, kinds []string) {
	cmd.Println(color.New(color.Bold).Sprint(title))
	for _, kind := range kinds {
		cmd.Printf("  %s\n", color.CyanString(kind))
	}
}

// newInfrastructures knows every back-end shipped with the server.
func newInfrastructures() *infrastructure.Registry {
	registry := infrastructure.NewRegistry()
	registry.Register(local.Kind, local.Factory)
	registry.Register(ssh.Kind, ssh.Factory)
	registry.Register(openstack.Kind, openstack.Factory)
	return registry
}
