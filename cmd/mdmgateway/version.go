package main

import (
	"github.com/fleetdm/mdmgateway/server/version"
	"github.com/spf13/cobra"
)

func createVersionCmd() *cobra.Command {
	var full bool
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version of mdmgateway",
		Run: func(cmd *cobra.Command, args []string) {
			if full {
				version.PrintFull(cmd.OutOrStdout())
				return
			}
			version.Print(cmd.OutOrStdout())
		},
	}
	versionCmd.Flags().BoolVar(&full, "full", false, "print full version information")
	return versionCmd
}
