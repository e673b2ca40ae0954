package main

import (
	"fmt"

	"github.com/WatchBeam/clock"
	"github.com/fleetdm/mdmgateway/server/config"
	"github.com/fleetdm/mdmgateway/server/datastore/mysql"
	"github.com/spf13/cobra"
)

func createPrepareCmd(configManager config.Manager) *cobra.Command {
	prepareCmd := &cobra.Command{
		Use:   "prepare",
		Short: "Subcommands for initializing the gateway infrastructure",
		Long: `
Subcommands for initializing the gateway infrastructure

To setup the gateway infrastructure, use one of the available commands.
`,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help() //nolint:errcheck
		},
	}

	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Given correct database configurations, create the device authority tables",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			config := configManager.LoadConfig()
			logger := initLogger(config)

			ds, err := mysql.New(config.Mysql, clock.C, mysql.Logger(logger))
			if err != nil {
				initFatal(err, "creating db connection")
			}
			defer ds.Close()

			if err := ds.MigrateTables(cmd.Context()); err != nil {
				initFatal(err, "migrating db schema")
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Migrations completed.")
		},
	}

	prepareCmd.AddCommand(dbCmd)

	return prepareCmd
}
