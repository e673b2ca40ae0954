package main

import (
	"fmt"
	"os"

	"github.com/fleetdm/mdmgateway/server/config"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
)

func createRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mdmgateway",
		Short: "Windows MDM enrollment gateway",
		Long: `
mdmgateway answers the discovery, policy and authentication steps of the
Windows MDM enrollment protocol (MS-MDE2), keeps the device authority
certificates and relays the remaining enrollment and management traffic
to the upstream MDM engine.

Configuration is read from CLI flags, MDMGATEWAY_* environment variables
and an optional yaml file, in that order of precedence.
`,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help() //nolint:errcheck
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a configuration file")
	return rootCmd
}

func main() {
	rootCmd := createRootCmd()

	configManager := config.NewManager(rootCmd)

	rootCmd.AddCommand(
		createPrepareCmd(configManager),
		createServeCmd(configManager),
		createRenewCmd(configManager),
		createConfigDumpCmd(configManager),
		createVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		initFatal(err, "running root command")
	}
}

// initFatal prints an error message and exits with a non-zero status.
func initFatal(err error, message string) {
	fmt.Fprintf(os.Stderr, "Error %s: %v\n", message, err)
	os.Exit(1)
}

func initLogger(config config.GatewayConfig) kitlog.Logger {
	var logger kitlog.Logger
	if config.Logging.JSON {
		logger = kitlog.NewJSONLogger(os.Stderr)
	} else {
		logger = kitlog.NewLogfmtLogger(os.Stderr)
	}
	logger = kitlog.NewSyncLogger(logger)

	if config.Logging.Debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	return kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC)
}
