package main

import (
	"fmt"

	"github.com/fleetdm/mdmgateway/server/config"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

func createConfigDumpCmd(configManager config.Manager) *cobra.Command {
	var configDumpCmd = &cobra.Command{
		Use:   "config_dump",
		Short: "Dump the parsed configuration in yaml format",
		Long: `
Dump the parsed configuration in yaml format.

The gateway merges its configuration from several locations. The following
precedence is used:
1. CLI flags
2. Environment Variables (MDMGATEWAY_*)
3. Config File
4. Default Values

Secrets such as the MySQL password are printed as configured.
`,
		Run: func(cmd *cobra.Command, args []string) {
			buf, err := yaml.Marshal(configManager.LoadConfig())
			if err != nil {
				initFatal(err, "marshalling config to yaml")
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(buf))
		}}

	return configDumpCmd
}
