package main

import (
	"fmt"

	"github.com/WatchBeam/clock"
	"github.com/fleetdm/mdmgateway/server/config"
	"github.com/fleetdm/mdmgateway/server/datastore/mysql"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func createRenewCmd(configManager config.Manager) *cobra.Command {
	renewCmd := &cobra.Command{
		Use:   "renew",
		Short: "Run the device authority renewal once",
		Long: `
Run the device authority renewal once.

A new device authority is issued if the active one expires within
mdm.renewal_threshold, and expired authorities are pruned when
mdm.authority_retention is set. Nothing is done if another instance
currently holds the renewal lock.
`,
		Run: func(cmd *cobra.Command, args []string) {
			config := configManager.LoadConfig()
			logger := initLogger(config)

			ds, err := mysql.New(config.Mysql, clock.C, mysql.Logger(logger))
			if err != nil {
				initFatal(err, "creating db connection")
			}
			defer ds.Close()

			instanceID := uuid.NewString()
			cache := newAuthorityCache(ds, clock.C, instanceID, config.MDM, logger)
			sched := newAuthorityRenewalSchedule(cmd.Context(), instanceID, ds, cache, clock.C, config.MDM, logger)

			ran, err := sched.RunNow(cmd.Context())
			if err != nil {
				initFatal(err, "renewing device authority")
			}
			if !ran {
				fmt.Fprintln(cmd.OutOrStdout(), "Renewal is running on another instance, nothing to do.")
				return
			}

			active, err := cache.GetActiveAuthority(cmd.Context(), false)
			if err != nil {
				initFatal(err, "loading active device authority")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Active device authority %d (%s) expires at %s.\n",
				active.ID, active.Fingerprint, active.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z"))
		},
	}

	return renewCmd
}
