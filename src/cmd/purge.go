package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var purgeCMD = &cobra.Command{
	Use:   "purge",
	Short: "Expire import batches left pending or failed past the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.ingestion.PurgeStaleBatches(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %d stale import batch(es) older than %s\n", n, a.cfg.BatchRetention)
		return nil
	},
}
