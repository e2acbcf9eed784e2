package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var formatsBrokerID int64

var formatsCMD = &cobra.Command{
	Use:   "formats",
	Short: "List the learned broker CSV formats",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()

		formats, err := a.registry.ListFormats(cmd.Context(), formatsBrokerID)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tBROKER\tNAME\tCOLUMNS\tUSES\tSUCCESS\tUPDATED")
		for _, f := range formats {
			broker := f.BrokerName
			if broker == "" {
				broker = fmt.Sprintf("#%d", f.BrokerID)
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%s\n",
				f.ID, broker, f.FormatName, len(f.Headers), f.UsageCount, f.SuccessCount, f.UpdatedAt.Format("2006-01-02 15:04"))
		}
		return tw.Flush()
	},
}

func init() {
	formatsCMD.Flags().Int64Var(&formatsBrokerID, "broker", 0, "only list formats of this broker id")
}
