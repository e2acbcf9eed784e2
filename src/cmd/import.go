package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/username/tradejournal/backend/src/services"
)

var (
	importUserID  int64
	importBroker  string
	importTags    []string
	importApprove bool
)

var importCMD = &cobra.Command{
	Use:   "import [file]",
	Short: "Import a broker export for a user",
	Long: `Run a CSV or .xlsx broker export through the ingestion pipeline. A file whose layout
is not yet known stays pending for review unless --approve accepts the proposed mapping.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if importUserID <= 0 {
			return fmt.Errorf("--user must be a positive id")
		}
		path := args[0]
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		a.log.Info("Starting import", "file", path, "userID", importUserID)
		result, err := a.ingestion.Upload(ctx, services.UploadRequest{
			UserID:      importUserID,
			Filename:    filepath.Base(path),
			ContentType: http.DetectContentType(data),
			Data:        data,
			AccountTags: importTags,
			BrokerName:  strings.TrimSpace(importBroker),
		})
		if err != nil {
			return err
		}

		if result.PendingReview != nil && importApprove {
			result, err = a.ingestion.FinalizeMappings(ctx, services.FinalizeRequest{
				UserID:     importUserID,
				BatchID:    result.ImportBatchID,
				Approved:   true,
				BrokerName: strings.TrimSpace(importBroker),
			})
			if err != nil {
				return err
			}
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	importCMD.Flags().Int64Var(&importUserID, "user", 0, "owner of the imported orders")
	importCMD.Flags().StringVar(&importBroker, "broker", "", "broker name, overriding detection from the filename")
	importCMD.Flags().StringSliceVar(&importTags, "tags", nil, "account tags applied to every imported order")
	importCMD.Flags().BoolVar(&importApprove, "approve", false, "accept the proposed mapping of an unknown layout")
}
