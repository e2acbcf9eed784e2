package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/username/tradejournal/backend/src/config"
	"github.com/username/tradejournal/backend/src/security"
)

var (
	tokenUserID int64
	tokenAdmin  bool
	tokenTTL    time.Duration
)

var tokenCMD = &cobra.Command{
	Use:   "token",
	Short: "Issue an access token for a user",
	Long:  `Issue a signed bearer token for the API. Intended for local development and scripts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenUserID <= 0 {
			return fmt.Errorf("--user must be a positive id")
		}
		cfg := config.LoadConfig()
		token, err := security.NewAuthService(cfg.JWTSecret).GenerateToken(tokenUserID, tokenAdmin, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCMD.Flags().Int64Var(&tokenUserID, "user", 0, "user id the token is issued for")
	tokenCMD.Flags().BoolVar(&tokenAdmin, "admin", false, "grant access to admin routes")
	tokenCMD.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}
