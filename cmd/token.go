package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/itiky/listsync/model"
	"github.com/itiky/listsync/service/server"
)

const FlagTTL = "ttl"

// GetTokenCmd returns issue account token command.
func GetTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an account access token",
		Run: func(cmd *cobra.Command, args []string) {
			// Parse inputs
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				fatal("config", err)
			}
			accountId, err := cmd.Flags().GetString(FlagAccount)
			if err != nil {
				fatal("flag", fmt.Errorf("%s: %w", FlagAccount, err))
			}
			ttl, err := cmd.Flags().GetDuration(FlagTTL)
			if err != nil {
				fatal("flag", fmt.Errorf("%s: %w", FlagTTL, err))
			}
			if ttl == 0 {
				ttl = cfg.Auth.TokenTTL
			}

			// Work
			auth, err := server.NewAuthenticator(cfg.Auth.Secret)
			if err != nil {
				fatal("auth init", fmt.Errorf("auth.secret: %w", err))
			}
			token, err := auth.IssueToken(model.AccountId(accountId), ttl)
			if err != nil {
				fatal("token issue", err)
			}

			fmt.Println(token)
		},
	}
	cmd.Flags().String(FlagAccount, "demo", "(optional) account id")
	cmd.Flags().Duration(FlagTTL, 0, "(optional) token lifetime (auth.tokenTTL if 0)")

	return cmd
}

func init() {
	rootCmd.AddCommand(GetTokenCmd())
}
