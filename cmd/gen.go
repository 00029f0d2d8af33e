package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/itiky/listsync/model"
	"github.com/itiky/listsync/storage"
)

const (
	FlagAccount    = "account"
	FlagListsCount = "lists"
	FlagItemsCount = "items"
)

// GetGenerateCmd returns generate mock data command.
func GetGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate mock account lists",
		Run: func(cmd *cobra.Command, args []string) {
			// Parse inputs
			cfg, err := loadConfig(cmd, map[string]string{
				"server.dbPath": FlagDbPath,
			})
			if err != nil {
				fatal("config", err)
			}
			accountId, err := cmd.Flags().GetString(FlagAccount)
			if err != nil {
				fatal("flag", fmt.Errorf("%s: %w", FlagAccount, err))
			}
			listsCount, err := cmd.Flags().GetInt(FlagListsCount)
			if err != nil {
				fatal("flag", fmt.Errorf("%s: %w", FlagListsCount, err))
			}
			itemsCount, err := cmd.Flags().GetInt(FlagItemsCount)
			if err != nil {
				fatal("flag", fmt.Errorf("%s: %w", FlagItemsCount, err))
			}
			dbPath := cfg.Server.DbPath
			if dbPath == "" {
				// Neither set by the flag nor by the config: use the flag default
				if dbPath, err = cmd.Flags().GetString(FlagDbPath); err != nil {
					fatal("flag", fmt.Errorf("%s: %w", FlagDbPath, err))
				}
			}

			// Work
			st, err := storage.NewSQLiteStorage(dbPath, nil)
			if err != nil {
				fatal("storage init", err)
			}
			defer st.Close()

			lists, err := storage.Seed(context.Background(), st, model.AccountId(accountId), listsCount, itemsCount)
			if err != nil {
				fatal("gen failed", err)
			}
			for _, list := range lists {
				slog.Info("List created", "key", list.Key, "name", list.Name, "items", len(list.Items), "main", list.IsMain)
			}
		},
	}
	cmd.Flags().String(FlagDbPath, "./listsync.sqlite3", "(optional) SQLite database path")
	cmd.Flags().String(FlagAccount, "demo", "(optional) account id")
	cmd.Flags().Int(FlagListsCount, 3, "(optional) number of lists")
	cmd.Flags().Int(FlagItemsCount, 50, "(optional) number of items per list")

	return cmd
}

func init() {
	rootCmd.AddCommand(GetGenerateCmd())
}
