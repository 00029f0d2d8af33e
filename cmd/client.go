package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/itiky/listsync/model"
	"github.com/itiky/listsync/service/client"
	"github.com/itiky/listsync/snapshot"
	"github.com/itiky/listsync/storage"
)

const (
	FlagServerUrl   = "server-url"
	FlagToken       = "token"
	FlagSnapshotDir = "snapshot-dir"
	FlagEditPeriod  = "edit-period"
)

// GetClientCmd returns a demo client session start command: it randomly edits the account main list.
func GetClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Start demo client session",
		Run: func(cmd *cobra.Command, args []string) {
			// Parse inputs
			cfg, err := loadConfig(cmd, map[string]string{
				"client.serverUrl":   FlagServerUrl,
				"client.token":      FlagToken,
				"client.snapshotDir": FlagSnapshotDir,
			})
			if err != nil {
				fatal("config", err)
			}
			editPeriod, err := cmd.Flags().GetDuration(FlagEditPeriod)
			if err != nil {
				fatal("flag", fmt.Errorf("%s: %w", FlagEditPeriod, err))
			}
			if editPeriod <= 0 {
				fatal("flag", fmt.Errorf("%s: must be GT 0", FlagEditPeriod))
			}

			// Init services
			var kv snapshot.KV
			if cfg.Client.SnapshotDir != "" {
				fileKV, err := snapshot.NewFileKV(cfg.Client.SnapshotDir)
				if err != nil {
					fatal("snapshot storage init", err)
				}
				kv = fileKV
			}

			transport, err := client.NewHTTPTransport(cfg.Client.ServerUrl, cfg.Client.Token, cfg.Client.RequestTimeout)
			if err != nil {
				fatal("transport init", err)
			}

			session, err := client.NewSession(client.SessionConfig{
				Transport:     transport,
				Snapshots:     snapshot.NewStore(kv, slog.Default()),
				DebounceDelay: cfg.DebounceDelay(),
				EchoGrace:     cfg.EchoGrace(),
				DiffOptions:   cfg.DiffOptions(),
				Logger:        slog.Default(),
			})
			if err != nil {
				fatal("session init", err)
			}

			realtime, err := client.NewRealtime(cfg.Client.ServerUrl, cfg.Client.Token, session, transport, slog.Default())
			if err != nil {
				fatal("realtime init", err)
			}

			// Start
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gCtx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return realtime.Run(gCtx)
			})
			g.Go(func() error {
				return editWorker(gCtx, session, editPeriod)
			})

			if err := g.Wait(); err != nil {
				slog.Error("Client stopped", "err", err)
			}

			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Client.RequestTimeout)
			defer cancel()
			if err := session.Close(closeCtx); err != nil {
				slog.Error("Pending saves lost", "err", err)
			}
		},
	}
	cmd.Flags().String(FlagServerUrl, "http://127.0.0.1:2412", "(optional) server url")
	cmd.Flags().String(FlagToken, "", "account token (see the token command)")
	cmd.Flags().String(FlagSnapshotDir, "", "(optional) snapshot directory (memory only if empty)")
	cmd.Flags().Duration(FlagEditPeriod, 1*time.Second, "(optional) random edit period")

	return cmd
}

// editWorker periodically applies a random structural edit to the main list.
func editWorker(ctx context.Context, session *client.Session, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			lists, err := session.Lists(ctx)
			if err != nil {
				slog.Warn("Lists fetch failed", "err", err)
				continue
			}

			var main *model.List
			for idx := range lists {
				if lists[idx].IsMain {
					main = &lists[idx]
				}
			}
			if main == nil {
				slog.Info("No main list yet: run the generate command first")
				continue
			}

			items := randomEdit(main.Items)
			if err := session.Edit(main.Key, items); err != nil {
				slog.Warn("Edit failed", "listKey", main.Key, "err", err)
				continue
			}
			slog.Debug("Edited", "listKey", main.Key, "items", len(items))
		}
	}
}

// randomEdit inserts, removes or moves a single item.
func randomEdit(items model.Items) model.Items {
	items = items.Copy()

	switch op := rand.Intn(3); {
	case op == 0 || len(items) < 2:
		pos := rand.Intn(len(items) + 1)
		items = append(items[:pos], append(model.Items{storage.NewMockItem()}, items[pos:]...)...)
	case op == 1:
		pos := rand.Intn(len(items))
		items = append(items[:pos], items[pos+1:]...)
	default:
		from, to := rand.Intn(len(items)), rand.Intn(len(items))
		item := items[from]
		items = append(items[:from], items[from+1:]...)
		items = append(items[:to], append(model.Items{item}, items[to:]...)...)
	}

	return items
}

func init() {
	rootCmd.AddCommand(GetClientCmd())
}
