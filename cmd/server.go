package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/itiky/listsync/service/server"
	"github.com/itiky/listsync/storage"
)

const (
	FlagAddr   = "addr"
	FlagDbPath = "db-path"
)

// GetServerCmd returns REST / WebSocket server start command.
func GetServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start lists server",
		Run: func(cmd *cobra.Command, args []string) {
			// Parse inputs
			cfg, err := loadConfig(cmd, map[string]string{
				"server.addr":   FlagAddr,
				"server.dbPath": FlagDbPath,
			})
			if err != nil {
				fatal("config", err)
			}

			// Init services
			var st *storage.Storage
			if cfg.Server.DbPath != "" {
				st, err = storage.NewSQLiteStorage(cfg.Server.DbPath, nil)
				if err != nil {
					fatal("storage init", err)
				}
				slog.Info("SQLite storage opened", "path", cfg.Server.DbPath)
			} else {
				st = storage.NewMemoryStorage(nil)
				slog.Warn("In-memory storage: lists are lost on restart")
			}
			defer st.Close()

			auth, err := server.NewAuthenticator(cfg.Auth.Secret)
			if err != nil {
				fatal("auth init", fmt.Errorf("auth.secret: %w", err))
			}

			dispatcher, err := server.NewDispatcher(auth, cfg.Server.SendBuffer, slog.Default())
			if err != nil {
				fatal("dispatcher init", err)
			}

			api, err := server.NewAPI(st, dispatcher, auth, slog.Default())
			if err != nil {
				fatal("api init", err)
			}

			// Start server
			httpServer := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           api.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dispatcher.Start()

			g, gCtx := errgroup.WithContext(ctx)
			g.Go(func() error {
				slog.Info("Server started", "addr", cfg.Server.Addr)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("listen: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				// Wait for signal
				<-gCtx.Done()
				slog.Info("Server stopping")

				dispatcher.Stop()

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})

			if err := g.Wait(); err != nil {
				slog.Error("Server stopped", "err", err)
				return
			}
			slog.Info("Server stopped")
		},
	}
	cmd.Flags().String(FlagAddr, ":2412", "(optional) listen address")
	cmd.Flags().String(FlagDbPath, "", "(optional) SQLite database path (in-memory storage if empty)")

	return cmd
}

func init() {
	rootCmd.AddCommand(GetServerCmd())
}
