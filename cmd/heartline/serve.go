package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"heartline/internal/relay"
	"heartline/internal/store"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bundled relay server",
		Long:  "Serves the REST message endpoint, the websocket push endpoint, and /metrics. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadOrDefaults()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewSQLiteStore(cfg.Server.DBPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	srv := relay.NewServer(relay.Config{
		Host:   cfg.Server.Host,
		Port:   cfg.Server.Port,
		Store:  st,
		Logger: logger,
	})
	return srv.Start(ctx)
}
