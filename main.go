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

	"github.com/marcus-crane/tunetogether/config"
	"github.com/marcus-crane/tunetogether/db"
	"github.com/marcus-crane/tunetogether/jam"
	"github.com/marcus-crane/tunetogether/migrations"
	"github.com/marcus-crane/tunetogether/routes"
	"github.com/marcus-crane/tunetogether/utils"
)

func main() {
	cfg, err := config.Load(utils.GetEnv("DOTENV_PATH", ".env"))
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.GetLogLevel()}))
	slog.SetDefault(logger)

	if utils.GetEnv("RESET_DB", "0") == "1" {
		if err := os.Remove(cfg.Jam.DbPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Error("Failed to reset database", slog.String("stack", err.Error()))
			os.Exit(1)
		}
	}

	store, err := db.NewSqliteStore(cfg.Jam.DbPath)
	if err != nil {
		slog.Error("Failed to open database", slog.String("stack", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	if err := store.ApplyMigrations(migrations.GetMigrations()); err != nil {
		slog.Error("Failed to apply migrations", slog.String("stack", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := jam.New(ctx, cfg, store, jam.Deps{})
	if err != nil {
		slog.Error("Failed to set up jam client", slog.String("stack", err.Error()))
		os.Exit(1)
	}
	if err := client.Start(ctx); err != nil {
		slog.Error("Failed to start jam client", slog.String("stack", err.Error()))
		os.Exit(1)
	}

	router := routes.Register(http.NewServeMux(), client, client.Events, client.Auth, routes.Options{
		SigningSecret:  cfg.Jam.SigningSecret,
		AllowedOrigins: cfg.Jam.Origins(),
	})
	srv := &http.Server{
		Addr:              cfg.Jam.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("TuneTogether is running", slog.String("addr", cfg.Jam.ListenAddr), slog.String("user", client.Me().Username))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", slog.String("stack", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	// closing the client ends the event streams, which would otherwise hold
	// the server open
	client.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Failed to shut down HTTP server cleanly", slog.String("stack", err.Error()))
	}
}
