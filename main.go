package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatbloom/internal/auth"
	"chatbloom/internal/commands"
	"chatbloom/internal/config"
	"chatbloom/internal/filestore"
	"chatbloom/internal/http"
	"chatbloom/internal/models"
	"chatbloom/internal/storage"
	"chatbloom/internal/ws"

	"golang.org/x/sync/errgroup"
)

// DefaultRoom is created on startup so a fresh install has somewhere to talk.
const DefaultRoom = "global"

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("chatbloom", flag.ContinueOnError)
	addUser := flags.String("add-user", "", "Username to create through the admin API of a running server")
	password := flags.String("password", "", "Password for -add-user (generated when empty)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*addUser != "")
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	if *addUser != "" {
		return commands.AddUser(*addUser, *password, cfg)
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	if err := ensureRoom(bbStorage, DefaultRoom); err != nil {
		return err
	}

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      cfg.JWTSecret,
		TokenExpiry: cfg.TokenExpiry,
	}, bbStorage)
	if err != nil {
		return err
	}

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}

	hub := ws.NewHub(ctx, bbStorage, ws.HubConfig{SendQueueSize: cfg.SendQueueSize})

	adminServer := http.NewAdminServer(authService, hub, bbStorage, cfg.AdminAddr, cfg.BaseURL)
	apiServer := http.NewAPIServer(ctx, authService, hub, files, bbStorage, cfg.APIAddr, cfg.ClientURL)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Admin server shutdown error", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func ensureRoom(store *storage.BboltStorage, name string) error {
	_, err := store.GetRoom(name)
	if errors.Is(err, models.ErrNotFound) {
		return store.UpsertRoom(models.Room{Name: name})
	}
	return err
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Application error", "error", err)
		os.Exit(1)
	}
}
