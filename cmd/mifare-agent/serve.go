package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SimplyPrint/mifare-agent/internal/api"
	"github.com/SimplyPrint/mifare-agent/internal/config"
	"github.com/SimplyPrint/mifare-agent/internal/logging"
	"github.com/SimplyPrint/mifare-agent/internal/mifare"
	"github.com/SimplyPrint/mifare-agent/internal/pcsc"
	"github.com/SimplyPrint/mifare-agent/internal/session"
	"github.com/SimplyPrint/mifare-agent/internal/tray"
)

func runServe(args []string) error {
	var common commonFlags
	var noTray bool
	flagSet := newFlagSet("serve", &common)
	flagSet.BoolVar(&noTray, "no-tray", false, "run without system tray (headless mode)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	cfg, err := setup(common)
	if err != nil {
		return err
	}
	defer flushSentry()

	logging.Info(logging.CatSystem, "MIFARE Agent starting", map[string]any{
		"version": api.Version,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	server := api.NewServer(session.NewManager(), factory)
	server.SetShutdownHandler(cancel)
	go server.Run(ctx)

	useTray := !noTray && tray.IsSupported()
	trayApp := tray.New(cfg.Address(), tray.Actions{
		Rescan: func() error {
			_, err := server.Rescan()
			return err
		},
		ReaderCount: func() int {
			readers, _ := pcsc.ListReaders(factory)
			return len(readers)
		},
	}, cancel)

	watcher := pcsc.NewWatcher(factory, pcsc.WatcherOptions{
		Reader:      cfg.Reader,
		ReaderIndex: cfg.ReaderIndex,
		Interval:    cfg.PollInterval,
	}, func(tag *pcsc.Tag) {
		trayApp.SetCard(mifare.NormalizeUID(tag.ID()))
		if _, err := server.Discover(tag); err != nil {
			logging.CaptureError(err, "card read", map[string]any{
				"reader": tag.Reader(),
				"atr":    tag.ATR(),
			})
		}
	}, func() {
		trayApp.SetCard("")
		server.Forget()
	})
	go func() {
		defer logging.RecoverAndLog("reader watcher", false)
		watcher.Run(ctx)
	}()

	var serveErr error
	startServer := func() {
		serveErr = serveHTTP(ctx, cfg, server.NewMux())
		cancel()
	}

	if useTray {
		log.Println("Starting with system tray...")
		// systray must own the main thread on macOS
		go func() {
			<-ctx.Done()
			trayApp.Quit()
		}()
		trayApp.RunWithServer(startServer)
		cancel()
	} else {
		if noTray {
			log.Println("Running in headless mode (no system tray)")
		} else {
			log.Println("System tray not supported on this platform, running headless")
		}
		startServer()
	}

	log.Println("Shutting down...")
	logging.Info(logging.CatSystem, "MIFARE Agent stopped", nil)
	return serveErr
}

// serveHTTP serves handler until ctx is done, then shuts down gracefully.
func serveHTTP(ctx context.Context, cfg *config.Config, handler http.Handler) error {
	addr := cfg.Address()
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn(logging.CatSystem, "HTTP shutdown failed", map[string]any{
				"error": err.Error(),
			})
		}
	}()

	log.Printf("mifare-agent %s listening on http://%s\n", api.Version, addr)
	log.Printf("WebSocket available at ws://%s/v1/ws\n", addr)
	logging.Info(logging.CatSystem, "Server started", map[string]any{
		"address": addr,
		"reader":  cfg.Reader,
	})

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
