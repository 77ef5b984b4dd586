package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/marcin-skalski/drops-miner/internal/auth"
	"github.com/marcin-skalski/drops-miner/internal/campaign"
	"github.com/marcin-skalski/drops-miner/internal/config"
	"github.com/marcin-skalski/drops-miner/internal/logging"
	"github.com/marcin-skalski/drops-miner/internal/miner"
	"github.com/marcin-skalski/drops-miner/internal/notify"
	"github.com/marcin-skalski/drops-miner/internal/pubsub"
	"github.com/marcin-skalski/drops-miner/internal/transport"
	"github.com/marcin-skalski/drops-miner/internal/tui"
	"github.com/marcin-skalski/drops-miner/internal/twitch"
	"github.com/mattn/go-isatty"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	noTUI := flag.Bool("no-tui", false, "disable TUI mode")
	forceLogin := flag.Bool("login", false, "discard the stored credential and log in again")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Auto-detect TUI capability
	enableTUI := !*noTUI && os.Getenv("DROPS_MINER_TUI") != "0" &&
		isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd())

	logger, err := logging.New(cfg.LogFile, cfg.Log.Level, enableTUI)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.Close()

	httpClient, err := transport.NewHTTPClient(transport.Options{ProxyURL: cfg.ProxyURL})
	if err != nil {
		fmt.Fprintf(os.Stderr, "http transport: %v\n", err)
		os.Exit(1)
	}
	dialer, err := transport.NewWSDialer(transport.Options{ProxyURL: cfg.ProxyURL})
	if err != nil {
		fmt.Fprintf(os.Stderr, "websocket transport: %v\n", err)
		os.Exit(1)
	}
	if cfg.ProxyURL != "" {
		logger.Info("routing through proxy", "proxy", transport.MaskProxyURL(cfg.ProxyURL))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := auth.NewStore(httpClient, auth.ClientAndroidApp, logger)
	store.OnUpdate(func(cred auth.Credential) {
		if err := saveCredential(cfg.AuthFile, cred); err != nil {
			logger.Error("persisting credential failed", "file", cfg.AuthFile, "error", err)
		}
	})
	if err := login(ctx, store, httpClient, cfg.AuthFile, *forceLogin, logger); err != nil {
		fmt.Fprintf(os.Stderr, "login: %v\n", err)
		os.Exit(1)
	}

	gql := twitch.NewClient(httpClient, store, auth.ClientAndroidApp, logger)
	watcher := twitch.NewWatcher(httpClient, store, auth.ClientAndroidApp, logger)
	model := campaign.NewModel(logger)
	consumer := pubsub.NewConsumer(dialer, store, logger,
		pubsub.WithKeepalive(cfg.Events.PingInterval, cfg.Events.PingTimeout))

	engine := miner.New(cfg, store, gql, watcher, consumer, model, logger)
	consumer.SetHooks(engine.ConsumerHooks())

	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("event consumer stopped", "error", err)
		}
	}()

	go func() {
		if err := config.Watch(ctx, *configPath, logger, engine.SetConfig); err != nil && ctx.Err() == nil {
			logger.Warn("config watcher stopped", "error", err)
		}
	}()

	if cfg.NotificationsEnabled() {
		notifier := notify.New(logger)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case n := <-engine.Notifications():
					notifier.Send(n.Title, n.Body)
				}
			}
		}()
	}

	if enableTUI {
		// TUI mode: run the engine in background, TUI in foreground
		errCh := make(chan error, 1)
		go func() {
			logger.Info("miner starting in background", "config", *configPath)
			if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("engine error", "err", err)
				errCh <- err
			}
		}()

		m := tui.NewModel(engine, cfg.TUI.RefreshInterval)
		p := tea.NewProgram(m, tea.WithAltScreen())

		// Exit if the engine fails immediately
		go func() {
			if err := <-errCh; err != nil {
				p.Send(tea.Quit())
			}
		}()

		if _, err := p.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			os.Exit(1)
		}
	} else {
		// Headless mode
		logger.Info("miner starting (headless)", "config", *configPath)
		if err := engine.Run(ctx); err != nil {
			logger.Error("engine error", "err", err)
			os.Exit(1)
		}
	}
}

// login restores the persisted credential when it still validates, otherwise
// walks the device-code flow. The code prompt goes to the terminal directly
// since the TUI has not started yet.
func login(ctx context.Context, store *auth.Store, client *http.Client, authFile string, force bool, logger *slog.Logger) error {
	if !force {
		cred, err := loadCredential(authFile)
		switch {
		case err == nil:
			store.Set(cred)
			if _, err := store.Refresh(ctx); err == nil {
				logger.Info("restored session", "login", cred.Login)
				return nil
			} else if !errors.Is(err, auth.ErrAuthExpired) {
				return err
			}
			logger.Warn("stored credential rejected, logging in again")
		case !os.IsNotExist(err):
			return fmt.Errorf("read %s: %w", authFile, err)
		}
	}

	flow := auth.NewDeviceFlow(client, auth.ClientAndroidApp, logger)
	cred, err := flow.Run(ctx, func(code, uri string) {
		fmt.Printf("Open %s and enter code %s to authorize this device.\n", uri, code)
	})
	if err != nil {
		return err
	}
	store.Set(cred)
	logger.Info("logged in", "login", cred.Login)
	return nil
}

func loadCredential(path string) (auth.Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return auth.Credential{}, err
	}
	var cred auth.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return auth.Credential{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cred, nil
}

func saveCredential(path string, cred auth.Credential) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
