package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chatkeep/server/api"
	"github.com/chatkeep/server/auth"
	"github.com/chatkeep/server/chat"
	"github.com/chatkeep/server/config"
	"github.com/chatkeep/server/llm"
	"github.com/chatkeep/server/logger"
	"github.com/chatkeep/server/reply"
	"github.com/chatkeep/server/session"
	"github.com/chatkeep/server/startup"
	"github.com/chatkeep/server/turn"
	"github.com/chatkeep/server/watch"
	"github.com/chatkeep/server/ws"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var (
		validateKey bool
		showQR      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, serveOptions{
				validateKey: validateKey,
				showQR:      showQR,
				out:         cmd.OutOrStdout(),
			})
		},
	}
	cmd.Flags().BoolVar(&validateKey, "validate-key", false, "check the API key with the provider before serving")
	cmd.Flags().BoolVar(&showQR, "qr", false, "print a QR code for the LAN address")
	return cmd
}

type serveOptions struct {
	validateKey bool
	showQR      bool
	out         io.Writer
}

// openStore returns the configured chat store and the directory holding
// per-user chat files, which is empty for backends that have none.
func openStore(cfg *config.Config) (session.Store, string, func() error, error) {
	switch cfg.StorageBackend {
	case config.BackendSQLite:
		s, err := session.NewSQLiteStore(cfg.DataDir)
		if err != nil {
			return nil, "", nil, err
		}
		return s, "", s.Close, nil
	default:
		s, err := session.NewFileStore(cfg.DataDir)
		if err != nil {
			return nil, "", nil, err
		}
		return s, s.ChatsDir(), func() error { return nil }, nil
	}
}

func serve(ctx context.Context, cfg *config.Config, opts serveOptions) error {
	closeLog, err := logger.Init(logger.Config{DataDir: cfg.DataDir, DevMode: cfg.DevMode})
	if err != nil {
		return err
	}
	defer closeLog()

	slog.Info("configuration loaded", "config", cfg)

	store, chatsDir, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("initialize chat store: %w", err)
	}
	defer closeStore()

	provider, err := llm.New(ctx, cfg.LLM(""))
	if err != nil {
		return fmt.Errorf("initialize llm provider: %w", err)
	}
	if opts.validateKey {
		if err := llm.Validate(ctx, provider); err != nil {
			return err
		}
		slog.Info("api key accepted", "provider", provider.Name())
	}
	if llm.IsEcho(provider) {
		slog.Warn("no api key configured, running in echo mode", "provider", string(cfg.Provider))
	}

	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}
	users, err := auth.NewUsers(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("initialize users: %w", err)
	}

	chats := chat.NewManager(store, reply.NewBridge(provider), chat.WithSaveFailedReplies(cfg.SaveFailedReplies))
	turns := turn.NewManager()

	lists := watch.NewChatListWatcher(store)
	watchers := []watch.Watcher{lists}
	if chatsDir != "" {
		dirs := watch.NewDirWatcher(chatsDir, externalEdit(store, lists))
		lists.SetUserDirs(dirs)
		// The directory watcher must run before list subscriptions can add users.
		watchers = append([]watch.Watcher{dirs}, watchers...)
	}
	for i, w := range watchers {
		if err := w.Start(); err != nil {
			stopWatchers(watchers[:i])
			return fmt.Errorf("start watcher: %w", err)
		}
	}

	providers := func(ctx context.Context, apiKey string) (llm.Provider, error) {
		return llm.New(ctx, cfg.LLM(apiKey))
	}
	wsHandler := ws.NewRPCHandler(tokens, chats, turns, lists, providers, cfg.DevMode)
	handler := newHandler(tokens, api.NewChatHandler(chats, turns), api.NewAuthHandler(users, tokens), wsHandler)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	startup.PrintBanner(opts.out, startup.BannerOptions{
		Version:  version,
		LocalURL: "http://localhost:" + strconv.Itoa(cfg.Port),
		Provider: provider.Name(),
		Model:    cfg.Model,
		Storage:  cfg.StorageBackend,
		Echo:     llm.IsEcho(provider),
	})
	if opts.showQR {
		if ip := lanAddr(); ip != "" {
			startup.PrintQRCode(opts.out, "http://"+net.JoinHostPort(ip, strconv.Itoa(cfg.Port)))
		}
	}
	startup.PrintFooter(opts.out)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "port", cfg.Port, "dataDir", cfg.DataDir, "devMode", cfg.DevMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		// Turns store their outcome before the watchers and store go away.
		turns.Shutdown()
		stopWatchers(watchers)
		return err
	})

	err = g.Wait()
	slog.Info("server stopped")
	return err
}

// externalEdit resyncs a user's listing after their chat files changed on
// disk, then tells their list subscribers to re-fetch.
func externalEdit(store session.Store, lists *watch.ChatListWatcher) func(userID string) {
	return func(userID string) {
		if fs, ok := store.(*session.FileStore); ok {
			if err := fs.Resync(userID); err != nil {
				slog.Warn("failed to resync chat list", "userId", userID, "error", err)
			}
		}
		lists.Reload(userID)
	}
}

// stopWatchers stops watchers in reverse start order.
func stopWatchers(watchers []watch.Watcher) {
	for i := len(watchers) - 1; i >= 0; i-- {
		watchers[i].Stop()
	}
}

// lanAddr returns the first non-loopback IPv4 address, or "".
func lanAddr() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}

