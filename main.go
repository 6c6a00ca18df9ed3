package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/chatkeep/server/api"
	"github.com/chatkeep/server/config"
	"github.com/chatkeep/server/middleware"
	"github.com/chatkeep/server/ws"
)

var version = "dev"

// envFile is loaded before configuration is read, when present.
const envFile = ".env"

func newHandler(tokens middleware.TokenVerifier, chats *api.ChatHandler, accounts *api.AuthHandler, wsHandler *ws.RPCHandler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /api/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"pong"}`))
	})

	if accounts != nil {
		accounts.Register(mux)
	}
	if chats != nil {
		chats.Register(mux)
	}
	if wsHandler != nil {
		mux.Handle("GET /ws", wsHandler)
	}

	return middleware.Auth(tokens)(mux)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatkeep",
		Short:         "Multi-user chat server with persistent history",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(newServeCmd(), newChatCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatkeep %s\n", version)
		},
	}
}

// loadConfig reads configuration with cmd's flags taking precedence.
func loadConfig(cmd *cobra.Command, requireSecret bool) (*config.Config, error) {
	cfg, err := config.Load(envFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(requireSecret); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
