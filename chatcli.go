package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/chatkeep/server/chat"
	"github.com/chatkeep/server/llm"
	"github.com/chatkeep/server/logger"
	"github.com/chatkeep/server/reply"
	"github.com/chatkeep/server/session"
)

func newChatCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat in the terminal using the local store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}
			if !session.ValidID(userID) {
				return fmt.Errorf("%w: user %q", session.ErrInvalidID, userID)
			}

			closeLog, err := logger.Init(logger.Config{DataDir: cfg.DataDir, DevMode: false})
			if err != nil {
				return err
			}
			defer closeLog()

			store, _, closeStore, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("initialize chat store: %w", err)
			}
			defer closeStore()

			apiKey := cfg.APIKey()
			if apiKey == "" && cfg.Provider != llm.TypeEcho && term.IsTerminal(int(os.Stdin.Fd())) {
				apiKey, err = promptKey(cmd.ErrOrStderr(), cfg.Provider)
				if err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			provider, err := llm.New(ctx, cfg.LLM(apiKey))
			if err != nil {
				return err
			}
			if err := llm.Validate(ctx, provider); err != nil {
				return err
			}

			chats := chat.NewManager(store, reply.NewBridge(provider), chat.WithSaveFailedReplies(cfg.SaveFailedReplies))
			return runChat(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), chats, userID)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "local", "user whose chats are used")
	return cmd
}

func promptKey(w io.Writer, provider llm.Type) (string, error) {
	fmt.Fprintf(w, "%s API key (empty for echo mode): ", provider)
	key, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("read api key: %w", err)
	}
	return strings.TrimSpace(string(key)), nil
}

const chatHelp = "commands: /new [title], /list, /switch <id>, /rename <title>, /delete, /quit"

// runChat reads prompts and commands from in until EOF or /quit.
func runChat(ctx context.Context, in io.Reader, out io.Writer, chats *chat.Manager, userID string) error {
	current, err := chats.Current(ctx, userID)
	if err != nil {
		return err
	}
	if current == nil {
		if _, err := chats.Create(ctx, userID, ""); err != nil {
			return err
		}
		if current, err = chats.Current(ctx, userID); err != nil {
			return err
		}
	} else {
		printHistory(out, current)
	}
	fmt.Fprintf(out, "[%s] %s\n%s\n", current.ID, current.Title, chatHelp)

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := runCommand(ctx, out, chats, userID, &current, line)
			if err != nil {
				fmt.Fprintln(out, "error:", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if current == nil {
			fmt.Fprintln(out, "no chat selected; use /new")
			continue
		}
		turn, err := chats.Send(ctx, userID, current.ID, line, func(fragment string) error {
			_, err := io.WriteString(out, fragment)
			return err
		})
		fmt.Fprintln(out)
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			continue
		}
		if !turn.Saved {
			fmt.Fprintln(out, "(reply not saved)")
		}
	}
}

func runCommand(ctx context.Context, out io.Writer, chats *chat.Manager, userID string, current **session.Session, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(out, chatHelp)
		return false, nil
	case "/new":
		summary, err := chats.Create(ctx, userID, arg)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "[%s] %s\n", summary.ID, summary.Title)
	case "/list":
		list, err := chats.List(ctx, userID)
		if err != nil {
			return false, err
		}
		for _, s := range list {
			marker := " "
			if *current != nil && (*current).ID == s.ID {
				marker = "*"
			}
			fmt.Fprintf(out, "%s %s  %s  %s\n", marker, s.ID, s.CreatedAt.Local().Format("2006-01-02 15:04"), s.Title)
		}
		return false, nil
	case "/switch":
		if arg == "" {
			return false, errors.New("usage: /switch <id>")
		}
		if err := chats.Select(ctx, userID, arg); err != nil {
			return false, err
		}
	case "/rename":
		if *current == nil {
			return false, errors.New("no chat selected")
		}
		if err := chats.Rename(ctx, userID, (*current).ID, arg); err != nil {
			return false, err
		}
	case "/delete":
		if *current == nil {
			return false, errors.New("no chat selected")
		}
		if err := chats.Delete(ctx, userID, (*current).ID); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "deleted %s\n", (*current).ID)
	default:
		return false, fmt.Errorf("unknown command %s", name)
	}

	sess, err := chats.Current(ctx, userID)
	if err != nil {
		return false, err
	}
	*current = sess
	if sess == nil {
		fmt.Fprintln(out, "no chats left; use /new")
		return false, nil
	}
	if name == "/switch" {
		printHistory(out, sess)
	}
	fmt.Fprintf(out, "[%s] %s\n", sess.ID, sess.Title)
	return false, nil
}

func printHistory(out io.Writer, sess *session.Session) {
	for _, m := range sess.Messages {
		fmt.Fprintf(out, "%s: %s\n", m.Role, m.Content)
	}
}
