package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/apexion-ai/chatcore/internal/chat"
	"github.com/apexion-ai/chatcore/internal/session"
	"github.com/apexion-ai/chatcore/internal/transport"
)

func newChatCmd() *cobra.Command {
	var (
		sessionID string
		markdown  bool
	)

	cmd := &cobra.Command{
		Use:   "chat [message...]",
		Short: "Send one message and stream the reply",
		Long:  "Runs one chat turn. Without --session a new session is started and its id printed, so later calls can continue it. With no arguments the message is read from stdin.",
		Example: `  chatcore chat "what is a context window?"
  chatcore chat --session 3f2a... "and how is it trimmed?"
  echo "summarize our talk" | chatcore chat --session 3f2a...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.Join(args, " ")
			if message == "" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return errors.Wrap(err, "read message from stdin")
				}
				message = strings.TrimSpace(string(data))
			}
			return runChat(sessionID, message, markdown)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session to continue (default: start a new one)")
	cmd.Flags().BoolVar(&markdown, "markdown", false, "render the reply as markdown once it completes")
	return cmd
}

// runChat executes a single turn and prints the reply.
func runChat(sessionID, message string, markdown bool) error {
	cfg, err := initConfig()
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tty := stdoutIsTerminal()
	if sessionID == "" {
		sessionID = session.NewSessionID()
		if err := rt.window.CreateInitialContext(ctx, sessionID); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, systemStyle.Render("session "+sessionID))
	}

	// Markdown is rendered from the complete reply, so nothing is echoed live.
	render := markdown && tty
	stream := transport.NewWriterStream(os.Stdout, !render)

	_, err = rt.chat.Run(ctx, chat.TurnRequest{SessionID: sessionID, Message: message}, stream)
	if err != nil {
		return err
	}

	if render {
		fmt.Fprint(os.Stdout, renderMarkdown(stream.Text()))
	}
	if final := stream.Final(); final != nil && final.Usage != nil && tty {
		fmt.Fprintln(os.Stderr, systemStyle.Render(fmt.Sprintf("%s/%s · %d in · %d out",
			final.Provider, final.Model, final.Usage.InputTokens, final.Usage.OutputTokens)))
	}
	return nil
}
