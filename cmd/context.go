package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/apexion-ai/chatcore/internal/session"
)

func newContextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Inspect or reset a session's context window",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <session>",
		Short: "Print the active window and summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(func(ctx context.Context, rt *runtime) error {
				return showContext(ctx, rt, cmd.OutOrStdout(), args[0])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear <session>",
		Short: "Empty the window and summary, keeping stored messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(func(ctx context.Context, rt *runtime) error {
				if err := rt.window.Clear(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cleared", args[0])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <session>",
		Short: "Delete a session's messages and window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(func(ctx context.Context, rt *runtime) error {
				if err := rt.messages.DeleteBySession(ctx, args[0]); err != nil {
					return err
				}
				if err := rt.window.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
				return nil
			})
		},
	})
	return cmd
}

// withStores runs fn against the configured stores without a provider.
func withStores(fn func(context.Context, *runtime) error) error {
	cfg, err := initConfig()
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg, false)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(context.Background(), rt)
}

func showContext(ctx context.Context, rt *runtime, out io.Writer, sessionID string) error {
	c, err := rt.window.Context(ctx, sessionID)
	if err != nil {
		return err
	}
	snap, err := rt.window.Snapshot(ctx, sessionID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("session"), c.SessionID)
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("updated"), c.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "%s %d messages\n", labelStyle.Render("window"), len(c.ActiveMessageIDs))
	if snap.Summary != "" {
		fmt.Fprintf(out, "\n%s\n%s\n", labelStyle.Render("summary"), systemStyle.Render(snap.Summary))
	}
	if len(snap.Messages) > 0 {
		fmt.Fprintln(out)
	}
	for _, m := range snap.Messages {
		tokens := "?"
		if m.TokenCount != nil {
			tokens = fmt.Sprint(*m.TokenCount)
		}
		style := assistantStyle
		if m.Role == session.RoleUser {
			style = userStyle
		}
		fmt.Fprintf(out, "%s %s\n", style.Render(fmt.Sprintf("[%s · %s tok]", m.Role, tokens)), strings.TrimSpace(m.Content))
	}
	return nil
}
