package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/apexion-ai/chatcore/internal/server"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat HTTP API",
		Example: `  chatcore serve
  chatcore serve --addr :8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := initConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			rt, err := newRuntime(cfg, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt.log.Info("starting", "version", appVersion, "provider", rt.provider.Name(), "model", rt.provider.DefaultModel(),
				"overflow", cfg.Overflow.Type)
			h := server.New(rt.chat, rt.window, rt.messages, rt.usage, rt.log.WithPrefix("http"))
			return server.ListenAndServe(ctx, cfg.Server.Addr, h, rt.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config server.addr)")
	return cmd
}
