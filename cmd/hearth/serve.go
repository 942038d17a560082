package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noctualabs/hearth/internal/orchestrator"
	"github.com/noctualabs/hearth/internal/transport/slack"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator against Slack",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			backend, err := a.buildBackend(ctx)
			if err != nil {
				return err
			}
			sessions := a.buildSessions(backend)
			defer sessions.Close()

			engine := a.buildEngine(sessions)

			tr, err := slack.New(slack.AdapterOpts{
				AppToken: a.cfg.Slack.AppToken,
				BotToken: a.cfg.Slack.BotToken,
				Logger:   a.log,
			})
			if err != nil {
				return err
			}
			defer tr.Close()

			orch := orchestrator.New(tr, sessions, a.store.Characters, a.store.Conversations, engine, a.log)
			a.log.Info("starting orchestrator",
				zap.String("provider", a.cfg.AI.Provider),
				zap.String("model", a.cfg.AI.Model))
			if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			a.log.Info("orchestrator stopped")
			return nil
		},
	}
}
