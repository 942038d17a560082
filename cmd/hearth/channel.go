package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noctualabs/hearth/internal/orchestrator"
	"github.com/noctualabs/hearth/internal/transport/slack"
)

func newChannelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage character channels",
	}
	cmd.AddCommand(newChannelCreateCmd())
	return cmd
}

func newChannelCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <user-id> <character-id>",
		Short: "Create a channel for a user/character pair and run the greeting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
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

			tr, err := slack.New(slack.AdapterOpts{
				AppToken: a.cfg.Slack.AppToken,
				BotToken: a.cfg.Slack.BotToken,
				Logger:   a.log,
			})
			if err != nil {
				return err
			}
			defer tr.Close()
			if err := tr.Connect(ctx); err != nil {
				return err
			}

			orch := orchestrator.New(tr, sessions, a.store.Characters, a.store.Conversations, nil, a.log)
			channelID, err := orch.CreateCharacterChannel(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), channelID)
			return nil
		},
	}
}
