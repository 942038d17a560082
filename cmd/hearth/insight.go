package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInsightCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "insight",
		Short: "Generate and inspect user insights",
	}
	cmd.AddCommand(newInsightGenerateCmd())
	cmd.AddCommand(newInsightLatestCmd())
	return cmd
}

func newInsightGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate <user-id>",
		Short: "Generate a fresh insight from the user's current metrics",
		Args:  cobra.ExactArgs(1),
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

			engine := a.buildEngine(sessions)
			insight, err := engine.GenerateInsight(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%s via %s]\n%s\n", insight.Group, insight.Character, insight.Text)
			return nil
		},
	}
}

func newInsightLatestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "latest <user-id>",
		Short: "Print the user's most recent insight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			engine := a.buildEngine(nil)
			insight, err := engine.GetLatestInsight(ctx, args[0])
			if err != nil {
				return err
			}
			if insight == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no insights yet")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%s via %s at %s]\n%s\n",
				insight.Group, insight.Character, insight.CreatedAt.Format("2006-01-02 15:04"), insight.Text)
			return nil
		},
	}
}
