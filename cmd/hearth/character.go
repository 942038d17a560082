package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/noctualabs/hearth/internal/state"
	"github.com/noctualabs/hearth/internal/types"
)

func newCharacterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "character",
		Short: "Manage character profiles",
	}
	cmd.AddCommand(newCharacterAddCmd())
	cmd.AddCommand(newCharacterListCmd())
	cmd.AddCommand(newCharacterRemoveCmd())
	cmd.AddCommand(newCharacterGroupCmd())
	return cmd
}

func newCharacterAddCmd() *cobra.Command {
	var (
		name         string
		group        string
		voice        string
		greeting     string
		instructions string
		traits       []string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a character and initialize its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if group != "" && !types.ValidGroup(group) {
				return fmt.Errorf("unknown group %q (valid: %s)", group, strings.Join(types.GroupOrder, ", "))
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			character := &types.Character{
				ID:           uuid.NewString(),
				Name:         name,
				Traits:       traits,
				Voice:        voice,
				Group:        group,
				Instructions: instructions,
				Greeting:     greeting,
			}
			if err := a.store.Characters.Create(cmd.Context(), character); err != nil {
				return err
			}
			if _, err := a.states.Initialize(cmd.Context(), character.ID, state.Seed{Group: group}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), character.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&group, "group", "", "initial group assignment")
	cmd.Flags().StringVar(&voice, "voice", "", "voice description")
	cmd.Flags().StringVar(&greeting, "greeting", "", "greeting template")
	cmd.Flags().StringVar(&instructions, "instructions", "", "base system instructions")
	cmd.Flags().StringSliceVar(&traits, "trait", nil, "personality trait (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("instructions")
	return cmd
}

func newCharacterListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List characters",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			characters, err := a.store.Characters.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, c := range characters {
				group := c.Group
				if group == "" {
					group = "-"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", c.ID, c.Name, group)
			}
			return nil
		},
	}
}

func newCharacterRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <character-id>",
		Short: "Delete a character and its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			id := args[0]
			if err := a.store.Characters.Delete(cmd.Context(), id); err != nil {
				return err
			}
			a.states.Forget(id)
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", id)
			return nil
		},
	}
}

func newCharacterGroupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "group <character-id> <group>",
		Short: "Assign a character to a group",
		Long: "Assign a character to a group. A change of group resets the\n" +
			"character's conversational context on its next session connect.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, group := args[0], args[1]
			if !types.ValidGroup(group) {
				return fmt.Errorf("unknown group %q (valid: %s)", group, strings.Join(types.GroupOrder, ", "))
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.Characters.UpdateGroup(cmd.Context(), id, group); err != nil {
				return err
			}
			st, err := a.states.SetGroup(cmd.Context(), id, group)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", id, st.Group)
			return nil
		},
	}
}
