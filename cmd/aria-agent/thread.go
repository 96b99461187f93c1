package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newThreadCmd(g *globalFlags) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "thread",
		Short: "Manage the saved conversation thread",
	}
	cmd.PersistentFlags().StringVar(&server, "server", "", "Server base URL (default: http://<listen> from config)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "new",
			Short: "Start a new conversation and remember it",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctrl, err := newChatController(cmd, g, chatFlags{server: server}, true)
				if err != nil {
					return err
				}
				th, err := ctrl.ClearConversation(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), th.ID)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the saved conversation",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctrl, err := newChatController(cmd, g, chatFlags{server: server}, true)
				if err != nil {
					return err
				}
				th, err := ctrl.EnsureThread(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, render(out, dimStyle, "thread "+th.ID))
				for _, m := range ctrl.Messages() {
					printMessage(out, m)
				}
				return nil
			},
		},
	)
	return cmd
}
