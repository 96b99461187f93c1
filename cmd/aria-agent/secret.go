package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/floegence/aria-agent/internal/settings"
)

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Store API keys and tokens in the OS keyring",
		Long: "Store API keys and tokens in the OS keyring.\n\n" +
			"Names match the environment variables they stand in for, e.g. OPENAI_API_KEY, " +
			"ANTHROPIC_API_KEY, OPENWEATHER_API_KEY or " + calendarTokenName + ". " +
			"An environment variable always wins over the keyring.",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <name> [value]",
			Short: "Save a secret (prompts when value is omitted)",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				value := ""
				if len(args) == 2 {
					value = args[1]
				} else {
					v, err := readSecret(cmd, args[0])
					if err != nil {
						return err
					}
					value = v
				}
				if strings.TrimSpace(value) == "" {
					return errors.New("empty secret")
				}
				if err := settings.NewSecrets().Set(args[0], value); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Remove a secret from the keyring",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := settings.NewSecrets().Delete(args[0]); err != nil {
					if errors.Is(err, settings.ErrNotFound) {
						return fmt.Errorf("%s is not stored", args[0])
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

// readSecret prompts without echo on a terminal and reads one line otherwise.
func readSecret(cmd *cobra.Command, name string) (string, error) {
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: ", name)
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}
