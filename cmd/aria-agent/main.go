package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/floegence/aria-agent/internal/config"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

type globalFlags struct {
	configPath string
	logFormat  string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "aria-agent",
		Short:         "Aria, a conversational scheduling assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", config.DefaultConfigPath(), "Config file path (.yaml, .yml or .json)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "Log format: json|text (overrides config)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides config)")

	root.AddCommand(
		newServeCmd(g),
		newChatCmd(g),
		newThreadCmd(g),
		newSecretCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print build information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "aria-agent %s (%s) %s\n", Version, Commit, BuildTime)
			},
		},
	)
	return root
}

// loadConfig reads the config file, or falls back to defaults when the file does not exist and
// allowMissing is set.
func (g *globalFlags) loadConfig(allowMissing bool) (*config.Config, string, error) {
	path := filepath.Clean(g.configPath)
	cfg, err := config.Load(path)
	if err != nil {
		if allowMissing && errors.Is(err, fs.ErrNotExist) {
			return config.Default(), path, nil
		}
		return nil, path, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, path, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
