package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/harun/switchboard/internal/config"
)

func newConfigCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create, validate and show the configuration",
	}

	cmd.AddCommand(newConfigInitCmd(root))
	cmd.AddCommand(newConfigValidateCmd(root))
	cmd.AddCommand(newConfigShowCmd(root))

	return cmd
}

func newConfigInitCmd(root *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(root.configPath)
			path := loader.GetConfigPath()

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to check config file: %w", err)
			}

			cfg := config.DefaultConfig()
			cfg.Agents = []config.AgentConfig{{ID: "main", Name: "Main", Default: true}}
			if err := loader.Save(cfg); err != nil {
				return err
			}

			return writeOutput(cmd.OutOrStdout(), root.output, map[string]string{"path": path})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}

type validateOutput struct {
	Path  string `json:"path"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func newConfigValidateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file against the schema and semantic rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(root.configPath)
			out := validateOutput{Path: loader.GetConfigPath(), Valid: true}

			_, loadErr := loader.Load()
			if loadErr != nil {
				out.Valid = false
				out.Error = loadErr.Error()
			}
			if err := writeOutput(cmd.OutOrStdout(), root.output, out); err != nil {
				return err
			}
			return loadErr
		},
	}
}

func newConfigShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after defaults and environment overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), root.output, cfg)
		},
	}
}
