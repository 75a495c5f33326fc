package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/switchboard/internal/logger"
)

const version = "0.1.0"

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
	output     string

	log *logger.Logger
}

// NewRootCmd builds the switchboard command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "switchboard",
		Short: "Switchboard - session routing and persistence for agent gateways",
		Long: `Switchboard decides which agent handles an inbound chat message and
which conversation session it belongs to, and keeps the per-agent session
store on disk healthy.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.output) {
				return fmt.Errorf("invalid output format %q: must be one of %v", opts.output, validFormats)
			}
			log, err := logger.New(logger.Config{
				Level:     opts.logLevel,
				Console:   true,
				Pretty:    true,
				Redaction: true,
				Output:    cmd.ErrOrStderr(),
			})
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			opts.log = log
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.log != nil {
				return opts.log.Close()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default is $HOME/.switchboard/switchboard.json)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", formatJSON, "output format (json|yaml)")

	cmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	cmd.AddCommand(newRouteCmd(opts))
	cmd.AddCommand(newKeyCmd(opts))
	cmd.AddCommand(newSessionsCmd(opts))
	cmd.AddCommand(newMaintainCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	cmd.AddCommand(newVersionCmd(opts))

	return cmd
}

// Execute runs the root command. It is called by main.main().
func Execute() error {
	return NewRootCmd().Execute()
}

// GetRootCmd returns a fresh root command for testing
func GetRootCmd() *cobra.Command {
	return NewRootCmd()
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

func newVersionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the switchboard version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeOutput(cmd.OutOrStdout(), opts.output, map[string]string{
				"name":    "switchboard",
				"version": version,
			})
		},
	}
}
