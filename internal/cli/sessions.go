package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/switchboard/pkg/session"
)

func newSessionsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage the session store",
	}

	cmd.AddCommand(newSessionsListCmd(root))
	cmd.AddCommand(newSessionsShowCmd(root))
	cmd.AddCommand(newSessionsLabelCmd(root))
	cmd.AddCommand(newSessionsDeleteCmd(root))
	cmd.AddCommand(newSessionsPruneCmd(root))
	cmd.AddCommand(newSessionsBackupsCmd(root))

	return cmd
}

type sessionRow struct {
	Key   string               `json:"key"`
	Entry session.SessionEntry `json:"entry"`
	Fresh bool                 `json:"fresh"`
}

func newSessionsListCmd(root *rootOptions) *cobra.Command {
	var activeMinutes int
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := root.newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp()

			now := time.Now()
			policy := a.cfg.ResetPolicy()
			records := a.store.Load(cmd.Context(), a.storePath(), session.LoadOptions{})

			rows := make([]sessionRow, 0, len(records))
			for key, entry := range records {
				if activeMinutes > 0 && now.Sub(entry.UpdatedTime()) > time.Duration(activeMinutes)*time.Minute {
					continue
				}
				rows = append(rows, sessionRow{
					Key:   key,
					Entry: entry,
					Fresh: session.EvaluateFreshness(entry.UpdatedAt, policy, now).Fresh,
				})
			}
			sort.Slice(rows, func(i, j int) bool {
				if rows[i].Entry.UpdatedAt != rows[j].Entry.UpdatedAt {
					return rows[i].Entry.UpdatedAt > rows[j].Entry.UpdatedAt
				}
				return rows[i].Key < rows[j].Key
			})
			if limit > 0 && len(rows) > limit {
				rows = rows[:limit]
			}

			return writeOutput(cmd.OutOrStdout(), root.output, rows)
		},
	}

	cmd.Flags().IntVar(&activeMinutes, "active-minutes", 0, "only sessions updated within this many minutes")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of sessions to list")

	return cmd
}

func newSessionsShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <key>",
		Short: "Show one session record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := root.newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp()

			entry, ok := a.store.Get(cmd.Context(), a.storePath(), args[0])
			if !ok {
				return fmt.Errorf("%w: %s", session.ErrSessionNotFound, args[0])
			}
			return writeOutput(cmd.OutOrStdout(), root.output, sessionRow{
				Key:   args[0],
				Entry: entry,
				Fresh: session.EvaluateFreshness(entry.UpdatedAt, a.cfg.ResetPolicy(), time.Now()).Fresh,
			})
		},
	}
}

func newSessionsLabelCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "label <key> <label>",
		Short: "Set the label of a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := root.newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp()

			entry, err := a.store.SetLabel(cmd.Context(), a.storePath(), args[0], args[1])
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), root.output, sessionRow{Key: args[0], Entry: entry, Fresh: true})
		},
	}
}

func newSessionsDeleteCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a session record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := root.newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp()

			deleted, err := a.store.Delete(cmd.Context(), a.storePath(), args[0])
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("%w: %s", session.ErrSessionNotFound, args[0])
			}
			return writeOutput(cmd.OutOrStdout(), root.output, map[string]interface{}{"key": args[0], "deleted": true})
		},
	}
}

func newSessionsPruneCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Run store maintenance once: prune stale entries, cap the count, rotate the file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := root.newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp()

			report, err := a.store.Maintain(cmd.Context(), a.storePath())
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), root.output, report)
		},
	}
}

func newSessionsBackupsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List rotation backups of the store file, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := root.newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp()

			backups, err := session.ListBackups(a.storePath())
			if err != nil {
				return err
			}
			if backups == nil {
				backups = []string{}
			}
			return writeOutput(cmd.OutOrStdout(), root.output, backups)
		},
	}
}
