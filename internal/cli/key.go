package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/switchboard/pkg/sessionkey"
)

func newKeyCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Inspect and build session keys",
	}

	cmd.AddCommand(newKeyParseCmd(root))
	cmd.AddCommand(newKeyClassifyCmd(root))
	cmd.AddCommand(newKeyBuildCmd(root))

	return cmd
}

type keyParseOutput struct {
	Key        string `json:"key"`
	Valid      bool   `json:"valid"`
	AgentID    string `json:"agentId,omitempty"`
	Rest       string `json:"rest,omitempty"`
	Parent     string `json:"threadParent,omitempty"`
	RequestKey string `json:"requestKey,omitempty"`
}

func newKeyParseCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "parse <key>",
		Short: "Split an agent:<id>:<rest> key into its parts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			out := keyParseOutput{Key: key}
			if parsed, ok := sessionkey.Parse(key); ok {
				out.Valid = true
				out.AgentID = parsed.AgentID
				out.Rest = parsed.Rest
			}
			if parent, ok := sessionkey.ResolveThreadParent(key); ok {
				out.Parent = parent
			}
			if requestKey, ok := sessionkey.ToRequestKey(key); ok {
				out.RequestKey = requestKey
			}
			return writeOutput(cmd.OutOrStdout(), root.output, out)
		},
	}
}

type keyClassifyOutput struct {
	Key      string           `json:"key"`
	Shape    sessionkey.Shape `json:"shape"`
	AgentID  string           `json:"agentId"`
	Subagent bool             `json:"subagent"`
	Acp      bool             `json:"acp"`
	CronRun  bool             `json:"cronRun"`
}

func newKeyClassifyCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <key>",
		Short: "Report the shape and kind of a session key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			return writeOutput(cmd.OutOrStdout(), root.output, keyClassifyOutput{
				Key:      key,
				Shape:    sessionkey.ClassifyShape(key),
				AgentID:  sessionkey.ResolveAgentIDFromKey(key),
				Subagent: sessionkey.IsSubagentKey(key),
				Acp:      sessionkey.IsAcpKey(key),
				CronRun:  sessionkey.IsCronRunKey(key),
			})
		},
	}
}

type keyBuildOptions struct {
	agentID   string
	mainKey   string
	channel   string
	accountID string
	peer      string
	dmScope   string
	threadID  string
}

type keyBuildOutput struct {
	SessionKey       string `json:"sessionKey"`
	ParentSessionKey string `json:"parentSessionKey,omitempty"`
	MainSessionKey   string `json:"mainSessionKey"`
}

func newKeyBuildCmd(root *rootOptions) *cobra.Command {
	opts := &keyBuildOptions{}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a session key from its parts",
		Long: `Build a session key without consulting bindings. Without --peer the
agent's main key is returned.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parsePeerFlag(opts.peer)
			if err != nil {
				return err
			}
			scope := sessionkey.DMScope(opts.dmScope)
			if !scope.Valid() {
				return fmt.Errorf("invalid dm scope %q", opts.dmScope)
			}

			out := keyBuildOutput{MainSessionKey: sessionkey.BuildMain(opts.agentID, opts.mainKey)}
			if peer == nil {
				out.SessionKey = out.MainSessionKey
			} else {
				out.SessionKey = sessionkey.BuildPeer(sessionkey.PeerKeyParams{
					AgentID:   opts.agentID,
					MainKey:   opts.mainKey,
					Channel:   opts.channel,
					AccountID: opts.accountID,
					PeerKind:  peer.Kind,
					PeerID:    peer.ID,
					DMScope:   scope,
				})
			}
			if opts.threadID != "" {
				keys := sessionkey.ResolveThreadKeys(out.SessionKey, opts.threadID, out.SessionKey, true)
				out.SessionKey = keys.SessionKey
				out.ParentSessionKey = keys.ParentSessionKey
			}
			return writeOutput(cmd.OutOrStdout(), root.output, out)
		},
	}

	cmd.Flags().StringVar(&opts.agentID, "agent", sessionkey.DefaultAgentID, "agent id")
	cmd.Flags().StringVar(&opts.mainKey, "main-key", sessionkey.DefaultMainKey, "main session key")
	cmd.Flags().StringVar(&opts.channel, "channel", "", "channel name")
	cmd.Flags().StringVar(&opts.accountID, "account", "", "channel account id")
	cmd.Flags().StringVar(&opts.peer, "peer", "", "peer as <kind>:<id>")
	cmd.Flags().StringVar(&opts.dmScope, "dm-scope", string(sessionkey.DMScopeMain), "direct message scope (main, per-peer, per-channel-peer, per-account-channel-peer)")
	cmd.Flags().StringVar(&opts.threadID, "thread", "", "thread id suffix")

	return cmd
}
