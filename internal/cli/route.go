package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/inbound"
	"github.com/harun/switchboard/pkg/routing"
	"github.com/harun/switchboard/pkg/sessionkey"
)

type routeOptions struct {
	channel     string
	accountID   string
	peer        string
	parentPeer  string
	guildID     string
	teamID      string
	threadID    string
	displayName string
	subject     string
	record      bool
}

func newRouteCmd(root *rootOptions) *cobra.Command {
	opts := &routeOptions{}

	cmd := &cobra.Command{
		Use:   "route",
		Short: "Resolve the agent and session key for an inbound message",
		Long: `Resolve which agent handles a message and which session it belongs to,
using the bindings in the config file. With --record the session record is
created or updated in the store.

Peers are given as <kind>:<id>, for example direct:42 or group:-100123.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoute(cmd, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.channel, "channel", "", "channel name (required)")
	cmd.Flags().StringVar(&opts.accountID, "account", "", "channel account id")
	cmd.Flags().StringVar(&opts.peer, "peer", "", "peer as <kind>:<id>")
	cmd.Flags().StringVar(&opts.parentPeer, "parent-peer", "", "parent peer for threads as <kind>:<id>")
	cmd.Flags().StringVar(&opts.guildID, "guild", "", "guild id")
	cmd.Flags().StringVar(&opts.teamID, "team", "", "team id")
	cmd.Flags().StringVar(&opts.threadID, "thread", "", "thread id, appended to the session key when recording")
	cmd.Flags().StringVar(&opts.displayName, "display-name", "", "display name stored with the session when recording")
	cmd.Flags().StringVar(&opts.subject, "subject", "", "group subject stored with the session when recording")
	cmd.Flags().BoolVar(&opts.record, "record", false, "create or update the session record")
	_ = cmd.MarkFlagRequired("channel")

	return cmd
}

func runRoute(cmd *cobra.Command, root *rootOptions, opts *routeOptions) error {
	peer, err := parsePeerFlag(opts.peer)
	if err != nil {
		return err
	}
	parentPeer, err := parsePeerFlag(opts.parentPeer)
	if err != nil {
		return err
	}

	ctx := tracing.NewInboundContext(cmd.Context(), opts.channel)
	a, closeApp, err := root.newApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp()

	if !opts.record {
		route := a.resolver.Resolve(ctx, routing.RouteInput{
			Channel:    opts.channel,
			AccountID:  opts.accountID,
			Peer:       peer,
			ParentPeer: parentPeer,
			GuildID:    opts.guildID,
			TeamID:     opts.teamID,
		})
		return writeOutput(cmd.OutOrStdout(), root.output, route)
	}

	result, err := a.recorder.Record(ctx, inbound.Message{
		Channel:     opts.channel,
		AccountID:   opts.accountID,
		Peer:        peer,
		ParentPeer:  parentPeer,
		GuildID:     opts.guildID,
		TeamID:      opts.teamID,
		ThreadID:    opts.threadID,
		DisplayName: opts.displayName,
		Subject:     opts.subject,
	})
	if err != nil {
		return err
	}
	return writeOutput(cmd.OutOrStdout(), root.output, result)
}

// parsePeerFlag parses <kind>:<id>. An empty value means no peer.
func parsePeerFlag(raw string) (*routing.Peer, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	kind, id, ok := strings.Cut(raw, ":")
	if !ok || strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("invalid peer %q: expected <kind>:<id>", raw)
	}
	peerKind := sessionkey.NormalizePeerKind(kind)
	if peerKind == "" {
		return nil, fmt.Errorf("invalid peer kind %q: expected direct, dm, group or channel", kind)
	}
	return &routing.Peer{Kind: peerKind, ID: strings.TrimSpace(id)}, nil
}
