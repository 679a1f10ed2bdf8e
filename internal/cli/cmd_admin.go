package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/koltyakov/circlejoin/internal/circleproto"
	"github.com/koltyakov/circlejoin/internal/config"
	ilog "github.com/koltyakov/circlejoin/internal/log"
	"github.com/koltyakov/circlejoin/internal/moderation"
	"github.com/koltyakov/circlejoin/internal/validator"
)

// offlineHub stands in for the live registry when the CLI edits the store
// directly. Nothing is connected, so nothing is delivered or closed.
type offlineHub struct{}

func (offlineHub) Broadcast(circleproto.Event) int { return 0 }
func (offlineHub) DisconnectIdentity(string) int   { return 0 }

type adminSession struct {
	cfg      config.ServerConfig
	backend  *backend
	workflow *moderation.Workflow
}

func (s *adminSession) Close() error { return s.backend.Close() }

// actor picks the administrator the command acts as.
func (s *adminSession) actor(as string) (string, error) {
	if as != "" {
		return as, nil
	}
	if len(s.cfg.Admins) == 0 {
		return "", &configError{err: errors.New("no administrators configured; set admins or pass --as")}
	}
	return s.cfg.Admins[0], nil
}

func openAdminSession(cmd *cobra.Command, opts *rootOptions) (*adminSession, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateStore(); err != nil {
		return nil, &configError{err: err}
	}
	logger := ilog.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	b, err := openBackend(cmd.Context(), cfg)
	if err != nil {
		return nil, err
	}
	rejectAll := validator.Func(func(context.Context, string, string) bool { return false })
	return &adminSession{
		cfg:      cfg,
		backend:  b,
		workflow: moderation.New(b.kv, rejectAll, offlineHub{}, cfg.Admins, logger),
	}, nil
}

func newRequestsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "List pending circle requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openAdminSession(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			pending, err := s.workflow.ListPending(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(pending)
			}
			if len(pending) == 0 {
				fmt.Fprintln(out, "No pending requests")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "USERNAME\tID\tKEY")
			for _, p := range pending {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Identity, p.ResourceID, p.Key)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print requests as JSON")
	return cmd
}

func newBanCmd(opts *rootOptions) *cobra.Command {
	var as string
	cmd := &cobra.Command{
		Use:   "ban <username>",
		Short: "Ban a user from submitting requests and connecting",
		Long: `Set the ban flag for a user in the store.

Connections already open on a running server stay open until they
reconnect; use POST /bans on the server to close them immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openAdminSession(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			actor, err := s.actor(as)
			if err != nil {
				return err
			}
			if _, err := s.workflow.Ban(cmd.Context(), actor, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Banned %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "Administrator to act as (default: first configured admin)")
	return cmd
}

func newUnbanCmd(opts *rootOptions) *cobra.Command {
	var as string
	cmd := &cobra.Command{
		Use:   "unban <username>",
		Short: "Lift a user's ban",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openAdminSession(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			actor, err := s.actor(as)
			if err != nil {
				return err
			}
			if err := s.workflow.Unban(cmd.Context(), actor, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unbanned %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "Administrator to act as (default: first configured admin)")
	return cmd
}
