package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/RenatoCabral2022/voicelink/internal/clock"
	"github.com/RenatoCabral2022/voicelink/internal/credential"
	"github.com/RenatoCabral2022/voicelink/internal/session"
)

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or manage the stored session",
	}
	cmd.AddCommand(
		newSessionShowCmd(a),
		newSessionEndCmd(a),
		newSessionClearCmd(a),
	)
	return cmd
}

func (a *app) withStore(cmd *cobra.Command, fn func(*session.Store) error) error {
	backend, err := openBackend(cmd.Context(), a.cfg.Session)
	if err != nil {
		return err
	}
	defer backend.Close()
	return fn(session.NewStore(backend, a.contextKey, clock.NewReal(), a.logger))
}

func newSessionShowCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(s *session.Store) error {
				out := cmd.OutOrStdout()
				sess, err := s.Stored(cmd.Context())
				if errors.Is(err, session.ErrNotFound) {
					fmt.Fprintf(out, "no stored session for context %q\n", a.contextKey)
					return nil
				}
				if err != nil {
					return err
				}
				sess.Token = credential.Redact(sess.Token)

				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(sess)
				}

				expires := "expired"
				if left := time.Until(sess.TokenExpiresAt); left > 0 {
					expires = "in " + left.Round(time.Second).String()
				}
				fmt.Fprintf(out, "session:      %s\n", sess.SessionID)
				fmt.Fprintf(out, "active:       %t\n", sess.IsActive)
				fmt.Fprintf(out, "connection:   %s\n", sess.ConnectionState)
				fmt.Fprintf(out, "conversation: %s\n", sess.ConversationState)
				fmt.Fprintf(out, "token:        %s (%s)\n", sess.Token, expires)
				fmt.Fprintf(out, "created:      %s\n", sess.CreatedAt.Format(time.RFC3339))
				fmt.Fprintf(out, "messages:     %d\n", len(sess.Messages))
				for _, m := range sess.Messages {
					fmt.Fprintf(out, "  [%s] %s> %s\n", m.Timestamp.Format(time.Kitchen), label(m.Role), m.Content)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the record as JSON")
	return cmd
}

func newSessionEndCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "end",
		Short: "Mark the stored session inactive, keeping its history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(s *session.Store) error {
				found, err := s.Deactivate(cmd.Context())
				if err != nil {
					return err
				}
				if !found {
					fmt.Fprintln(cmd.OutOrStdout(), "no stored session")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), "session ended; history kept")
				return nil
			})
		},
	}
}

func newSessionClearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Erase the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(s *session.Store) error {
				if err := s.ClearAllSessionData(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "session data cleared")
				return nil
			})
		},
	}
}
