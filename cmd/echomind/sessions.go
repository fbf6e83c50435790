package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/echomind-ai/echomind/pkg/conversation"
	"github.com/echomind-ai/echomind/pkg/mcp"
)

func newSessionsCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		client     string
		limit      int
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List conversation sessions or show one session's exchanges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), configPath, func(b *backend) error {
				s := b.surface()
				out := cmd.OutOrStdout()

				if sessionID != "" {
					hist, err := s.Session(cmd.Context(), sessionID)
					if errors.Is(err, conversation.ErrSessionNotFound) {
						return fmt.Errorf("session %s not found", sessionID)
					}
					if err != nil {
						return err
					}
					if asJSON {
						return printJSON(out, hist)
					}
					_, err = fmt.Fprint(out, mcp.FormatSessionHistory(hist))
					return err
				}

				sessions, err := s.Sessions(cmd.Context(), client, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(out, sessions)
				}
				_, err = fmt.Fprint(out, mcp.FormatSessions(sessions))
				return err
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&sessionID, "session-id", "", "show the exchanges of this session")
	cmd.Flags().StringVar(&client, "client", "", "only list sessions for this client key")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum sessions to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
