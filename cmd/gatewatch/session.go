package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"gatewatch/internal/config"
	"gatewatch/internal/pipeline"
	"gatewatch/internal/session"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or change the persisted session",
	}
	cmd.AddCommand(newSessionStatusCmd(), newSessionCreateCmd(), newSessionClearCmd(), newSessionHistoryCmd())
	return cmd
}

// withSessions opens the state database and a session manager for one command
func withSessions(cmd *cobra.Command, fn func(ctx context.Context, cfg config.Config, m *session.Manager) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := openDatabase(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	client, err := newAnalysisClient(ctx, cfg)
	if err != nil {
		return err
	}
	return fn(ctx, cfg, session.NewManager(session.NewSQLiteStore(db), client))
}

func newSessionStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Validate the persisted session with the analysis service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(cmd, func(ctx context.Context, _ config.Config, m *session.Manager) error {
				s, ok, err := m.Restore(ctx)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "no active session")
					return nil
				}
				return printJSON(cmd, s)
			})
		},
	}
}

func newSessionCreateCmd() *cobra.Command {
	var (
		form    pipeline.SessionForm
		replace bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a new session and make it the persisted one",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := form.Validate(); err != nil {
				return err
			}
			return withSessions(cmd, func(ctx context.Context, _ config.Config, m *session.Manager) error {
				s, err := createSession(ctx, m, form, replace)
				if err != nil {
					return err
				}
				return printJSON(cmd, s)
			})
		},
	}
	cmd.Flags().StringVar(&form.Name, "name", "", "session name")
	cmd.Flags().StringVar(&form.ClassName, "class", "", "class name")
	cmd.Flags().StringVar(&form.Instructor, "instructor", "", "instructor name")
	cmd.Flags().BoolVarP(&replace, "yes", "y", false, "replace the persisted session")
	return cmd
}

// createSession starts a session. A persisted one is only replaced when
// replace is set.
func createSession(ctx context.Context, m *session.Manager, form pipeline.SessionForm, replace bool) (pipeline.Session, error) {
	id, err := m.PersistedID()
	if err != nil {
		return pipeline.Session{}, err
	}
	if id != "" && !replace {
		return pipeline.Session{}, fmt.Errorf("session %s is persisted, pass --yes to replace it: %w", id, session.ErrNotConfirmed)
	}
	return m.Create(ctx, form)
}

func newSessionClearCmd() *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget the persisted session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDatabase(cfg.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			// clearing never talks to the analysis service
			m := session.NewManager(session.NewSQLiteStore(db), nil)
			if err := clearSession(m, confirmed); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "session cleared")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&confirmed, "yes", "y", false, "confirm discarding the session")
	return cmd
}

func clearSession(m *session.Manager, confirmed bool) error {
	if err := m.New(confirmed); err != nil {
		if errors.Is(err, session.ErrNotConfirmed) {
			return fmt.Errorf("%w, pass --yes", err)
		}
		return err
	}
	return nil
}

func newSessionHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List past sessions known to the analysis service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			client, err := newAnalysisClient(ctx, cfg)
			if err != nil {
				return err
			}
			sessions, err := client.ListSessions(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, sessions)
		},
	}
}
