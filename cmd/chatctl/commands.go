package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/RichardoC/chatstore/internal/chat"
	"github.com/RichardoC/chatstore/internal/config"
	"github.com/RichardoC/chatstore/internal/db"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type app struct {
	cfgFile string
	dbPath  string
	verbose bool
	out     io.Writer

	gw  db.Gateway
	svc *chat.Service
}

func execute(out io.Writer, args []string) error {
	a := &app{out: out}
	return a.run(args)
}

// run executes the command line and closes the store whatever the outcome.
func (a *app) run(args []string) (err error) {
	defer func() {
		err = multierr.Append(err, a.close())
	}()

	cmd := a.newRootCmd()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func (a *app) newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chatctl",
		Short: "Inspect and maintain the chat history store",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !needsStore(cmd) {
				return nil
			}
			return a.open(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(a.out)

	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&a.dbPath, "db", "", "sqlite database path (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log store errors to stderr")

	rootCmd.AddCommand(
		a.newSessionsCmd(),
		a.newShowCmd(),
		a.newStatsCmd(),
		a.newPruneCmd(),
		a.newDeleteCmd(),
	)
	return rootCmd
}

// needsStore is false for cobra's built-in help and completion commands.
func needsStore(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
			return false
		}
	}
	return true
}

func (a *app) open(cmd *cobra.Command) error {
	cfg, err := config.Read(a.cfgFile)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.Driver = "sqlite"
		cfg.SQLitePath = a.dbPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := zap.NewNop()
	if a.verbose {
		if logger, err = cfg.NewLogger(); err != nil {
			return err
		}
	}

	a.gw, err = db.Open(cmd.Context(), cfg.Driver, cfg.DSN())
	if err != nil {
		return err
	}
	a.svc = chat.NewService(a.gw, logger)
	return nil
}

func (a *app) close() error {
	if a.gw == nil {
		return nil
	}
	err := a.gw.Close()
	a.gw = nil
	return err
}

func (a *app) newSessionsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List the most recently updated sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE\tMESSAGES\tUPDATED\tLATEST")
			for _, s := range a.svc.GetRecentSessions(cmd.Context(), limit) {
				latest := ""
				if s.LatestMessage != nil {
					latest = truncate(s.LatestMessage.Content, 40)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
					s.ID, s.Title, s.MessageCount, s.UpdatedAt.Format(time.RFC3339), latest)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", chat.DefaultRecentLimit, "number of sessions to show")
	return cmd
}

func (a *app) newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session and its messages as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session := a.svc.GetSessionWithMessages(cmd.Context(), args[0])
			if session == nil {
				return fmt.Errorf("session %s not found", args[0])
			}
			enc := json.NewEncoder(a.out)
			enc.SetIndent("", "  ")
			return enc.Encode(session)
		},
	}
}

func (a *app) newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show session and message counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats := a.svc.GetStats(cmd.Context())
			if stats == nil {
				return fmt.Errorf("failed to read stats")
			}
			fmt.Fprintf(a.out, "sessions: %d\nmessages: %d\n", stats.TotalSessions, stats.TotalMessages)
			if stats.OldestSession != nil {
				fmt.Fprintf(a.out, "oldest:   %s\nnewest:   %s\n",
					stats.OldestSession.Format(time.RFC3339), stats.NewestSession.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func (a *app) newPruneCmd() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the most recently updated sessions",
		Example: `  chatctl prune --keep 50
  chatctl prune -k 10 --db ./chatstore.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep < 1 || keep > chat.MaxKeepCount {
				return fmt.Errorf("--keep must be between 1 and %d", chat.MaxKeepCount)
			}
			before := a.svc.GetStats(cmd.Context())
			if !a.svc.ClearOldSessions(cmd.Context(), keep) {
				return fmt.Errorf("failed to clear old sessions")
			}
			after := a.svc.GetStats(cmd.Context())
			if before != nil && after != nil {
				fmt.Fprintf(a.out, "removed %d sessions, %d remain\n",
					before.TotalSessions-after.TotalSessions, after.TotalSessions)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&keep, "keep", "k", chat.DefaultKeepCount, "number of sessions to keep")
	return cmd
}

func (a *app) newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.svc.DeleteSession(cmd.Context(), args[0]) {
				return fmt.Errorf("session %s not found", args[0])
			}
			fmt.Fprintf(a.out, "deleted %s\n", args[0])
			return nil
		},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
