// planectl is the operator CLI for the execution control plane: verify and
// tail the audit chain, inspect snapshots, and look up outbox entries.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"execplane/internal/config"
	"execplane/internal/memory"
	"execplane/internal/store"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var workspace string

	root := &cobra.Command{
		Use:           "planectl",
		Short:         "Inspect execution control plane state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "plane workspace directory")

	root.AddCommand(
		newAuditCmd(&workspace),
		newSnapshotCmd(&workspace),
		newOutboxCmd(&workspace),
	)
	return root
}

// =============================================================================
// AUDIT COMMANDS
// =============================================================================

func newAuditCmd(workspace *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit chain operations",
	}

	verify := &cobra.Command{
		Use:   "verify [dir]",
		Short: "Walk the audit chain and report the first break",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeFn, err := auditStoreFor(*workspace, args)
			if err != nil {
				return err
			}
			defer closeFn()

			entries, err := st.LoadAll(cmd.Context())
			if err != nil {
				return err
			}
			report := memory.VerifyEntries(entries)
			if !report.Valid {
				return fmt.Errorf("audit log integrity check failed: entry %d: %s",
					report.BrokenSequence, report.Reason)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chain valid: %d entries\n", report.Entries)
			return nil
		},
	}

	var tailCount int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print the newest audit entries as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, closeFn, err := auditStoreFor(*workspace, nil)
			if err != nil {
				return err
			}
			defer closeFn()

			entries, err := st.LoadAll(cmd.Context())
			if err != nil {
				return err
			}
			if tailCount > 0 && len(entries) > tailCount {
				entries = entries[len(entries)-tailCount:]
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	tail.Flags().IntVarP(&tailCount, "lines", "n", 10, "number of entries to print")

	cmd.AddCommand(verify, tail)
	return cmd
}

// =============================================================================
// SNAPSHOT COMMANDS
// =============================================================================

func newSnapshotCmd(workspace *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Snapshot store operations",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSQLite(*workspace, func(db *store.SQLite) error {
				snaps, err := db.Snapshots().LoadAll(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tCYCLE\tTRIGGER\tVERIFIED\tTIMESTAMP")
				for _, s := range snaps {
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
						s.ID, s.Cycle, s.Trigger, strconv.FormatBool(s.Verified),
						s.Timestamp.Format("2006-01-02 15:04:05"))
				}
				return w.Flush()
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print one snapshot as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSQLite(*workspace, func(db *store.SQLite) error {
				s, err := db.Snapshots().Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, s)
			})
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

// =============================================================================
// OUTBOX COMMANDS
// =============================================================================

func newOutboxCmd(workspace *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Outbox operations",
	}

	show := &cobra.Command{
		Use:   "show <key>",
		Short: "Look up an outbox entry by idempotency key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSQLite(*workspace, func(db *store.SQLite) error {
				e, err := db.Outbox().Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, e)
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List outbox entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSQLite(*workspace, func(db *store.SQLite) error {
				entries, err := db.Outbox().LoadAll(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "KEY\tSTATE\tATTEMPTS\tTOOL\tUPDATED")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
						e.Key, e.State, e.Attempts, e.ToolID,
						e.UpdatedAt.Format("2006-01-02 15:04:05"))
				}
				return w.Flush()
			})
		},
	}

	cmd.AddCommand(show, list)
	return cmd
}

// =============================================================================
// HELPERS
// =============================================================================

// auditStoreFor opens the audit store: an explicit directory argument wins,
// then the configured audit directory, then the SQLite database.
func auditStoreFor(workspace string, args []string) (store.AuditStore, func(), error) {
	if len(args) == 1 {
		fa, err := store.NewFileAuditStore(args[0], 0)
		if err != nil {
			return nil, nil, err
		}
		return fa, func() { _ = fa.Close() }, nil
	}

	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Storage.AuditDir != "" {
		fa, err := store.NewFileAuditStore(cfg.Storage.AuditDir, cfg.Storage.AuditRotateBytes)
		if err != nil {
			return nil, nil, err
		}
		return fa, func() { _ = fa.Close() }, nil
	}
	if cfg.Storage.Driver == "sqlite" {
		db, err := openConfiguredDB(cfg)
		if err != nil {
			return nil, nil, err
		}
		return db.Audit(), func() { _ = db.Close() }, nil
	}
	return nil, nil, fmt.Errorf("no durable audit store configured in %s", workspace)
}

func withSQLite(workspace string, fn func(*store.SQLite) error) error {
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	if cfg.Storage.Driver != "sqlite" {
		return fmt.Errorf("storage driver %q has no inspectable database", cfg.Storage.Driver)
	}
	db, err := openConfiguredDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func openConfiguredDB(cfg *config.Config) (*store.SQLite, error) {
	path := cfg.Storage.DatabasePath
	if path == "" {
		path = cfg.Workspace + "/.plane/plane.db"
	}
	return store.OpenSQLite(path)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
