package main

import (
	"context"
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvimport/internal/config"
	"github.com/JonMunkholm/csvimport/internal/store/pgstore"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(pool *pgxpool.Pool) error {
				applied, err := pgstore.Migrate(cmd.Context(), pool)
				if err != nil {
					return withCode(exitDB, err)
				}
				if root.json {
					return writeJSON(cmd.OutOrStdout(), map[string]any{"applied": applied})
				}
				if len(applied) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				}
				for _, v := range applied {
					fmt.Fprintf(cmd.OutOrStdout(), "applied %05d\n", v)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(pool *pgxpool.Pool) error {
				statuses, err := pgstore.Migrations(cmd.Context(), pool)
				if err != nil {
					return withCode(exitDB, err)
				}
				if root.json {
					return writeJSON(cmd.OutOrStdout(), statuses)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT\tFILE")
				for _, s := range statuses {
					state, at := "pending", ""
					if s.Applied {
						state, at = "applied", s.AppliedAt.Local().Format("2006-01-02 15:04:05")
					}
					fmt.Fprintf(tw, "%05d\t%s\t%s\t%s\n", s.Version, state, at, filepath.Base(s.Path))
				}
				return tw.Flush()
			})
		},
	})
	return cmd
}

func withPool(ctx context.Context, fn func(*pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return withCode(exitUsage, err)
	}
	pool, err := pgstore.Connect(ctx, cfg.Database.URL, pgstore.PoolConfig{
		MaxConns:        2,
		MinConns:        0,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		return withCode(exitDB, err)
	}
	defer pool.Close()
	return fn(pool)
}
