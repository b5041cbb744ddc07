package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvimport/internal/model"
)

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return withCode(exitUsage, err)
		}
		return nil
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, withCode(exitUsage, errors.Errorf("invalid import id %q", s))
	}
	return id, nil
}

// newQueueCmd builds a command that queues work for one import and runs it in the
// foreground.
func newQueueCmd(root *rootOptions, use, short string,
	request func(ctx context.Context, s *session, id int64, batchSize int) (*model.Import, error),
) *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if batchSize < 0 {
				return withCode(exitUsage, errors.New("--batch-size must be non-negative"))
			}
			s, err := openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := request(cmd.Context(), s, id, batchSize); err != nil {
				return err
			}
			return report(cmd, root, s, id)
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Rows or records per task; 0 uses IMPORT_BATCH_SIZE")
	return cmd
}

func newUndoCmd(root *rootOptions) *cobra.Command {
	return newQueueCmd(root, "undo", "Remove the records an import created",
		func(ctx context.Context, s *session, id int64, batchSize int) (*model.Import, error) {
			return s.engine.RequestUndo(ctx, id, batchSize)
		})
}

func newResumeCmd(root *rootOptions) *cobra.Command {
	return newQueueCmd(root, "resume", "Continue a queued, paused or stopped import",
		func(ctx context.Context, s *session, id int64, batchSize int) (*model.Import, error) {
			return s.engine.RequestResume(ctx, id, batchSize)
		})
}

func newStopCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Pause a queued import or stop one that is running",
		Long: `Pause a queued import or stop one that is running.

A running import owned by a server keeps its worker until that server notices;
stop it through the server API instead when one is up.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			imp, err := s.engine.RequestStop(cmd.Context(), id)
			if err != nil {
				return err
			}
			return show(cmd, root, s, imp)
		},
	}
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <id>",
		Short: "Delete an import that left no records behind",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.engine.ClearHistory(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "import %d cleared\n", id)
			return nil
		},
	}
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show the progress of an import",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			imp, err := s.engine.Imports().GetImport(cmd.Context(), id)
			if err != nil {
				return err
			}
			return show(cmd, root, s, imp)
		},
	}
}

func newListCmd(root *rootOptions) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List imports, newest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 || offset < 0 {
				return withCode(exitUsage, errors.New("--limit must be positive and --offset non-negative"))
			}
			s, err := openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			imps, err := s.engine.Imports().ListImports(cmd.Context(), limit, offset)
			if err != nil {
				return withCode(exitDB, err)
			}
			return printList(cmd.OutOrStdout(), imps, root.json)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of imports")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of imports to skip")
	return cmd
}

func show(cmd *cobra.Command, root *rootOptions, s *session, imp *model.Import) error {
	sum, err := summarize(cmd.Context(), s.engine.Imports(), imp)
	if err != nil {
		return err
	}
	return printSummary(cmd.OutOrStdout(), sum, root.json)
}
