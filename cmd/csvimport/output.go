package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/JonMunkholm/csvimport/internal/model"
	"github.com/JonMunkholm/csvimport/internal/record"
)

type importSummary struct {
	ID              int64               `json:"id"`
	Format          model.Format        `json:"format"`
	Status          model.Status        `json:"status"`
	File            string              `json:"file"`
	Rows            int                 `json:"rows"`
	SkippedRows     int                 `json:"skipped_rows"`
	SkippedRecords  int                 `json:"skipped_records"`
	UpdatedRecords  int                 `json:"updated_records"`
	Imported        int                 `json:"imported"`
	Logged          map[record.Type]int `json:"logged,omitempty"`
	LastError       string              `json:"last_error,omitempty"`
	Added           time.Time           `json:"added"`
	CanUndo         bool                `json:"can_undo"`
	CanClearHistory bool                `json:"can_clear_history"`
	DryRun          bool                `json:"dry_run,omitempty"`
}

func summarize(ctx context.Context, repo model.Repository, imp *model.Import) (importSummary, error) {
	byType, err := repo.CountLogByType(ctx, imp.ID)
	if err != nil {
		return importSummary{}, withCode(exitDB, err)
	}
	logged := 0
	for _, n := range byType {
		logged += n
	}
	return importSummary{
		ID:              imp.ID,
		Format:          imp.Format,
		Status:          imp.Status,
		File:            imp.OriginalFilename,
		Rows:            imp.RowCount,
		SkippedRows:     imp.SkippedRowCount,
		SkippedRecords:  imp.SkippedRecordCount,
		UpdatedRecords:  imp.UpdatedRecordCount,
		Imported:        imp.ImportedCount(logged),
		Logged:          byType,
		LastError:       imp.LastError,
		Added:           imp.Added,
		CanUndo:         imp.CanUndo(logged),
		CanClearHistory: imp.CanClearHistory(logged),
	}, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	return nil
}

func printSummary(w io.Writer, s importSummary, asJSON bool) error {
	if asJSON {
		return writeJSON(w, s)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Import\t%d\n", s.ID)
	fmt.Fprintf(tw, "Format\t%s\n", s.Format)
	fmt.Fprintf(tw, "Status\t%s\n", s.Status.Label())
	fmt.Fprintf(tw, "File\t%s\n", s.File)
	fmt.Fprintf(tw, "Rows\t%d\n", s.Rows)
	fmt.Fprintf(tw, "Skipped rows\t%d\n", s.SkippedRows)
	fmt.Fprintf(tw, "Skipped records\t%d\n", s.SkippedRecords)
	fmt.Fprintf(tw, "Updated records\t%d\n", s.UpdatedRecords)
	fmt.Fprintf(tw, "Imported records\t%d\n", s.Imported)

	types := make([]string, 0, len(s.Logged))
	for t := range s.Logged {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(tw, "  %s\t%d\n", t, s.Logged[record.Type(t)])
	}
	if s.LastError != "" {
		fmt.Fprintf(tw, "Last error\t%s\n", s.LastError)
	}
	if s.DryRun {
		fmt.Fprintln(tw, "Dry run\tnothing was stored")
	}
	return tw.Flush()
}

func printList(w io.Writer, imps []*model.Import, asJSON bool) error {
	if asJSON {
		type row struct {
			ID     int64        `json:"id"`
			Format model.Format `json:"format"`
			Status model.Status `json:"status"`
			File   string       `json:"file"`
			Rows   int          `json:"rows"`
			Added  time.Time    `json:"added"`
		}
		out := make([]row, 0, len(imps))
		for _, imp := range imps {
			out = append(out, row{imp.ID, imp.Format, imp.Status, imp.OriginalFilename, imp.RowCount, imp.Added})
		}
		return writeJSON(w, out)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFORMAT\tSTATUS\tROWS\tADDED\tFILE")
	for _, imp := range imps {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			imp.ID, imp.Format, imp.Status.Label(), imp.RowCount,
			imp.Added.Local().Format("2006-01-02 15:04"), imp.OriginalFilename)
	}
	return tw.Flush()
}
