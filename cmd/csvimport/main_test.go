package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/csvimport/internal/columnmap"
	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/model"
)

const (
	itemsCSV = "Identifier,Dublin Core:Title\n,Sunset\n,Dawn\n"

	titleMapping = `columns:
  - column: Identifier
    kind: Identifier
  - column: "Dublin Core:Title"
    kind: Element
    options:
      element_name: "Dublin Core:Title"
`
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LOG_LEVEL", "error")
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRun_DryRun(t *testing.T) {
	csv := writeFile(t, "items.csv", itemsCSV)
	mapping := writeFile(t, "mapping.yaml", titleMapping)

	out, err := execute(t, "run", csv, "--mapping", mapping, "--dry-run", "--json")
	require.NoError(t, err)

	var sum importSummary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, model.StatusCompleted, sum.Status)
	assert.Equal(t, model.FormatManage, sum.Format)
	assert.Equal(t, "items.csv", sum.File)
	assert.Equal(t, 2, sum.Rows)
	assert.Equal(t, 2, sum.Imported)
	assert.True(t, sum.CanUndo)
	assert.True(t, sum.DryRun)
}

func TestRun_DryRunAutomapText(t *testing.T) {
	csv := writeFile(t, "items.csv", "Identifier,Dublin Core:Title\n,Sunset\n")

	out, err := execute(t, "run", csv, "--automap", "--dry-run", "--batch-size", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Completed")
	assert.Contains(t, out, "Imported records")
	assert.Contains(t, out, "nothing was stored")
}

func TestRun_Rejections(t *testing.T) {
	csv := writeFile(t, "items.csv", itemsCSV)
	mapping := writeFile(t, "mapping.yaml", titleMapping)
	badMapping := writeFile(t, "bad.yaml", "columns:\n  - column: Title\n    kind: Nope\n")
	strayField := writeFile(t, "stray.yaml", "colums: []\n")

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no mapping", []string{"run", csv, "--dry-run"}, exitUsage},
		{"missing file", []string{"run", filepath.Join(t.TempDir(), "none.csv"), "-m", mapping, "--dry-run"}, exitUsage},
		{"long delimiter", []string{"run", csv, "-m", mapping, "--delimiter", ";;", "--dry-run"}, exitUsage},
		{"negative batch", []string{"run", csv, "-m", mapping, "--batch-size", "-1", "--dry-run"}, exitUsage},
		{"unknown flag", []string{"run", csv, "--nope"}, exitUsage},
		{"no file argument", []string{"run", "--dry-run"}, exitUsage},
		{"unknown kind", []string{"run", csv, "-m", badMapping, "--dry-run"}, exitValidation},
		{"unknown mapping field", []string{"run", csv, "-m", strayField, "--dry-run"}, exitValidation},
		{"unmapped column", []string{"run", writeFile(t, "other.csv", "Title\nSunset\n"), "-m", mapping, "--dry-run"}, exitValidation},
		{"bad id", []string{"status", "abc"}, exitUsage},
		{"zero id", []string{"undo", "0"}, exitUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, tt.want, exitCode(err), "error: %v", err)
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"explicit", withCode(exitDB, errors.New("down")), exitDB},
		{"wrapped explicit", errors.Wrap(withCode(exitInterrupted, context.Canceled), "run"), exitInterrupted},
		{"not found", errors.Wrap(model.ErrNotFound, "load"), exitState},
		{"transition", errors.Wrap(importer.ErrInvalidTransition, "undo"), exitState},
		{"started", model.ErrImportStarted, exitState},
		{"invalid mapping", errors.Wrap(columnmap.ErrInvalidValue, "map"), exitValidation},
		{"missing file", os.ErrNotExist, exitValidation},
		{"cancelled", context.Canceled, exitInterrupted},
		{"other", errors.New("boom"), exitFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
	assert.Nil(t, withCode(exitDB, nil))
}
