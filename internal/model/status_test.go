package model

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JonMunkholm/csvimport/internal/columnmap"
)

var allStatuses = []Status{
	StatusQueued, StatusInProgress, StatusCompleted, StatusQueuedUndo, StatusInProgressUndo,
	StatusCompletedUndo, StatusImportError, StatusUndoImportError, StatusOtherError,
	StatusStopped, StatusPaused,
}

func TestStatus_Guards(t *testing.T) {
	canQueue := map[Status]bool{
		StatusQueued: true, StatusInProgress: true, StatusQueuedUndo: true,
		StatusInProgressUndo: true, StatusPaused: true,
	}
	canQueueUndo := map[Status]bool{
		StatusQueued: true, StatusInProgress: true, StatusCompleted: true, StatusQueuedUndo: true,
		StatusInProgressUndo: true, StatusImportError: true, StatusPaused: true,
	}

	for _, s := range allStatuses {
		assert.Equal(t, canQueue[s], s.CanQueue(), "CanQueue(%s)", s)
		assert.Equal(t, canQueueUndo[s], s.CanQueueUndo(), "CanQueueUndo(%s)", s)
		assert.Equal(t, s == StatusQueued || s == StatusQueuedUndo, s.CanResume(), "CanResume(%s)", s)
		assert.NotEmpty(t, s.Label())
	}
	assert.Equal(t, "Undo In Progress", StatusInProgressUndo.Label())
	assert.True(t, StatusOtherError.IsError())
	assert.False(t, StatusStopped.IsError())
}

func TestImport_CanUndo(t *testing.T) {
	tests := []struct {
		status Status
		format Format
		logged int
		want   bool
	}{
		{StatusCompleted, FormatManage, 3, true},
		{StatusCompleted, FormatManage, 0, false},
		{StatusImportError, FormatReport, 1, true},
		{StatusStopped, FormatManage, 0, true},
		{StatusInProgress, FormatManage, 3, false},
		{StatusCompletedUndo, FormatManage, 0, false},
		{StatusCompleted, FormatLegacyUpdate, 3, false},
		{StatusCompleted, FormatLegacyFile, 3, false},
		{StatusCompleted, FormatLegacyMix, 3, true},
	}
	for _, tt := range tests {
		imp := &Import{Status: tt.status, Format: tt.format}
		assert.Equal(t, tt.want, imp.CanUndo(tt.logged), "%s/%s/%d", tt.format, tt.status, tt.logged)
	}
}

func TestImport_CanClearHistory(t *testing.T) {
	tests := []struct {
		status Status
		logged int
		want   bool
	}{
		{StatusCompletedUndo, 5, true},
		{StatusUndoImportError, 0, true},
		{StatusOtherError, 2, true},
		{StatusCompleted, 0, true},
		{StatusCompleted, 1, false},
		{StatusImportError, 0, true},
		{StatusQueued, 0, false},
		{StatusStopped, 0, false},
	}
	for _, tt := range tests {
		imp := &Import{Status: tt.status}
		assert.Equal(t, tt.want, imp.CanClearHistory(tt.logged), "%s/%d", tt.status, tt.logged)
	}
}

func TestImport_SetMappingFreezesAfterStart(t *testing.T) {
	imp := &Import{Status: StatusQueued}
	assert.False(t, imp.Started())
	assert.NoError(t, imp.SetMapping(columnmap.Defaults{Public: true}, columnmap.Set{{Column: "a", Kind: columnmap.KindTag}}))
	assert.True(t, imp.Defaults.Public)

	imp.FilePosition = 120
	assert.True(t, imp.Started())
	assert.ErrorIs(t, imp.SetMapping(columnmap.Defaults{}, nil), ErrImportStarted)

	paused := &Import{Status: StatusPaused}
	assert.True(t, paused.Started())
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("Mix")
	assert.NoError(t, err)
	assert.True(t, f.Deprecated())
	assert.True(t, f.Undoable())

	_, err = ParseFormat("Xml")
	assert.ErrorContains(t, err, "unknown import format")
	assert.Equal(t, 4, (&Import{UpdatedRecordCount: 1}).ImportedCount(3))
}
