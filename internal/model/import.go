// Package model holds the persisted import entities and the repository contract
// the import engine uses to store them.
package model

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/JonMunkholm/csvimport/internal/columnmap"
	"github.com/JonMunkholm/csvimport/internal/record"
)

// Format selects how rows are turned into record operations.
type Format string

const (
	FormatManage       Format = "ManageRecords"
	FormatReport       Format = "Report"
	FormatLegacyItem   Format = "Item"
	FormatLegacyFile   Format = "File"
	FormatLegacyMix    Format = "Mix"
	FormatLegacyUpdate Format = "Update"
)

// ParseFormat validates a stored or submitted format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatManage, FormatReport, FormatLegacyItem, FormatLegacyFile, FormatLegacyMix, FormatLegacyUpdate:
		return f, nil
	}
	return "", errors.Errorf("unknown import format %q", s)
}

// Deprecated reports whether the format is only kept for previously stored imports.
func (f Format) Deprecated() bool {
	return f == FormatLegacyFile || f == FormatLegacyMix || f == FormatLegacyUpdate
}

// Undoable reports whether imports of this format create records that undo can remove.
func (f Format) Undoable() bool {
	return f != FormatLegacyFile && f != FormatLegacyUpdate
}

// ErrImportStarted is returned when the mapping of an import is changed after its first start.
var ErrImportStarted = errors.New("import already started: mapping is immutable")

// ErrNotFound is returned by repositories for unknown imports.
var ErrNotFound = errors.New("import not found")

// Import is one import run and its progress.
type Import struct {
	ID        int64
	Format    Format
	Delimiter rune
	Enclosure rune
	Status    Status

	RowCount           int
	SkippedRowCount    int
	SkippedRecordCount int
	UpdatedRecordCount int
	FilePosition       int64

	OriginalFilename string
	FilePath         string
	Defaults         columnmap.Defaults
	ColumnMaps       columnmap.Set
	BatchSize        int
	OwnerID          int64
	LastError        string
	Added            time.Time
}

// Started reports whether the import has left its initial queued state at least once.
// Once started, the mapping blobs are immutable.
func (i *Import) Started() bool {
	return i.RowCount > 0 || i.FilePosition > 0 || (i.Status != StatusQueued && i.Status != "")
}

// SetMapping replaces defaults and column maps. It fails once the import has started.
func (i *Import) SetMapping(defaults columnmap.Defaults, maps columnmap.Set) error {
	if i.Started() {
		return ErrImportStarted
	}
	i.Defaults = defaults
	i.ColumnMaps = maps
	return nil
}

// LogEntry binds one import to one record it created.
type LogEntry struct {
	ID         int64
	ImportID   int64
	RecordType record.Type
	RecordID   int64
	Identifier string
}

// Repository persists imports and their imported-record log.
type Repository interface {
	CreateImport(ctx context.Context, imp *Import) error
	GetImport(ctx context.Context, id int64) (*Import, error)
	// SaveImport persists status, counters, checkpoint and last error. The mapping blobs are
	// only written while the import has not started.
	SaveImport(ctx context.Context, imp *Import) error
	DeleteImport(ctx context.Context, id int64) error
	ListImports(ctx context.Context, limit, offset int) ([]*Import, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Import, error)

	AppendLog(ctx context.Context, entry LogEntry) error
	// FindLogged returns the newest entry of the import with the identifier. An empty t
	// matches every record type.
	FindLogged(ctx context.Context, importID int64, identifier string, t record.Type) (*LogEntry, error)
	LogBatch(ctx context.Context, importID int64, limit int) ([]LogEntry, error)
	DeleteLog(ctx context.Context, ids []int64) error
	CountLog(ctx context.Context, importID int64) (int, error)
	CountLogByType(ctx context.Context, importID int64) (map[record.Type]int, error)
	ListLog(ctx context.Context, importID int64, limit, offset int) ([]LogEntry, error)
}
