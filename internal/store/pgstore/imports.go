package pgstore

import (
	"context"
	"unicode/utf8"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/csvimport/internal/columnmap"
	"github.com/JonMunkholm/csvimport/internal/model"
	"github.com/JonMunkholm/csvimport/internal/record"
)

// Imports is the PostgreSQL import repository.
type Imports struct {
	pool *pgxpool.Pool
}

var _ model.Repository = (*Imports)(nil)

// NewImports returns an import repository on pool.
func NewImports(pool *pgxpool.Pool) *Imports {
	return &Imports{pool: pool}
}

const importColumns = `id, format, delimiter, enclosure, status, row_count, skipped_row_count,
	skipped_record_count, updated_record_count, file_position, original_filename, file_path,
	defaults, column_maps, batch_size, owner_id, last_error, added`

func runeArg(r rune) string {
	if r == 0 {
		return ""
	}
	return string(r)
}

func firstRune(s string) rune {
	r, _ := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return 0
	}
	return r
}

func scanImport(row pgx.Row) (*model.Import, error) {
	var (
		imp                  model.Import
		format, status       string
		delimiter, enclosure string
		defaults, maps       []byte
	)
	err := row.Scan(&imp.ID, &format, &delimiter, &enclosure, &status, &imp.RowCount,
		&imp.SkippedRowCount, &imp.SkippedRecordCount, &imp.UpdatedRecordCount, &imp.FilePosition,
		&imp.OriginalFilename, &imp.FilePath, &defaults, &maps, &imp.BatchSize, &imp.OwnerID,
		&imp.LastError, &imp.Added)
	if err != nil {
		return nil, err
	}
	imp.Format = model.Format(format)
	imp.Status = model.Status(status)
	imp.Delimiter = firstRune(delimiter)
	imp.Enclosure = firstRune(enclosure)

	if imp.Defaults, err = columnmap.DecodeDefaults(defaults); err != nil {
		return nil, errors.Wrapf(err, "decode defaults of import %d", imp.ID)
	}
	if imp.ColumnMaps, err = columnmap.DecodeSet(maps); err != nil {
		return nil, errors.Wrapf(err, "decode column maps of import %d", imp.ID)
	}
	if imp.Format.Deprecated() {
		imp.ColumnMaps = columnmap.MigrateLegacy(string(imp.Format), imp.ColumnMaps)
	}
	return &imp, nil
}

func (r *Imports) queryImports(ctx context.Context, sql string, args ...any) ([]*model.Import, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.Import, error) {
		return scanImport(row)
	})
}

func encodeMapping(imp *model.Import) (defaults, maps []byte, err error) {
	if defaults, err = columnmap.EncodeDefaults(imp.Defaults); err != nil {
		return nil, nil, errors.Wrap(err, "encode defaults")
	}
	if maps, err = columnmap.EncodeSet(imp.ColumnMaps); err != nil {
		return nil, nil, errors.Wrap(err, "encode column maps")
	}
	return defaults, maps, nil
}

func (r *Imports) CreateImport(ctx context.Context, imp *model.Import) error {
	if imp.Status == "" {
		imp.Status = model.StatusQueued
	}
	defaults, maps, err := encodeMapping(imp)
	if err != nil {
		return err
	}
	err = r.pool.QueryRow(ctx, `
		INSERT INTO imports (format, delimiter, enclosure, status, original_filename, file_path,
			defaults, column_maps, batch_size, owner_id, added)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, now()))
		RETURNING id, added`,
		string(imp.Format), runeArg(imp.Delimiter), runeArg(imp.Enclosure), string(imp.Status),
		imp.OriginalFilename, imp.FilePath, defaults, maps, imp.BatchSize, imp.OwnerID, nullTime(imp),
	).Scan(&imp.ID, &imp.Added)
	if err != nil {
		return errors.Wrap(err, "insert import")
	}
	return nil
}

func nullTime(imp *model.Import) any {
	if imp.Added.IsZero() {
		return nil
	}
	return imp.Added
}

func (r *Imports) GetImport(ctx context.Context, id int64) (*model.Import, error) {
	imp, err := scanImport(r.pool.QueryRow(ctx, `SELECT `+importColumns+` FROM imports WHERE id = $1`, id))
	if noRows(err) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get import %d", id)
	}
	return imp, nil
}

// SaveImport writes progress. The mapping columns keep their stored value once the
// stored row has started, whatever imp carries.
func (r *Imports) SaveImport(ctx context.Context, imp *model.Import) error {
	defaults, maps, err := encodeMapping(imp)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE imports SET
			status = $2,
			row_count = $3,
			skipped_row_count = $4,
			skipped_record_count = $5,
			updated_record_count = $6,
			file_position = $7,
			batch_size = $8,
			last_error = $9,
			defaults = CASE WHEN row_count > 0 OR file_position > 0 OR status <> 'queued'
				THEN defaults ELSE $10 END,
			column_maps = CASE WHEN row_count > 0 OR file_position > 0 OR status <> 'queued'
				THEN column_maps ELSE $11 END
		WHERE id = $1`,
		imp.ID, string(imp.Status), imp.RowCount, imp.SkippedRowCount, imp.SkippedRecordCount,
		imp.UpdatedRecordCount, imp.FilePosition, imp.BatchSize, imp.LastError, defaults, maps,
	)
	if err != nil {
		return errors.Wrapf(err, "save import %d", imp.ID)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// DeleteImport removes the import. Its log goes with it.
func (r *Imports) DeleteImport(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM imports WHERE id = $1`, id)
	if err != nil {
		return errors.Wrapf(err, "delete import %d", id)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *Imports) ListImports(ctx context.Context, limit, offset int) ([]*model.Import, error) {
	out, err := r.queryImports(ctx, `
		SELECT `+importColumns+` FROM imports
		ORDER BY id DESC
		LIMIT $1 OFFSET $2`, limitArg(limit), max(offset, 0))
	if err != nil {
		return nil, errors.Wrap(err, "list imports")
	}
	return out, nil
}

func (r *Imports) ListByStatus(ctx context.Context, statuses ...model.Status) ([]*model.Import, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	out, err := r.queryImports(ctx, `
		SELECT `+importColumns+` FROM imports
		WHERE status = ANY($1)
		ORDER BY id DESC`, names)
	if err != nil {
		return nil, errors.Wrap(err, "list imports by status")
	}
	return out, nil
}

func (r *Imports) AppendLog(ctx context.Context, e model.LogEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO imported_records (import_id, record_type, record_id, identifier)
		VALUES ($1, $2, $3, $4)`,
		e.ImportID, string(e.RecordType), e.RecordID, e.Identifier)
	if err != nil {
		return errors.Wrapf(err, "log %s %d of import %d", e.RecordType, e.RecordID, e.ImportID)
	}
	return nil
}

const logColumns = `id, import_id, record_type, record_id, identifier`

func scanLog(row pgx.CollectableRow) (model.LogEntry, error) {
	var (
		e   model.LogEntry
		typ string
	)
	err := row.Scan(&e.ID, &e.ImportID, &typ, &e.RecordID, &e.Identifier)
	e.RecordType = record.Type(typ)
	return e, err
}

func (r *Imports) queryLog(ctx context.Context, sql string, args ...any) ([]model.LogEntry, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanLog)
}

func (r *Imports) FindLogged(ctx context.Context, importID int64, identifier string, t record.Type) (*model.LogEntry, error) {
	typ := string(t)
	if t == record.TypeAny {
		typ = ""
	}
	entries, err := r.queryLog(ctx, `
		SELECT `+logColumns+` FROM imported_records
		WHERE import_id = $1 AND identifier = $2 AND ($3 = '' OR record_type = $3)
		ORDER BY id DESC
		LIMIT 1`, importID, identifier, typ)
	if err != nil {
		return nil, errors.Wrapf(err, "find logged %q of import %d", identifier, importID)
	}
	if len(entries) == 0 {
		return nil, model.ErrNotFound
	}
	return &entries[0], nil
}

func (r *Imports) LogBatch(ctx context.Context, importID int64, limit int) ([]model.LogEntry, error) {
	entries, err := r.queryLog(ctx, `
		SELECT `+logColumns+` FROM imported_records
		WHERE import_id = $1
		ORDER BY id
		LIMIT $2`, importID, limitArg(limit))
	if err != nil {
		return nil, errors.Wrapf(err, "log batch of import %d", importID)
	}
	return entries, nil
}

func (r *Imports) DeleteLog(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, `DELETE FROM imported_records WHERE id = ANY($1)`, ids); err != nil {
		return errors.Wrap(err, "delete log entries")
	}
	return nil
}

func (r *Imports) CountLog(ctx context.Context, importID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM imported_records WHERE import_id = $1`, importID).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "count log of import %d", importID)
	}
	return n, nil
}

func (r *Imports) CountLogByType(ctx context.Context, importID int64) (map[record.Type]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT record_type, count(*) FROM imported_records
		WHERE import_id = $1
		GROUP BY record_type`, importID)
	if err != nil {
		return nil, errors.Wrapf(err, "count log of import %d", importID)
	}
	defer rows.Close()

	out := make(map[record.Type]int)
	for rows.Next() {
		var (
			typ string
			n   int
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, errors.Wrap(err, "scan log count")
		}
		out[record.Type(typ)] = n
	}
	return out, rows.Err()
}

func (r *Imports) ListLog(ctx context.Context, importID int64, limit, offset int) ([]model.LogEntry, error) {
	entries, err := r.queryLog(ctx, `
		SELECT `+logColumns+` FROM imported_records
		WHERE import_id = $1
		ORDER BY id
		LIMIT $2 OFFSET $3`, importID, limitArg(limit), max(offset, 0))
	if err != nil {
		return nil, errors.Wrapf(err, "list log of import %d", importID)
	}
	return entries, nil
}
