package pgstore

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/csvimport/internal/record"
)

// Records is the PostgreSQL record store.
type Records struct {
	pool *pgxpool.Pool
}

var _ record.Store = (*Records)(nil)

// NewRecords returns a record store on pool.
func NewRecords(pool *pgxpool.Pool) *Records {
	return &Records{pool: pool}
}

const recordColumns = `id, record_type, public, featured, collection_id, item_type_id, tags,
	item_id, file_order, source, filename, original_filename, authentication, mime_type, size, extra`

func scanRecord(row pgx.Row) (*record.Record, error) {
	var (
		r                        record.Record
		typ                      string
		collectionID, itemTypeID *int64
		itemID                   *int64
	)
	err := row.Scan(&r.ID, &typ, &r.Public, &r.Featured, &collectionID, &itemTypeID, &r.Tags,
		&itemID, &r.Order, &r.Source, &r.Filename, &r.OriginalFilename, &r.Authentication,
		&r.MimeType, &r.Size, &r.Extra)
	if err != nil {
		return nil, err
	}
	r.Type = record.Type(typ)
	r.CollectionID = fromNullID(collectionID)
	r.ItemTypeID = fromNullID(itemTypeID)
	r.ItemID = fromNullID(itemID)
	return &r, nil
}

// queryRecords runs a record query and loads the element texts of every result.
func (s *Records) queryRecords(ctx context.Context, sql string, args ...any) ([]*record.Record, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*record.Record, error) {
		return scanRecord(row)
	})
	if err != nil {
		return nil, err
	}
	if err := s.loadTexts(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Records) queryRecord(ctx context.Context, sql string, args ...any) (*record.Record, error) {
	out, err := s.queryRecords(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, record.ErrNotFound
	}
	return out[0], nil
}

func (s *Records) loadTexts(ctx context.Context, recs []*record.Record) error {
	if len(recs) == 0 {
		return nil
	}
	byID := make(map[int64]*record.Record, len(recs))
	ids := make([]int64, 0, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
		ids = append(ids, r.ID)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT record_id, element_id, text, html
		FROM element_texts
		WHERE record_id = ANY($1)
		ORDER BY record_id, position`, ids)
	if err != nil {
		return errors.Wrap(err, "query element texts")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			recordID int64
			et       record.ElementText
		)
		if err := rows.Scan(&recordID, &et.ElementID, &et.Text, &et.HTML); err != nil {
			return errors.Wrap(err, "scan element text")
		}
		r := byID[recordID]
		r.Texts = append(r.Texts, et)
	}
	return rows.Err()
}

func (s *Records) Get(ctx context.Context, t record.Type, id int64) (*record.Record, error) {
	r, err := s.queryRecord(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1 AND record_type = $2`, id, string(t))
	if err != nil {
		return nil, errors.Wrapf(err, "get %s %d", t, id)
	}
	return r, nil
}

func (s *Records) Insert(ctx context.Context, r *record.Record) (int64, error) {
	if !r.Type.Concrete() {
		return 0, errors.Errorf("cannot insert record of type %q", r.Type)
	}
	var id int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO records (record_type, public, featured, collection_id, item_type_id, tags,
				item_id, file_order, source, filename, original_filename, authentication, mime_type, size, extra)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			RETURNING id`,
			string(r.Type), r.Public, r.Featured, nullID(r.CollectionID), nullID(r.ItemTypeID), r.Tags,
			nullID(r.ItemID), r.Order, r.Source, r.Filename, r.OriginalFilename, r.Authentication,
			r.MimeType, r.Size, r.Extra,
		).Scan(&id)
		if err != nil {
			if r.Type == record.TypeFile && isForeignKeyViolation(err) {
				return errors.Wrapf(record.ErrNotFound, "item %d", r.ItemID)
			}
			return err
		}
		return writeTexts(ctx, tx, id, r.Texts)
	})
	if err != nil {
		return 0, errors.Wrapf(err, "insert %s", r.Type)
	}
	return id, nil
}

func (s *Records) Update(ctx context.Context, r *record.Record) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE records SET public = $3, featured = $4, collection_id = $5, item_type_id = $6,
				tags = $7, item_id = $8, file_order = $9, source = $10, filename = $11,
				original_filename = $12, authentication = $13, mime_type = $14, size = $15,
				extra = $16, modified = now()
			WHERE id = $1 AND record_type = $2`,
			r.ID, string(r.Type), r.Public, r.Featured, nullID(r.CollectionID), nullID(r.ItemTypeID),
			r.Tags, nullID(r.ItemID), r.Order, r.Source, r.Filename, r.OriginalFilename,
			r.Authentication, r.MimeType, r.Size, r.Extra,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return record.ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM element_texts WHERE record_id = $1`, r.ID); err != nil {
			return err
		}
		return writeTexts(ctx, tx, r.ID, r.Texts)
	})
	if err != nil {
		return errors.Wrapf(err, "update %s %d", r.Type, r.ID)
	}
	return nil
}

func writeTexts(ctx context.Context, tx pgx.Tx, recordID int64, texts []record.ElementText) error {
	if len(texts) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(texts))
	for i, et := range texts {
		rows = append(rows, []any{recordID, et.ElementID, i, et.Text, et.HTML})
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"element_texts"},
		[]string{"record_id", "element_id", "position", "text", "html"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return errors.Wrap(err, "write element texts")
	}
	return nil
}

// Delete removes a record. Files of a deleted item go with it and items of a deleted
// collection are detached, both through foreign keys.
func (s *Records) Delete(ctx context.Context, t record.Type, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM records WHERE id = $1 AND record_type = $2`, id, string(t))
	if err != nil {
		return errors.Wrapf(err, "delete %s %d", t, id)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(record.ErrNotFound, "delete %s %d", t, id)
	}
	return nil
}

func (s *Records) FindByElementText(ctx context.Context, elementID int64, text string, t record.Type) (*record.Record, error) {
	typ := string(t)
	if t == record.TypeAny {
		typ = ""
	}
	return s.queryRecord(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE id = (
			SELECT r.id FROM records r
			JOIN element_texts et ON et.record_id = r.id
			WHERE et.element_id = $1 AND et.text = $2 AND ($3 = '' OR r.record_type = $3)
			ORDER BY r.id
			LIMIT 1
		)`, elementID, text, typ)
}

func (s *Records) FindFile(ctx context.Context, field record.FileField, value string) (*record.Record, error) {
	var column string
	switch field {
	case record.FileFieldOriginalFilename:
		column = "original_filename"
	case record.FileFieldFilename:
		column = "filename"
	case record.FileFieldAuthentication:
		column = "authentication"
	default:
		return nil, errors.Errorf("unknown file field %q", field)
	}
	return s.queryRecord(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE record_type = 'File' AND `+column+` = $1
		ORDER BY id
		LIMIT 1`, value)
}

func (s *Records) ItemFiles(ctx context.Context, itemID int64) ([]*record.Record, error) {
	files, err := s.queryRecords(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE record_type = 'File' AND item_id = $1
		ORDER BY file_order, id`, itemID)
	if err != nil {
		return nil, errors.Wrapf(err, "files of item %d", itemID)
	}
	return files, nil
}

func (s *Records) SetFileOrder(ctx context.Context, itemID int64, fileIDs []int64) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for i, id := range fileIDs {
			batch.Queue(`UPDATE records SET file_order = $1 WHERE id = $2 AND item_id = $3 AND record_type = 'File'`,
				i+1, id, itemID)
		}
		results := tx.SendBatch(ctx, batch)
		for _, id := range fileIDs {
			tag, err := results.Exec()
			if err != nil {
				results.Close()
				return errors.Wrapf(err, "order file %d", id)
			}
			if tag.RowsAffected() == 0 {
				results.Close()
				return errors.Wrapf(record.ErrNotFound, "file %d of item %d", id, itemID)
			}
		}
		return results.Close()
	})
}

func (s *Records) Element(ctx context.Context, set, name string) (*record.Element, error) {
	var el record.Element
	err := s.pool.QueryRow(ctx, `
		SELECT id, element_set, name FROM elements
		WHERE lower(element_set) = lower($1) AND lower(name) = lower($2)`,
		strings.TrimSpace(set), strings.TrimSpace(name),
	).Scan(&el.ID, &el.Set, &el.Name)
	if noRows(err) {
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "element %s:%s", set, name)
	}
	return &el, nil
}

func (s *Records) ElementByID(ctx context.Context, id int64) (*record.Element, error) {
	var el record.Element
	err := s.pool.QueryRow(ctx, `SELECT id, element_set, name FROM elements WHERE id = $1`, id).
		Scan(&el.ID, &el.Set, &el.Name)
	if noRows(err) {
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "element %d", id)
	}
	return &el, nil
}

func (s *Records) Elements(ctx context.Context) ([]record.Element, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, element_set, name FROM elements ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list elements")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (record.Element, error) {
		var el record.Element
		err := row.Scan(&el.ID, &el.Set, &el.Name)
		return el, err
	})
}

func (s *Records) ItemTypeByName(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `SELECT id FROM item_types WHERE lower(name) = lower($1)`,
		strings.TrimSpace(name)).Scan(&id)
	if noRows(err) {
		return 0, record.ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrapf(err, "item type %q", name)
	}
	return id, nil
}
