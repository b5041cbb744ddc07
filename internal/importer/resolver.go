package importer

import (
	"context"
	"log/slog"
	"strings"

	"github.com/go-faster/errors"

	"github.com/JonMunkholm/csvimport/internal/columnmap"
	"github.com/JonMunkholm/csvimport/internal/model"
	"github.com/JonMunkholm/csvimport/internal/record"
)

// Identifier fields with a fixed meaning. Every other value names a metadata element.
const (
	FieldInternalID       = "internal id"
	FieldOriginalFilename = "original filename"
	FieldFilename         = "filename"
	FieldMD5              = "md5"
	FieldAuthentication   = "authentication"
	fieldOriginalLegacy   = "original_filename"
)

// fileField maps a physical file identifier field to the store attribute.
func fileField(field string) (record.FileField, bool) {
	switch normalizeField(field) {
	case FieldOriginalFilename, fieldOriginalLegacy:
		return record.FileFieldOriginalFilename, true
	case FieldFilename:
		return record.FileFieldFilename, true
	case FieldMD5, FieldAuthentication:
		return record.FileFieldAuthentication, true
	}
	return "", false
}

func normalizeField(field string) string {
	f := strings.TrimSpace(field)
	switch lower := strings.ToLower(f); lower {
	case "", FieldInternalID:
		return FieldInternalID
	case FieldOriginalFilename, FieldFilename, FieldMD5, FieldAuthentication, fieldOriginalLegacy:
		return lower
	}
	return f
}

// journal records every record the run creates.
type journal interface {
	created(ctx context.Context, t record.Type, id int64, identifier string) error
}

// Resolver finds the record a row refers to.
//
// It is scoped to one job invocation: element lookups are memoized in a cache
// that lives as long as the resolver.
type Resolver struct {
	records  record.Store
	imports  model.Repository
	importID int64
	journal  journal

	elements map[string]*record.Element
}

func newResolver(records record.Store, imports model.Repository, importID int64, j journal) *Resolver {
	return &Resolver{
		records:  records,
		imports:  imports,
		importID: importID,
		journal:  j,
		elements: make(map[string]*record.Element),
	}
}

// element returns the element named by a "Set:Name" field, or nil when the dictionary
// has no such element.
func (r *Resolver) element(ctx context.Context, field string) (*record.Element, error) {
	if el, ok := r.elements[field]; ok {
		return el, nil
	}
	set, name, ok := record.SplitElementName(field)
	if !ok {
		r.elements[field] = nil
		return nil, nil
	}
	el, err := r.records.Element(ctx, set, name)
	if errors.Is(err, record.ErrNotFound) {
		el, err = nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "lookup element %q", field)
	}
	r.elements[field] = el
	return el, nil
}

// Resolve returns the record identified by identifier, or record.ErrNotFound.
// An empty identifier never queries the store.
func (r *Resolver) Resolve(ctx context.Context, identifier string, t record.Type, field string) (*record.Record, error) {
	if identifier == "" {
		return nil, record.ErrNotFound
	}
	field = normalizeField(field)

	if field == FieldInternalID {
		if !t.Concrete() {
			return nil, record.ErrNotFound
		}
		id, ok := columnmap.ParseID(identifier)
		if !ok {
			return nil, record.ErrNotFound
		}
		return r.records.Get(ctx, t, id)
	}

	if ff, ok := fileField(field); ok {
		if t != "" && t != record.TypeAny && t != record.TypeFile {
			return nil, record.ErrNotFound
		}
		return r.records.FindFile(ctx, ff, identifier)
	}

	el, err := r.element(ctx, field)
	if err != nil {
		return nil, err
	}
	if el != nil {
		return r.records.FindByElementText(ctx, el.ID, identifier, t)
	}

	// No such element: the identifier can only refer to a row imported earlier in this run.
	entry, err := r.imports.FindLogged(ctx, r.importID, identifier, t)
	if errors.Is(err, model.ErrNotFound) {
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find logged record")
	}
	return r.records.Get(ctx, entry.RecordType, entry.RecordID)
}

// CreateFromIdentifier creates a minimal Item or Collection for an identifier that did not
// resolve. When field names an element, the identifier is stored as its text. The new
// record is journaled.
func (r *Resolver) CreateFromIdentifier(ctx context.Context, identifier string, t record.Type, field string) (*record.Record, error) {
	if identifier == "" {
		return nil, rowErrorf("cannot create a record without identifier")
	}
	if t != record.TypeItem && t != record.TypeCollection {
		return nil, rowErrorf("cannot create a %s from the identifier %q", t, identifier)
	}
	field = normalizeField(field)
	if _, physical := fileField(field); physical || field == FieldInternalID {
		return nil, rowErrorf("cannot create a %s identified by %q", t, field)
	}

	rec := &record.Record{Type: t}
	el, err := r.element(ctx, field)
	if err != nil {
		return nil, err
	}
	if el != nil {
		rec.Texts = []record.ElementText{{ElementID: el.ID, Text: identifier}}
	}

	id, err := r.records.Insert(ctx, rec)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", t)
	}
	rec.ID = id
	if err := r.journal.created(ctx, t, id, identifier); err != nil {
		purger{records: r.records, logger: slog.Default()}.discard(ctx, t, id)
		return nil, err
	}
	return rec, nil
}

// lookup resolves and converts a miss into (nil, nil).
func (r *Resolver) lookup(ctx context.Context, identifier string, t record.Type, field string) (*record.Record, error) {
	rec, err := r.Resolve(ctx, identifier, t, field)
	if errors.Is(err, record.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}
