package importer

import (
	"context"
	"log/slog"

	"github.com/go-faster/errors"

	"github.com/JonMunkholm/csvimport/internal/columnmap"
	"github.com/JonMunkholm/csvimport/internal/ingest"
	"github.com/JonMunkholm/csvimport/internal/record"
)

// Mutator applies row actions to the record store.
//
// Only records it creates are journaled; changes to records that existed before
// the import never are, so undo cannot remove them.
type Mutator struct {
	records  record.Store
	files    ingest.Ingester
	journal  journal
	env      columnmap.Env
	defaults columnmap.Defaults
	logger   *slog.Logger
}

// AddItem creates an Item from the row, attaches its files and journals it under identifier.
func (m *Mutator) AddItem(ctx context.Context, row columnmap.MappedRow, identifier string) (*record.Record, error) {
	collectionID, err := m.collection(ctx, row)
	if err != nil {
		return nil, err
	}
	itemTypeID, err := m.itemType(ctx, row)
	if err != nil {
		return nil, err
	}

	item := &record.Record{
		Type:         record.TypeItem,
		CollectionID: collectionID,
		ItemTypeID:   itemTypeID,
		Public:       boolOr(row.Public, m.defaults.Public),
		Featured:     boolOr(row.Featured, m.defaults.Featured),
		Tags:         dedupe(row.Tags),
		Texts:        row.NonEmptyElements(),
		Extra:        m.extra(row, nil, columnmap.ActionCreate),
	}

	id, err := m.records.Insert(ctx, item)
	if err != nil {
		return nil, errors.Wrap(err, "insert item")
	}
	item.ID = id

	if _, err := m.attachFiles(ctx, item.ID, row.Files, 0); err != nil {
		m.purger().discard(ctx, record.TypeItem, item.ID)
		return nil, err
	}

	if err := m.journal.created(ctx, record.TypeItem, item.ID, identifier); err != nil {
		m.purger().discard(ctx, record.TypeItem, item.ID)
		return nil, err
	}
	return item, nil
}

// AddFile creates a File for the row's single file value under the item named in the row's
// Item column, which is read with the import's default identifier field. A missing item is
// created from its identifier.
func (m *Mutator) AddFile(ctx context.Context, res *Resolver, row columnmap.MappedRow, identifier string) (*record.Record, error) {
	if len(row.Files) != 1 {
		return nil, rowErrorf("a file row needs exactly one file, got %d", len(row.Files))
	}
	if row.Item == "" {
		return nil, rowErrorf("no item to attach the file %q to", row.Files[0])
	}

	field := itemField(normalizeField(m.defaults.IdentifierField))
	item, err := res.lookup(ctx, row.Item, record.TypeItem, field)
	if err != nil {
		return nil, err
	}
	if item == nil {
		if item, err = res.CreateFromIdentifier(ctx, row.Item, record.TypeItem, field); err != nil {
			return nil, err
		}
	}

	return m.addFileTo(ctx, item.ID, row, identifier)
}

// addFileTo ingests the row's single file into an existing item, applies the row's metadata
// and journals the new file.
func (m *Mutator) addFileTo(ctx context.Context, itemID int64, row columnmap.MappedRow, identifier string) (*record.Record, error) {
	existing, err := m.records.ItemFiles(ctx, itemID)
	if err != nil {
		return nil, errors.Wrap(err, "list item files")
	}
	created, err := m.attachFiles(ctx, itemID, row.Files[:1], len(existing))
	if err != nil {
		return nil, err
	}
	file := created[0]

	updated, err := m.Update(ctx, file, row, columnmap.ActionAdd)
	if err == nil {
		err = m.journal.created(ctx, record.TypeFile, file.ID, identifier)
	}
	if err != nil {
		m.purger().discard(ctx, record.TypeFile, file.ID)
		return nil, err
	}
	return updated, nil
}

// AddCollection creates a Collection from the row's metadata.
func (m *Mutator) AddCollection(ctx context.Context, row columnmap.MappedRow, identifier string) (*record.Record, error) {
	c := &record.Record{
		Type:     record.TypeCollection,
		Public:   boolOr(row.Public, m.defaults.Public),
		Featured: boolOr(row.Featured, m.defaults.Featured),
		Texts:    row.NonEmptyElements(),
	}
	id, err := m.records.Insert(ctx, c)
	if err != nil {
		return nil, errors.Wrap(err, "insert collection")
	}
	c.ID = id
	if err := m.journal.created(ctx, record.TypeCollection, c.ID, identifier); err != nil {
		m.purger().discard(ctx, record.TypeCollection, c.ID)
		return nil, err
	}
	return c, nil
}

// Update merges the row into rec according to action (Update, Add or Replace).
func (m *Mutator) Update(ctx context.Context, rec *record.Record, row columnmap.MappedRow, action columnmap.Action) (*record.Record, error) {
	if !action.Merges() {
		return nil, errors.Errorf("%q is not a merge action", action)
	}

	out := *rec
	out.Texts = mergeTexts(rec.Texts, row, action)
	if row.Public != nil {
		out.Public = *row.Public
	}
	if row.Featured != nil {
		out.Featured = *row.Featured
	}
	out.Extra = m.extra(row, rec.Extra, action)

	if rec.Type == record.TypeItem {
		if row.Collection != "" || row.CollectionID != 0 {
			id, err := m.collection(ctx, row)
			if err != nil {
				return nil, err
			}
			out.CollectionID = id
		}
		if row.ItemType != "" {
			id, err := m.itemType(ctx, row)
			if err != nil {
				return nil, err
			}
			out.ItemTypeID = id
		}
		out.Tags = mergeTags(rec.Tags, row, action)
	}

	if err := m.records.Update(ctx, &out); err != nil {
		return nil, errors.Wrapf(err, "update %s %d", out.Type, out.ID)
	}

	if rec.Type == record.TypeItem && row.Has(columnmap.KindFile) {
		if err := m.reconcileFiles(ctx, out.ID, row.Files, action); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

// Delete removes rec and the stored bytes of its files. A record that is already gone
// fails the row.
func (m *Mutator) Delete(ctx context.Context, rec *record.Record) error {
	err := m.purger().delete(ctx, rec.Type, rec.ID)
	if errors.Is(err, record.ErrNotFound) {
		return rowError(err, "%s %d already deleted", rec.Type, rec.ID)
	}
	if err != nil {
		return errors.Wrapf(err, "delete %s %d", rec.Type, rec.ID)
	}
	return nil
}

// mergeTexts applies the element merge policy of action.
//
// Update replaces the values of elements that receive at least one non-empty value.
// Add appends non-empty values. Replace clears every element present in the row and
// writes its non-empty values, so an empty cell removes the element.
func mergeTexts(existing []record.ElementText, row columnmap.MappedRow, action columnmap.Action) []record.ElementText {
	incoming := row.NonEmptyElements()

	cleared := make(map[int64]bool)
	switch action {
	case columnmap.ActionUpdate:
		for _, t := range incoming {
			cleared[t.ElementID] = true
		}
	case columnmap.ActionReplace:
		for _, id := range row.ElementIDs() {
			cleared[id] = true
		}
	}

	out := make([]record.ElementText, 0, len(existing)+len(incoming))
	for _, t := range existing {
		if !cleared[t.ElementID] {
			out = append(out, t)
		}
	}
	return append(out, incoming...)
}

func mergeTags(existing []string, row columnmap.MappedRow, action columnmap.Action) []string {
	switch action {
	case columnmap.ActionAdd:
		return dedupe(append(append([]string(nil), existing...), row.Tags...))
	case columnmap.ActionUpdate:
		if len(row.Tags) == 0 {
			return existing
		}
		return dedupe(row.Tags)
	case columnmap.ActionReplace:
		if !row.Has(columnmap.KindTag) {
			return existing
		}
		return dedupe(row.Tags)
	}
	return existing
}

// extra returns the extra data to store. Only the manual mode stores anything.
func (m *Mutator) extra(row columnmap.MappedRow, existing map[string]string, action columnmap.Action) map[string]string {
	if m.defaults.ExtraData != columnmap.ExtraDataManual || len(row.Extra) == 0 {
		return existing
	}
	out := make(map[string]string, len(existing)+len(row.Extra))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range row.Extra {
		switch action {
		case columnmap.ActionAdd:
			if _, ok := out[k]; !ok && v != "" {
				out[k] = v
			}
		case columnmap.ActionUpdate:
			if v != "" {
				out[k] = v
			}
		default:
			out[k] = v
		}
	}
	return out
}

// attachFiles ingests sources and inserts them as files of itemID, ordered after offset.
// On failure the files created so far are removed again.
func (m *Mutator) attachFiles(ctx context.Context, itemID int64, sources []string, offset int) ([]*record.Record, error) {
	var created []*record.Record
	for i, src := range sources {
		f, err := m.files.Ingest(ctx, src)
		if err == nil {
			f.ItemID, f.Order = itemID, offset+i+1
			if f.ID, err = m.records.Insert(ctx, f); err != nil {
				m.purger().removeStored(f.Filename)
			}
		}
		if err != nil {
			for _, c := range created {
				m.purger().discard(ctx, record.TypeFile, c.ID)
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, rowError(err, "cannot attach file %q", src)
		}
		created = append(created, f)
	}
	return created, nil
}

// reconcileFiles brings the files of an item in line with sources.
//
// Add only attaches sources that are not attached yet. Update and Replace also delete
// files missing from sources and reorder the rest to follow sources. An Update with
// no file value leaves the files untouched.
func (m *Mutator) reconcileFiles(ctx context.Context, itemID int64, sources []string, action columnmap.Action) error {
	if action == columnmap.ActionUpdate && len(sources) == 0 {
		return nil
	}

	current, err := m.records.ItemFiles(ctx, itemID)
	if err != nil {
		return errors.Wrap(err, "list item files")
	}

	bySource := make(map[string]*record.Record, len(current))
	for _, f := range current {
		bySource[f.Source] = f
		if _, ok := bySource[f.OriginalFilename]; !ok && f.OriginalFilename != "" {
			bySource[f.OriginalFilename] = f
		}
	}

	wanted := make(map[int64]bool)
	var missing []string
	for _, src := range dedupe(sources) {
		if f, ok := bySource[src]; ok {
			wanted[f.ID] = true
			continue
		}
		missing = append(missing, src)
	}

	if action != columnmap.ActionAdd {
		for _, f := range current {
			if wanted[f.ID] {
				continue
			}
			if err := m.purger().delete(ctx, record.TypeFile, f.ID); err != nil && !errors.Is(err, record.ErrNotFound) {
				return errors.Wrapf(err, "delete file %d", f.ID)
			}
		}
	}

	created, err := m.attachFiles(ctx, itemID, missing, len(current))
	if err != nil {
		return err
	}
	for i, f := range created {
		if err := m.journal.created(ctx, record.TypeFile, f.ID, ""); err != nil {
			for _, unlogged := range created[i:] {
				m.purger().discard(ctx, record.TypeFile, unlogged.ID)
			}
			return err
		}
	}
	if action == columnmap.ActionAdd {
		return nil
	}

	newBySource := make(map[string]int64, len(created))
	for _, f := range created {
		newBySource[f.Source] = f.ID
	}
	order := make([]int64, 0, len(sources))
	placed := make(map[int64]bool)
	for _, src := range sources {
		id := newBySource[src]
		if f, ok := bySource[src]; ok {
			id = f.ID
		}
		if id != 0 && !placed[id] {
			placed[id] = true
			order = append(order, id)
		}
	}
	if err := m.records.SetFileOrder(ctx, itemID, order); err != nil {
		return errors.Wrap(err, "reorder files")
	}
	return nil
}

// collection returns the collection id for a new or updated item.
func (m *Mutator) collection(ctx context.Context, row columnmap.MappedRow) (int64, error) {
	if row.CollectionID != 0 {
		return row.CollectionID, nil
	}
	if row.Collection == "" {
		return m.defaults.CollectionID, nil
	}
	id, err := m.env.FindCollection(ctx, row.Collection)
	if err != nil {
		return 0, err
	}
	if id == 0 && m.defaults.CreateCollections {
		if id, err = m.env.CreateCollection(ctx, row.Collection); err != nil {
			return 0, err
		}
	}
	if id == 0 {
		return 0, rowErrorf("collection %q not found", row.Collection)
	}
	return id, nil
}

func (m *Mutator) itemType(ctx context.Context, row columnmap.MappedRow) (int64, error) {
	if row.ItemType == "" {
		return m.defaults.ItemTypeID, nil
	}
	id, err := m.records.ItemTypeByName(ctx, row.ItemType)
	if errors.Is(err, record.ErrNotFound) {
		return 0, rowErrorf("item type %q not found", row.ItemType)
	}
	if err != nil {
		return 0, errors.Wrap(err, "lookup item type")
	}
	return id, nil
}

func (m *Mutator) purger() purger {
	return purger{records: m.records, files: m.files, logger: m.logger}
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
