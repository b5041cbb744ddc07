package importer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/csvimport/internal/columnmap"
	"github.com/JonMunkholm/csvimport/internal/model"
	"github.com/JonMunkholm/csvimport/internal/record"
	"github.com/JonMunkholm/csvimport/internal/store/memstore"
)

type mutatorFixture struct {
	records    *memstore.Records
	files      *fakeFiles
	journals   []model.LogEntry
	journalErr error
	m          *Mutator
}

func newMutatorFixture(t *testing.T, d columnmap.Defaults) *mutatorFixture {
	t.Helper()
	f := &mutatorFixture{records: memstore.NewRecords(), files: &fakeFiles{fail: map[string]bool{}}}
	j := journalFunc(func(_ context.Context, t record.Type, id int64, identifier string) error {
		if f.journalErr != nil {
			return f.journalErr
		}
		f.journals = append(f.journals, model.LogEntry{RecordType: t, RecordID: id, Identifier: identifier})
		return nil
	})
	f.m = &Mutator{
		records:  f.records,
		files:    f.files,
		journal:  j,
		defaults: d.WithFallbacks(),
		logger:   slog.Default(),
	}
	return f
}

// row maps cells through a set built from their column names: "title" is the
// Dublin Core title, "tags" and "files" are comma separated lists and any other
// column is extra data.
func row(t *testing.T, cells map[string]string) columnmap.MappedRow {
	t.Helper()
	columns := make([]string, 0, len(cells))
	for c := range cells {
		columns = append(columns, c)
	}
	sort.Strings(columns)

	var set columnmap.Set
	for _, c := range columns {
		switch c {
		case "title":
			set = append(set, columnmap.Map{Column: c, Kind: columnmap.KindElement, Options: columnmap.Options{ElementID: titleID}})
		case "tags":
			set = append(set, columnmap.Map{Column: c, Kind: columnmap.KindTag, Options: columnmap.Options{Delimiter: ","}})
		case "files":
			set = append(set, columnmap.Map{Column: c, Kind: columnmap.KindFile, Options: columnmap.Options{Delimiter: ","}})
		default:
			set = append(set, columnmap.Map{Column: c, Kind: columnmap.KindExtraData})
		}
	}
	r, err := set.Map(context.Background(), cells, nil)
	require.NoError(t, err)
	return r
}

func (f *mutatorFixture) item(t *testing.T, r *record.Record, sources ...string) (*record.Record, []*record.Record) {
	t.Helper()
	ctx := context.Background()
	r.Type = record.TypeItem
	id, err := f.records.Insert(ctx, r)
	require.NoError(t, err)
	r.ID = id

	var files []*record.Record
	for i, src := range sources {
		file, err := f.files.Ingest(ctx, src)
		require.NoError(t, err)
		file.ItemID, file.Order = r.ID, i+1
		file.ID, err = f.records.Insert(ctx, file)
		require.NoError(t, err)
		files = append(files, file)
	}
	f.files.seen = nil
	return r, files
}

func (f *mutatorFixture) sources(t *testing.T, itemID int64) []string {
	t.Helper()
	files, err := f.records.ItemFiles(context.Background(), itemID)
	require.NoError(t, err)
	var out []string
	for _, file := range files {
		out = append(out, file.Source)
	}
	return out
}

func TestMutator_UpdateReconcilesFiles(t *testing.T) {
	f := newMutatorFixture(t, columnmap.Defaults{})
	item, existing := f.item(t, &record.Record{}, "http://x/a.jpg", "http://x/b.jpg", "http://x/c.jpg")

	_, err := f.m.Update(context.Background(), item, row(t, map[string]string{
		"files": "http://x/c.jpg,http://x/d.jpg",
	}), columnmap.ActionUpdate)
	require.NoError(t, err)

	assert.Equal(t, []string{"http://x/c.jpg", "http://x/d.jpg"}, f.sources(t, item.ID))
	_, err = f.records.Get(context.Background(), record.TypeFile, existing[0].ID)
	assert.ErrorIs(t, err, record.ErrNotFound)

	require.Len(t, f.journals, 1)
	assert.Equal(t, record.TypeFile, f.journals[0].RecordType)
	assert.Empty(t, f.journals[0].Identifier)
	assert.Equal(t, []string{"http://x/d.jpg"}, f.files.seen)
}

func TestMutator_AddAttachesOnlyNewFiles(t *testing.T) {
	f := newMutatorFixture(t, columnmap.Defaults{})
	item, _ := f.item(t, &record.Record{}, "http://x/a.jpg", "http://x/b.jpg")

	// An original filename identifies an attached file as well as its source.
	_, err := f.m.Update(context.Background(), item, row(t, map[string]string{
		"files": "a.jpg,http://x/d.jpg",
	}), columnmap.ActionAdd)
	require.NoError(t, err)

	assert.Equal(t, []string{"http://x/a.jpg", "http://x/b.jpg", "http://x/d.jpg"}, f.sources(t, item.ID))
	assert.Equal(t, []string{"http://x/d.jpg"}, f.files.seen)
	assert.Len(t, f.journals, 1)
}

func TestMutator_EmptyFileCell(t *testing.T) {
	ctx := context.Background()
	empty := map[string]string{"files": ""}

	f := newMutatorFixture(t, columnmap.Defaults{})
	item, _ := f.item(t, &record.Record{}, "http://x/a.jpg")
	_, err := f.m.Update(ctx, item, row(t, empty), columnmap.ActionUpdate)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://x/a.jpg"}, f.sources(t, item.ID), "update keeps files")

	_, err = f.m.Update(ctx, item, row(t, empty), columnmap.ActionReplace)
	require.NoError(t, err)
	assert.Empty(t, f.sources(t, item.ID), "replace removes files")
}

func TestMutator_ElementPolicy(t *testing.T) {
	existing := []record.ElementText{
		{ElementID: titleID, Text: "Old"},
		{ElementID: identifierID, Text: "ID-1"},
	}

	tests := []struct {
		name   string
		cell   string
		action columnmap.Action
		want   []string
	}{
		{"update with value", "New", columnmap.ActionUpdate, []string{"New"}},
		{"update with empty cell", "", columnmap.ActionUpdate, []string{"Old"}},
		{"add with value", "New", columnmap.ActionAdd, []string{"Old", "New"}},
		{"add with empty cell", "", columnmap.ActionAdd, []string{"Old"}},
		{"replace with value", "New", columnmap.ActionReplace, []string{"New"}},
		{"replace with empty cell", "", columnmap.ActionReplace, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMutatorFixture(t, columnmap.Defaults{})
			item, _ := f.item(t, &record.Record{Texts: append([]record.ElementText(nil), existing...)})

			got, err := f.m.Update(context.Background(), item, row(t, map[string]string{"title": tt.cell}), tt.action)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.TextsFor(titleID))
			assert.Equal(t, []string{"ID-1"}, got.TextsFor(identifierID), "untouched elements survive")
		})
	}
}

func TestMutator_TagPolicy(t *testing.T) {
	tests := []struct {
		name   string
		cells  map[string]string
		action columnmap.Action
		want   []string
	}{
		{"add unions", map[string]string{"tags": "y,z"}, columnmap.ActionAdd, []string{"x", "y", "z"}},
		{"update with tags replaces", map[string]string{"tags": "z"}, columnmap.ActionUpdate, []string{"z"}},
		{"update with empty cell keeps", map[string]string{"tags": ""}, columnmap.ActionUpdate, []string{"x", "y"}},
		{"replace with empty cell clears", map[string]string{"tags": ""}, columnmap.ActionReplace, nil},
		{"replace without tag column keeps", map[string]string{"title": "T"}, columnmap.ActionReplace, []string{"x", "y"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMutatorFixture(t, columnmap.Defaults{})
			item, _ := f.item(t, &record.Record{Tags: []string{"x", "y"}})

			got, err := f.m.Update(context.Background(), item, row(t, tt.cells), tt.action)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Tags)
		})
	}
}

func TestMutator_ExtraData(t *testing.T) {
	cells := map[string]string{"a": "2", "b": ""}

	tests := []struct {
		name   string
		mode   columnmap.ExtraDataMode
		action columnmap.Action
		want   map[string]string
	}{
		{"ignored", columnmap.ExtraDataIgnore, columnmap.ActionReplace, map[string]string{"a": "1"}},
		{"add keeps existing keys", columnmap.ExtraDataManual, columnmap.ActionAdd, map[string]string{"a": "1"}},
		{"update skips empty values", columnmap.ExtraDataManual, columnmap.ActionUpdate, map[string]string{"a": "2"}},
		{"replace writes every column", columnmap.ExtraDataManual, columnmap.ActionReplace, map[string]string{"a": "2", "b": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMutatorFixture(t, columnmap.Defaults{ExtraData: tt.mode})
			item, _ := f.item(t, &record.Record{Extra: map[string]string{"a": "1"}})

			got, err := f.m.Update(context.Background(), item, row(t, cells), tt.action)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Extra)
		})
	}
}

func TestMutator_UpdateRejectsNonMergeAction(t *testing.T) {
	f := newMutatorFixture(t, columnmap.Defaults{})
	item, _ := f.item(t, &record.Record{})
	_, err := f.m.Update(context.Background(), item, row(t, map[string]string{"title": "T"}), columnmap.ActionCreate)
	require.Error(t, err)
	assert.False(t, IsRowError(err))
}

func TestMutator_AddItemRollsBackOnFileFailure(t *testing.T) {
	f := newMutatorFixture(t, columnmap.Defaults{Public: true})
	f.files.fail["http://x/bad.jpg"] = true

	_, err := f.m.AddItem(context.Background(), row(t, map[string]string{
		"title": "Broken",
		"files": "http://x/ok.jpg,http://x/bad.jpg",
	}), "row-1")
	require.Error(t, err)
	assert.True(t, IsRowError(err))

	assert.Zero(t, f.records.Count(record.TypeItem))
	assert.Zero(t, f.records.Count(record.TypeFile))
	assert.Empty(t, f.journals)

	item, err := f.m.AddItem(context.Background(), row(t, map[string]string{
		"title": "Fine",
		"tags":  "a,a,b",
		"files": "http://x/ok.jpg",
	}), "row-2")
	require.NoError(t, err)
	assert.True(t, item.Public)
	assert.Equal(t, []string{"a", "b"}, item.Tags)
	assert.Equal(t, []model.LogEntry{{RecordType: record.TypeItem, RecordID: item.ID, Identifier: "row-2"}}, f.journals)
}

func TestMutator_UnjournaledFileIsDiscarded(t *testing.T) {
	f := newMutatorFixture(t, columnmap.Defaults{})
	item, _ := f.item(t, &record.Record{})
	f.journalErr = fmt.Errorf("log unavailable")

	_, err := f.m.addFileTo(context.Background(), item.ID, row(t, map[string]string{
		"title": "New",
		"files": "http://x/new.jpg",
	}), "F-1")
	require.ErrorIs(t, err, f.journalErr)

	assert.Zero(t, f.records.Count(record.TypeFile))
	assert.Equal(t, 1, f.records.Count(record.TypeItem))
	assert.Equal(t, []string{"stored-new.jpg"}, f.files.removed)
}

func TestMutator_DeleteRemovesStoredFiles(t *testing.T) {
	f := newMutatorFixture(t, columnmap.Defaults{})
	item, _ := f.item(t, &record.Record{}, "http://x/a.jpg", "http://x/b.jpg")

	require.NoError(t, f.m.Delete(context.Background(), item))
	assert.Zero(t, f.records.Count(record.TypeFile))
	assert.ElementsMatch(t, []string{"stored-a.jpg", "stored-b.jpg"}, f.files.removed)
}

func TestMutator_DeleteMissingRecord(t *testing.T) {
	f := newMutatorFixture(t, columnmap.Defaults{})
	item, _ := f.item(t, &record.Record{})
	require.NoError(t, f.m.Delete(context.Background(), item))

	err := f.m.Delete(context.Background(), item)
	assert.True(t, IsRowError(err))
}
