package importer

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/csvimport/internal/columnmap"
	"github.com/JonMunkholm/csvimport/internal/model"
	"github.com/JonMunkholm/csvimport/internal/record"
)

func TestReport_CreatesItemsWithFixedDelimiters(t *testing.T) {
	h := newHarness(t)
	typeID := h.records.AddItemType("Still Image")

	maps := columnmap.Set{
		elementMap("Dublin Core:Title"),
		{Column: "Tags", Kind: columnmap.KindTag, Options: columnmap.Options{Delimiter: ";"}},
		{Column: "Files", Kind: columnmap.KindFile, Options: columnmap.Options{Delimiter: ";"}},
		kindMap("Item Type", columnmap.KindItemType),
		kindMap("Public", columnmap.KindPublic),
	}
	d := columnmap.Defaults{HTML: true, CreateCollections: true}
	csv := "Dublin Core:Title,Tags,Files,Item Type,Public\n" +
		"\"Photo\",\"a, b,a\",\"http://x/1.jpg,http://x/2.jpg\",Still Image,yes\n"
	imp := h.create(t, model.FormatReport, csv, d, maps, 0)

	assert.False(t, imp.Defaults.CreateCollections)
	assert.Equal(t, columnmap.ReportTagDelimiter, imp.ColumnMaps[1].Options.Delimiter)
	assert.True(t, imp.ColumnMaps[0].Options.HTML)

	h.drain(t)

	items := h.records.All(record.TypeItem)
	require.Len(t, items, 1)
	item := items[0]
	assert.Equal(t, []string{"a", "b"}, item.Tags)
	assert.Equal(t, typeID, item.ItemTypeID)
	assert.True(t, item.Public)
	require.Len(t, item.Texts, 1)
	assert.True(t, item.Texts[0].HTML)

	files, err := h.records.ItemFiles(context.Background(), item.ID)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "1.jpg", files[0].OriginalFilename)
	assert.Equal(t, 2, files[1].Order)
}

func TestReport_UnknownItemTypeSkipsRow(t *testing.T) {
	h := newHarness(t)
	maps := columnmap.Set{elementMap("Dublin Core:Title"), kindMap("Item Type", columnmap.KindItemType)}
	imp := h.create(t, model.FormatReport, "Dublin Core:Title,Item Type\nA,Nope\nB,\n", columnmap.Defaults{}, maps, 0)
	h.drain(t)

	assert.Equal(t, 1, h.get(t, imp.ID).SkippedRecordCount)
	assert.Equal(t, []string{"B"}, titles(h.records.All(record.TypeItem)))
}

func TestLegacyMix_FilesFollowTheirItem(t *testing.T) {
	h := newHarness(t)
	maps := columnmap.Set{
		kindMap("sourceItemId", columnmap.KindSourceItemID),
		kindMap("file", columnmap.KindFile),
		elementMap("Dublin Core:Title"),
	}
	csv := "sourceItemId,file,Dublin Core:Title\n" +
		"1,,Item one\n" +
		"1,http://x/a.jpg,File of one\n" +
		"2,http://x/b.jpg,Orphan file\n"
	imp := h.create(t, model.FormatLegacyMix, csv, columnmap.Defaults{}, maps, 0)
	require.True(t, imp.ColumnMaps[1].Options.Single)

	h.drain(t)

	got := h.get(t, imp.ID)
	assert.Equal(t, 1, got.SkippedRecordCount)

	items := h.records.All(record.TypeItem)
	require.Len(t, items, 1)
	assert.Equal(t, []string{"Item one"}, items[0].TextsFor(titleID))

	files, err := h.records.ItemFiles(context.Background(), items[0].ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, []string{"File of one"}, files[0].TextsFor(titleID))

	byType, err := h.imports.CountLogByType(context.Background(), imp.ID)
	require.NoError(t, err)
	assert.Equal(t, map[record.Type]int{record.TypeItem: 1, record.TypeFile: 1}, byType)
}

func TestLegacyUpdate_UsesUpdateIdentifier(t *testing.T) {
	h := newHarness(t)
	item := h.insert(t, &record.Record{
		Type: record.TypeItem,
		Tags: []string{"old"},
		Texts: []record.ElementText{
			{ElementID: identifierID, Text: "REF-9"},
			{ElementID: titleID, Text: "Before"},
		},
	})

	maps := columnmap.Set{
		{Column: "updateIdentifier", Kind: columnmap.KindUpdateIdentifier},
		kindMap("recordIdentifier", columnmap.KindRecordIdentifier),
		kindMap("updateMode", columnmap.KindUpdateMode),
		elementMap("Dublin Core:Title"),
		{Column: "tags", Kind: columnmap.KindTag, Options: columnmap.Options{Delimiter: ","}},
	}
	csv := "updateIdentifier,recordIdentifier,updateMode,Dublin Core:Title,tags\n" +
		"Dublin Core:Identifier,REF-9,add,After,new\n" +
		fmt.Sprintf(",%d,replace,Final,\n", item.ID) +
		",12345,,Nothing,\n"
	imp := h.create(t, model.FormatLegacyUpdate, csv, columnmap.Defaults{}, maps, 0)
	assert.False(t, imp.Format.Undoable())

	h.drain(t)

	got, err := h.records.Get(context.Background(), record.TypeItem, item.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Final"}, got.TextsFor(titleID))
	assert.Empty(t, got.Tags, "replace with a present tag column clears tags")

	final := h.get(t, imp.ID)
	assert.Equal(t, 2, final.UpdatedRecordCount)
	assert.Equal(t, 1, final.SkippedRecordCount)
	assert.False(t, final.CanUndo(h.logged(t, imp.ID)))
}

func TestLegacyFile_UpdatesFileMetadata(t *testing.T) {
	h := newHarness(t)
	item := h.insert(t, &record.Record{Type: record.TypeItem})
	byName := h.insert(t, &record.Record{Type: record.TypeFile, ItemID: item.ID, OriginalFilename: "scan.tif"})
	byID := h.insert(t, &record.Record{Type: record.TypeFile, ItemID: item.ID, OriginalFilename: "other.tif"})

	maps := columnmap.Set{kindMap("file", columnmap.KindFile), elementMap("Dublin Core:Title")}
	csv := fmt.Sprintf("file,Dublin Core:Title\nscan.tif,Scan\n%d,Other\nmissing.tif,None\n", byID.ID)
	imp := h.create(t, model.FormatLegacyFile, csv, columnmap.Defaults{}, maps, 0)
	h.drain(t)

	for id, want := range map[int64]string{byName.ID: "Scan", byID.ID: "Other"} {
		f, err := h.records.Get(context.Background(), record.TypeFile, id)
		require.NoError(t, err)
		assert.Equal(t, []string{want}, f.TextsFor(titleID))
	}

	final := h.get(t, imp.ID)
	assert.Equal(t, 2, final.UpdatedRecordCount)
	assert.Equal(t, 1, final.SkippedRecordCount)
	assert.Empty(t, h.files.seen)
}

func TestManage_CollectionRows(t *testing.T) {
	h := newHarness(t)
	maps := columnmap.Set{
		kindMap("Identifier", columnmap.KindIdentifier),
		kindMap("RecordType", columnmap.KindRecordType),
		elementMap("Dublin Core:Title"),
		kindMap("Collection", columnmap.KindCollection),
	}
	d := columnmap.Defaults{IdentifierField: "Dublin Core:Title"}
	csv := "Identifier,RecordType,Dublin Core:Title,Collection\n" +
		"Maps,collection,Maps,\n" +
		",item,Old map,Maps\n" +
		",item,Lost,Nowhere\n"
	imp := h.create(t, model.FormatManage, csv, d, maps, 0)
	h.drain(t)

	collections := h.records.All(record.TypeCollection)
	require.Len(t, collections, 1)

	items := h.records.All(record.TypeItem)
	require.Len(t, items, 1)
	assert.Equal(t, collections[0].ID, items[0].CollectionID)
	assert.Equal(t, 1, h.get(t, imp.ID).SkippedRecordCount)
}

func TestInferType(t *testing.T) {
	rc := &rowContext{defaults: columnmap.Defaults{}.WithFallbacks()}
	tests := []struct {
		name  string
		row   columnmap.MappedRow
		field string
		want  record.Type
	}{
		{"no hints", columnmap.MappedRow{}, FieldInternalID, record.TypeItem},
		{"collection", columnmap.MappedRow{Collection: "c", Item: "i"}, FieldInternalID, record.TypeItem},
		{"item type", columnmap.MappedRow{ItemType: "Text"}, FieldFilename, record.TypeItem},
		{"several files", columnmap.MappedRow{Files: []string{"a", "b"}}, FieldFilename, record.TypeItem},
		{"item reference", columnmap.MappedRow{Item: "i"}, FieldInternalID, record.TypeFile},
		{"file identity field", columnmap.MappedRow{Files: []string{"a"}}, FieldMD5, record.TypeFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rc.inferType(tt.row, tt.field))
		})
	}
}
