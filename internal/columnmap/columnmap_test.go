package columnmap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/csvimport/internal/record"
)

type stubEnv struct {
	collections map[string]int64
	created     []string
}

func (e *stubEnv) FindCollection(_ context.Context, identifier string) (int64, error) {
	return e.collections[identifier], nil
}

func (e *stubEnv) CreateCollection(_ context.Context, title string) (int64, error) {
	e.created = append(e.created, title)
	id := int64(100 + len(e.created))
	e.collections[title] = id
	return id, nil
}

func TestMap_Evaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("element splits and trims", func(t *testing.T) {
		m := Map{Column: "Subject", Kind: KindElement, Options: Options{Delimiter: "|", ElementID: 3, HTML: true}}
		v, err := m.Evaluate(ctx, map[string]string{"Subject": " maps | charts"}, nil)
		require.NoError(t, err)
		assert.Equal(t, []record.ElementText{
			{ElementID: 3, Text: "maps", HTML: true},
			{ElementID: 3, Text: "charts", HTML: true},
		}, v.Texts)
	})

	t.Run("empty element cell yields one empty text", func(t *testing.T) {
		m := Map{Column: "Title", Kind: KindElement, Options: Options{ElementID: 1}}
		v, err := m.Evaluate(ctx, map[string]string{}, nil)
		require.NoError(t, err)
		require.Len(t, v.Texts, 1)
		assert.Empty(t, v.Texts[0].Text)
	})

	t.Run("tags drop empty parts", func(t *testing.T) {
		m := Map{Column: "Tags", Kind: KindTag, Options: Options{Delimiter: ","}}
		v, err := m.Evaluate(ctx, map[string]string{"Tags": "a,, b ,"}, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, v.List)
	})

	t.Run("single file keeps delimiters", func(t *testing.T) {
		m := Map{Column: "file", Kind: KindFile, Options: Options{Delimiter: ",", Single: true}}
		v, err := m.Evaluate(ctx, map[string]string{"file": "http://x/a,b.jpg"}, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"http://x/a,b.jpg"}, v.List)
	})

	t.Run("identifier field default", func(t *testing.T) {
		m := Map{Column: "IdentifierField", Kind: KindIdentifierField, Options: Options{Default: "md5"}}
		v, err := m.Evaluate(ctx, map[string]string{"IdentifierField": ""}, nil)
		require.NoError(t, err)
		assert.Equal(t, "md5", v.Scalar)

		m.Options.Default = ""
		v, err = m.Evaluate(ctx, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultIdentifierField, v.Scalar)
	})

	t.Run("booleans", func(t *testing.T) {
		m := Map{Column: "Public", Kind: KindPublic}
		v, err := m.Evaluate(ctx, map[string]string{"Public": "No"}, nil)
		require.NoError(t, err)
		require.NotNil(t, v.Bool)
		assert.False(t, *v.Bool)

		v, err = m.Evaluate(ctx, map[string]string{"Public": ""}, nil)
		require.NoError(t, err)
		assert.Nil(t, v.Bool)

		_, err = m.Evaluate(ctx, map[string]string{"Public": "maybe"}, nil)
		assert.ErrorIs(t, err, ErrInvalidValue)
	})

	t.Run("action and record type", func(t *testing.T) {
		v, err := Map{Column: "a", Kind: KindAction}.Evaluate(ctx, map[string]string{"a": "update_else_create"}, nil)
		require.NoError(t, err)
		assert.Equal(t, string(ActionUpdateElseCreate), v.Scalar)

		_, err = Map{Column: "a", Kind: KindAction}.Evaluate(ctx, map[string]string{"a": "destroy"}, nil)
		assert.ErrorIs(t, err, ErrInvalidValue)

		_, err = Map{Column: "t", Kind: KindRecordType}.Evaluate(ctx, map[string]string{"t": "Exhibit"}, nil)
		assert.ErrorIs(t, err, ErrInvalidValue)
	})

	t.Run("extra data is verbatim", func(t *testing.T) {
		v, err := Map{Column: "note", Kind: KindExtraData}.Evaluate(ctx, map[string]string{"note": "  spaced "}, nil)
		require.NoError(t, err)
		assert.Equal(t, "  spaced ", v.Scalar)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := Map{Column: "x", Kind: "Nope"}.Evaluate(ctx, nil, nil)
		assert.ErrorIs(t, err, ErrUnknownKind)
	})
}

func TestMap_EvaluateCollection(t *testing.T) {
	ctx := context.Background()
	env := &stubEnv{collections: map[string]int64{"Maps": 7}}
	row := map[string]string{"c": "Maps"}

	v, err := Map{Column: "c", Kind: KindCollection}.Evaluate(ctx, row, env)
	require.NoError(t, err)
	assert.Equal(t, "Maps", v.Scalar)
	assert.Zero(t, v.ID, "indirect maps do not resolve")

	direct := Map{Column: "c", Kind: KindCollection, Options: Options{Direct: true}}
	v, err = direct.Evaluate(ctx, row, env)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.ID)

	v, err = direct.Evaluate(ctx, map[string]string{"c": "Atlases"}, env)
	require.NoError(t, err)
	assert.Zero(t, v.ID)
	assert.Empty(t, env.created)

	direct.Options.CreateCollections = true
	v, err = direct.Evaluate(ctx, map[string]string{"c": "Atlases"}, env)
	require.NoError(t, err)
	assert.Equal(t, int64(101), v.ID)
	assert.Equal(t, []string{"Atlases"}, env.created)

	_, err = direct.Evaluate(ctx, row, nil)
	assert.Error(t, err)
}

func TestSet_Map(t *testing.T) {
	s := Set{
		{Column: "Title", Kind: KindElement, Options: Options{ElementID: 1}},
		{Column: "Alt Title", Kind: KindElement, Options: Options{ElementID: 1}},
		{Column: "Tags", Kind: KindTag, Options: Options{Delimiter: ";"}},
		{Column: "More Tags", Kind: KindTag, Options: Options{Delimiter: ";"}},
		{Column: "Type", Kind: KindItemType},
		{Column: "Type 2", Kind: KindItemType},
		{Column: "note", Kind: KindExtraData},
	}
	row, err := s.Map(context.Background(), map[string]string{
		"Title":     "First",
		"Alt Title": "",
		"Tags":      "a;b",
		"More Tags": "c",
		"Type":      "Text",
		"Type 2":    "Sound",
		"note":      "n",
	}, nil)
	require.NoError(t, err)

	assert.Len(t, row.Elements, 2)
	assert.Equal(t, []int64{1}, row.ElementIDs())
	assert.Len(t, row.NonEmptyElements(), 1)
	assert.Equal(t, []string{"a", "b", "c"}, row.Tags)
	assert.Equal(t, "Sound", row.ItemType, "scalar kinds keep the last column")
	assert.Equal(t, map[string]string{"note": "n"}, row.Extra)
	assert.True(t, row.Has(KindTag))
	assert.False(t, row.Has(KindFile))
}

func TestSet_MapWrapsColumnErrors(t *testing.T) {
	s := Set{{Column: "Featured", Kind: KindFeatured}}
	_, err := s.Map(context.Background(), map[string]string{"Featured": "sometimes"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
	assert.Contains(t, err.Error(), `"Featured"`)
}

type elementTable map[string]record.Element

func (e elementTable) Element(_ context.Context, set, name string) (*record.Element, error) {
	el, ok := e[set+":"+name]
	if !ok {
		return nil, record.ErrNotFound
	}
	return &el, nil
}

func TestSet_ResolveElements(t *testing.T) {
	lookup := elementTable{"Dublin Core:Title": {ID: 1, Set: "Dublin Core", Name: "Title"}}
	s := Set{
		{Column: "t", Kind: KindElement, Options: Options{ElementName: "Dublin Core:Title"}},
		{Column: "tags", Kind: KindTag},
	}

	out, err := s.ResolveElements(context.Background(), lookup)
	require.NoError(t, err)
	assert.Equal(t, int64(1), out[0].Options.ElementID)
	assert.Equal(t, "Title", out[0].Options.ElementName)
	assert.Zero(t, s[0].Options.ElementID, "the input set is not modified")

	_, err = Set{{Column: "x", Kind: KindElement, Options: Options{ElementName: "Custom:Missing"}}}.
		ResolveElements(context.Background(), lookup)
	assert.ErrorIs(t, err, ErrUnknownElement)

	_, err = Set{{Column: "x", Kind: KindElement, Options: Options{ElementName: "NoSet"}}}.
		ResolveElements(context.Background(), lookup)
	assert.ErrorIs(t, err, ErrUnknownElement)
}

func TestMap_Validate(t *testing.T) {
	assert.NoError(t, Map{Column: "a", Kind: KindTag}.Validate())
	assert.ErrorIs(t, Map{Column: "a", Kind: "Bogus"}.Validate(), ErrUnknownKind)
	assert.ErrorIs(t, Map{Column: "a", Kind: KindElement}.Validate(), ErrUnknownElement)
	assert.Error(t, Map{Kind: KindTag}.Validate())
}

func TestParseUpdateMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Action
		wantErr bool
	}{
		{"", ActionUpdate, false},
		{"add", ActionAdd, false},
		{" REPLACE ", ActionReplace, false},
		{"create", "", true},
		{"delete", "", true},
	}
	for _, tt := range tests {
		got, err := ParseUpdateMode(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidValue, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseID(t *testing.T) {
	id, ok := ParseID(" 42 ")
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)

	for _, in := range []string{"", "0", "-3", "4a"} {
		_, ok := ParseID(in)
		assert.False(t, ok, in)
	}
}
