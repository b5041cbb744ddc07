// Package columnmap turns raw CSV rows into semantically typed values.
//
// A Map binds one source column to a Kind and its Options. Maps are a closed
// tagged union: Evaluate switches over the Kind and every variant reads only the
// options that apply to it. A Set applies its maps in order and folds the results
// into a MappedRow, an immutable value handed down the row-processing chain.
//
// Evaluation is a pure function of the row with one exception: a Collection map
// in direct mode with CreateCollections set may create the referenced collection
// through Env.
package columnmap

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-faster/errors"

	"github.com/JonMunkholm/csvimport/internal/record"
)

// DefaultIdentifierField is the identifier field used when none is configured.
const DefaultIdentifierField = "internal id"

var (
	// ErrInvalidValue is returned when a cell cannot be parsed for its kind.
	ErrInvalidValue = errors.New("invalid value")
	// ErrUnknownElement is returned when an Element map names an element missing from the dictionary.
	ErrUnknownElement = errors.New("unknown element")
	// ErrUnknownKind is returned when a map carries a kind this package does not know.
	ErrUnknownKind = errors.New("unknown column kind")
)

// Options is the per-kind configuration payload of a Map.
type Options struct {
	// Delimiter splits multi-valued cells (Element, Tag, File). Empty keeps the cell whole.
	Delimiter string `json:"delimiter,omitempty" yaml:"delimiter,omitempty"`
	// HTML marks element text as HTML.
	HTML bool `json:"html,omitempty" yaml:"html,omitempty"`
	// Default is the fallback for IdentifierField and UpdateIdentifier.
	Default string `json:"default,omitempty" yaml:"default,omitempty"`

	ElementID   int64  `json:"element_id,omitempty" yaml:"element_id,omitempty"`
	ElementSet  string `json:"element_set,omitempty" yaml:"element_set,omitempty"`
	ElementName string `json:"element_name,omitempty" yaml:"element_name,omitempty"`

	// Direct resolves a Collection cell to a record id while mapping.
	Direct bool `json:"direct,omitempty" yaml:"direct,omitempty"`
	// CreateCollections lets a direct Collection map create missing collections.
	CreateCollections bool `json:"create_collections,omitempty" yaml:"create_collections,omitempty"`
	// Single makes a File map produce exactly one value (legacy file url column).
	Single bool `json:"single,omitempty" yaml:"single,omitempty"`
}

// Map binds a source column to a semantic kind.
type Map struct {
	Column  string  `json:"column" yaml:"column"`
	Kind    Kind    `json:"kind" yaml:"kind"`
	Options Options `json:"options,omitempty" yaml:"options,omitempty"`
}

// Env gives maps access to the record store for the Collection kind.
type Env interface {
	// FindCollection resolves a numeric id or an exact title to a collection id.
	// It returns 0 and no error when nothing matches.
	FindCollection(ctx context.Context, identifier string) (int64, error)
	// CreateCollection creates a collection titled title and returns its id.
	CreateCollection(ctx context.Context, title string) (int64, error)
}

// Value is the contribution of one map to a row.
type Value struct {
	Kind   Kind
	Column string

	Scalar string
	List   []string
	Texts  []record.ElementText
	Bool   *bool
	ID     int64
}

// Evaluate computes the contribution of m for row. A missing column reads as an empty cell.
func (m Map) Evaluate(ctx context.Context, row map[string]string, env Env) (Value, error) {
	cell := row[m.Column]
	v := Value{Kind: m.Kind, Column: m.Column}

	switch m.Kind {
	case KindElement:
		for _, part := range split(cell, m.Options.Delimiter) {
			v.Texts = append(v.Texts, record.ElementText{
				ElementID: m.Options.ElementID,
				Text:      strings.TrimSpace(part),
				HTML:      m.Options.HTML,
			})
		}

	case KindTag, KindFile:
		if m.Kind == KindFile && m.Options.Single {
			if c := strings.TrimSpace(cell); c != "" {
				v.List = []string{c}
			}
			break
		}
		for _, part := range split(cell, m.Options.Delimiter) {
			if part = strings.TrimSpace(part); part != "" {
				v.List = append(v.List, part)
			}
		}

	case KindCollection:
		v.Scalar = strings.TrimSpace(cell)
		if !m.Options.Direct || v.Scalar == "" {
			break
		}
		if env == nil {
			return v, errors.New("collection lookup unavailable")
		}
		id, err := env.FindCollection(ctx, v.Scalar)
		if err != nil {
			return v, errors.Wrapf(err, "find collection %q", v.Scalar)
		}
		if id == 0 && m.Options.CreateCollections {
			if id, err = env.CreateCollection(ctx, v.Scalar); err != nil {
				return v, errors.Wrapf(err, "create collection %q", v.Scalar)
			}
		}
		v.ID = id

	case KindItemType, KindIdentifier, KindItem, KindSourceItemID, KindRecordIdentifier:
		v.Scalar = strings.TrimSpace(cell)

	case KindIdentifierField, KindUpdateIdentifier:
		v.Scalar = strings.TrimSpace(cell)
		if v.Scalar == "" {
			v.Scalar = m.Options.Default
		}
		if v.Scalar == "" {
			v.Scalar = DefaultIdentifierField
		}

	case KindAction:
		a, err := ParseAction(cell)
		if err != nil {
			return v, err
		}
		v.Scalar = string(a)

	case KindUpdateMode:
		a, err := ParseUpdateMode(cell)
		if err != nil {
			return v, err
		}
		v.Scalar = string(a)

	case KindRecordType:
		t, err := record.ParseType(cell)
		if err != nil {
			return v, errors.Wrap(ErrInvalidValue, err.Error())
		}
		v.Scalar = string(t)

	case KindPublic, KindFeatured:
		b, ok, err := parseBool(cell)
		if err != nil {
			return v, err
		}
		if ok {
			v.Bool = &b
		}

	case KindExtraData:
		// Extra data is kept verbatim, surrounding whitespace included.
		v.Scalar = cell

	default:
		return v, errors.Wrapf(ErrUnknownKind, "%q", m.Kind)
	}

	return v, nil
}

// split splits cell on delim. An empty delimiter or empty cell yields the cell as is.
func split(cell, delim string) []string {
	if delim == "" || cell == "" {
		return []string{cell}
	}
	return strings.Split(cell, delim)
}

func parseBool(cell string) (value, ok bool, err error) {
	switch strings.ToLower(strings.TrimSpace(cell)) {
	case "":
		return false, false, nil
	case "1", "true", "yes", "on", "y":
		return true, true, nil
	case "0", "false", "no", "off", "n":
		return false, true, nil
	}
	return false, false, errors.Wrapf(ErrInvalidValue, "boolean %q", cell)
}

// Validate checks the static configuration of m.
func (m Map) Validate() error {
	if !m.Kind.Valid() {
		return errors.Wrapf(ErrUnknownKind, "column %q: %q", m.Column, m.Kind)
	}
	if m.Kind == KindElement && m.Options.ElementID == 0 && m.Options.ElementName == "" {
		return errors.Wrapf(ErrUnknownElement, "column %q has no element", m.Column)
	}
	if m.Column == "" {
		return errors.Errorf("%s map without a column", m.Kind)
	}
	return nil
}

// ParseID parses identifier as a positive record id.
func ParseID(identifier string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(identifier), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
