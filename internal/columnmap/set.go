package columnmap

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/JonMunkholm/csvimport/internal/record"
)

// Set is the ordered list of maps configured for one import.
type Set []Map

// MappedRow is the per-row aggregation of all map contributions.
//
// It is built once per row by Set.Map and must be treated as read-only afterwards.
type MappedRow struct {
	Elements   []record.ElementText
	Tags       []string
	Files      []string
	SingleFile bool
	Extra      map[string]string

	Collection   string
	CollectionID int64
	ItemType     string
	Item         string
	Public       *bool
	Featured     *bool

	Identifier      string
	IdentifierField string
	Action          Action
	RecordType      record.Type

	SourceItemID     string
	UpdateMode       Action
	UpdateIdentifier string
	RecordIdentifier string

	present map[Kind]bool
}

// Has reports whether at least one column of the set contributed kind k.
func (r MappedRow) Has(k Kind) bool {
	return r.present[k]
}

// ElementIDs returns the distinct elements the row touches, in first-seen order.
func (r MappedRow) ElementIDs() []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, t := range r.Elements {
		if !seen[t.ElementID] {
			seen[t.ElementID] = true
			ids = append(ids, t.ElementID)
		}
	}
	return ids
}

// NonEmptyElements returns the element texts with non-empty text.
func (r MappedRow) NonEmptyElements() []record.ElementText {
	out := make([]record.ElementText, 0, len(r.Elements))
	for _, t := range r.Elements {
		if t.Text != "" {
			out = append(out, t)
		}
	}
	return out
}

// Map applies every map of s to row in configuration order.
// List kinds accumulate; scalar kinds keep the value of the last column.
func (s Set) Map(ctx context.Context, row map[string]string, env Env) (MappedRow, error) {
	out := MappedRow{present: make(map[Kind]bool, len(s))}

	for _, m := range s {
		v, err := m.Evaluate(ctx, row, env)
		if err != nil {
			return MappedRow{}, errors.Wrapf(err, "column %q", m.Column)
		}
		out.present[m.Kind] = true

		switch m.Kind {
		case KindElement:
			out.Elements = append(out.Elements, v.Texts...)
		case KindTag:
			out.Tags = append(out.Tags, v.List...)
		case KindFile:
			out.Files = append(out.Files, v.List...)
			out.SingleFile = m.Options.Single
		case KindExtraData:
			if out.Extra == nil {
				out.Extra = make(map[string]string)
			}
			out.Extra[m.Column] = v.Scalar
		case KindCollection:
			out.Collection, out.CollectionID = v.Scalar, v.ID
		case KindItemType:
			out.ItemType = v.Scalar
		case KindItem:
			out.Item = v.Scalar
		case KindPublic:
			out.Public = v.Bool
		case KindFeatured:
			out.Featured = v.Bool
		case KindIdentifier:
			out.Identifier = v.Scalar
		case KindIdentifierField:
			out.IdentifierField = v.Scalar
		case KindAction:
			out.Action = Action(v.Scalar)
		case KindRecordType:
			out.RecordType = record.Type(v.Scalar)
		case KindSourceItemID:
			out.SourceItemID = v.Scalar
		case KindUpdateMode:
			out.UpdateMode = Action(v.Scalar)
		case KindUpdateIdentifier:
			out.UpdateIdentifier = v.Scalar
		case KindRecordIdentifier:
			out.RecordIdentifier = v.Scalar
		}
	}

	return out, nil
}

// Has reports whether any map of s produces kind k.
func (s Set) Has(k Kind) bool {
	for _, m := range s {
		if m.Kind == k {
			return true
		}
	}
	return false
}

// Validate checks every map of s.
func (s Set) Validate() error {
	for _, m := range s {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ElementLookup finds elements by set and name.
type ElementLookup interface {
	Element(ctx context.Context, set, name string) (*record.Element, error)
}

// ResolveElements returns a copy of s where every Element map carries the id of its
// element. Maps that only name "Set:Name" are looked up; unknown names fail with
// ErrUnknownElement.
func (s Set) ResolveElements(ctx context.Context, lookup ElementLookup) (Set, error) {
	out := make(Set, len(s))
	copy(out, s)

	for i, m := range out {
		if m.Kind != KindElement || m.Options.ElementID != 0 {
			continue
		}
		set, name := m.Options.ElementSet, m.Options.ElementName
		if set == "" {
			var ok bool
			if set, name, ok = record.SplitElementName(name); !ok {
				return nil, errors.Wrapf(ErrUnknownElement, "column %q: %q", m.Column, m.Options.ElementName)
			}
		}
		el, err := lookup.Element(ctx, set, name)
		if errors.Is(err, record.ErrNotFound) {
			return nil, errors.Wrapf(ErrUnknownElement, "column %q: %s:%s", m.Column, set, name)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "lookup element %s:%s", set, name)
		}
		out[i].Options.ElementID = el.ID
		out[i].Options.ElementSet, out[i].Options.ElementName = el.Set, el.Name
	}

	return out, nil
}
