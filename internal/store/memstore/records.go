// Package memstore provides in-memory implementations of record.Store and
// model.Repository. It backs the engine tests and the command line dry-run mode.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/go-faster/errors"

	"github.com/JonMunkholm/csvimport/internal/record"
)

// DublinCore lists the element set seeded by NewRecords.
var DublinCore = []string{
	"Title", "Subject", "Description", "Creator", "Source", "Publisher", "Date", "Contributor",
	"Rights", "Relation", "Format", "Language", "Type", "Identifier", "Coverage",
}

// Records is an in-memory record store.
type Records struct {
	mu        sync.Mutex
	nextID    int64
	records   map[record.Type]map[int64]*record.Record
	elements  []record.Element
	itemTypes map[string]int64
}

// NewRecords returns a store seeded with the Dublin Core element set.
func NewRecords() *Records {
	s := &Records{
		records: map[record.Type]map[int64]*record.Record{
			record.TypeItem:       {},
			record.TypeFile:       {},
			record.TypeCollection: {},
		},
		itemTypes: make(map[string]int64),
	}
	for _, name := range DublinCore {
		s.AddElement("Dublin Core", name)
	}
	return s
}

// AddElement registers an element and returns it.
func (s *Records) AddElement(set, name string) record.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	el := record.Element{ID: int64(len(s.elements) + 1), Set: set, Name: name}
	s.elements = append(s.elements, el)
	return el
}

// AddItemType registers an item type and returns its id.
func (s *Records) AddItemType(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := int64(len(s.itemTypes) + 1)
	s.itemTypes[strings.ToLower(name)] = id
	return id
}

// Count returns the number of records of type t.
func (s *Records) Count(t record.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[t])
}

// All returns copies of every record of type t ordered by id.
func (s *Records) All(t record.Type) []*record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*record.Record
	for _, id := range s.sortedIDs(t) {
		out = append(out, clone(s.records[t][id]))
	}
	return out
}

func (s *Records) Get(_ context.Context, t record.Type, id int64) (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t == "" || t == record.TypeAny {
		for _, typ := range []record.Type{record.TypeItem, record.TypeFile, record.TypeCollection} {
			if r, ok := s.records[typ][id]; ok {
				return clone(r), nil
			}
		}
		return nil, record.ErrNotFound
	}
	r, ok := s.records[t][id]
	if !ok {
		return nil, record.ErrNotFound
	}
	return clone(r), nil
}

func (s *Records) Insert(_ context.Context, r *record.Record) (int64, error) {
	if !r.Type.Concrete() {
		return 0, errors.Errorf("cannot insert record of type %q", r.Type)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Type == record.TypeFile {
		if _, ok := s.records[record.TypeItem][r.ItemID]; !ok {
			return 0, errors.Wrapf(record.ErrNotFound, "item %d", r.ItemID)
		}
	}
	s.nextID++
	c := clone(r)
	c.ID = s.nextID
	s.records[r.Type][c.ID] = c
	return c.ID, nil
}

func (s *Records) Update(_ context.Context, r *record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.Type][r.ID]; !ok {
		return record.ErrNotFound
	}
	s.records[r.Type][r.ID] = clone(r)
	return nil
}

func (s *Records) Delete(_ context.Context, t record.Type, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[t][id]; !ok {
		return record.ErrNotFound
	}
	delete(s.records[t], id)
	switch t {
	case record.TypeItem:
		for fid, f := range s.records[record.TypeFile] {
			if f.ItemID == id {
				delete(s.records[record.TypeFile], fid)
			}
		}
	case record.TypeCollection:
		for _, item := range s.records[record.TypeItem] {
			if item.CollectionID == id {
				item.CollectionID = 0
			}
		}
	}
	return nil
}

func (s *Records) FindByElementText(_ context.Context, elementID int64, text string, t record.Type) (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := []record.Type{record.TypeItem, record.TypeFile, record.TypeCollection}
	if t != "" && t != record.TypeAny {
		types = []record.Type{t}
	}
	var best *record.Record
	for _, typ := range types {
		for _, id := range s.sortedIDs(typ) {
			r := s.records[typ][id]
			for _, et := range r.Texts {
				if et.ElementID == elementID && et.Text == text {
					if best == nil || r.ID < best.ID {
						best = r
					}
					break
				}
			}
		}
	}
	if best == nil {
		return nil, record.ErrNotFound
	}
	return clone(best), nil
}

func (s *Records) FindFile(_ context.Context, field record.FileField, value string) (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.sortedIDs(record.TypeFile) {
		f := s.records[record.TypeFile][id]
		var v string
		switch field {
		case record.FileFieldOriginalFilename:
			v = f.OriginalFilename
		case record.FileFieldFilename:
			v = f.Filename
		case record.FileFieldAuthentication:
			v = f.Authentication
		default:
			return nil, errors.Errorf("unknown file field %q", field)
		}
		if v == value {
			return clone(f), nil
		}
	}
	return nil, record.ErrNotFound
}

func (s *Records) ItemFiles(_ context.Context, itemID int64) ([]*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*record.Record
	for _, id := range s.sortedIDs(record.TypeFile) {
		if f := s.records[record.TypeFile][id]; f.ItemID == itemID {
			out = append(out, clone(f))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (s *Records) SetFileOrder(_ context.Context, itemID int64, fileIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range fileIDs {
		f, ok := s.records[record.TypeFile][id]
		if !ok || f.ItemID != itemID {
			return errors.Wrapf(record.ErrNotFound, "file %d of item %d", id, itemID)
		}
		f.Order = i + 1
	}
	return nil
}

func (s *Records) Element(_ context.Context, set, name string) (*record.Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, el := range s.elements {
		if strings.EqualFold(el.Set, set) && strings.EqualFold(el.Name, name) {
			e := el
			return &e, nil
		}
	}
	return nil, record.ErrNotFound
}

func (s *Records) ElementByID(_ context.Context, id int64) (*record.Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, el := range s.elements {
		if el.ID == id {
			e := el
			return &e, nil
		}
	}
	return nil, record.ErrNotFound
}

func (s *Records) Elements(context.Context) ([]record.Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]record.Element, len(s.elements))
	copy(out, s.elements)
	return out, nil
}

func (s *Records) ItemTypeByName(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.itemTypes[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, record.ErrNotFound
	}
	return id, nil
}

func (s *Records) sortedIDs(t record.Type) []int64 {
	ids := make([]int64, 0, len(s.records[t]))
	for id := range s.records[t] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func clone(r *record.Record) *record.Record {
	c := *r
	c.Tags = append([]string(nil), r.Tags...)
	c.Texts = append([]record.ElementText(nil), r.Texts...)
	if r.Extra != nil {
		c.Extra = make(map[string]string, len(r.Extra))
		for k, v := range r.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

var _ record.Store = (*Records)(nil)
