package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JonMunkholm/csvimport/internal/columnmap"
	"github.com/JonMunkholm/csvimport/internal/model"
	"github.com/JonMunkholm/csvimport/internal/record"
)

// Imports is an in-memory model.Repository.
type Imports struct {
	mu      sync.Mutex
	nextID  int64
	nextLog int64
	imports map[int64]*model.Import
	log     []model.LogEntry
}

// NewImports returns an empty repository.
func NewImports() *Imports {
	return &Imports{imports: make(map[int64]*model.Import)}
}

func (r *Imports) CreateImport(_ context.Context, imp *model.Import) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	imp.ID = r.nextID
	if imp.Status == "" {
		imp.Status = model.StatusQueued
	}
	if imp.Added.IsZero() {
		imp.Added = time.Now().UTC()
	}
	c := *imp
	r.imports[imp.ID] = &c
	return nil
}

func (r *Imports) GetImport(_ context.Context, id int64) (*model.Import, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	imp, ok := r.imports[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	c := *imp
	return &c, nil
}

func (r *Imports) SaveImport(_ context.Context, imp *model.Import) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.imports[imp.ID]
	if !ok {
		return model.ErrNotFound
	}
	c := *imp
	// The mapping is frozen once the stored import has started.
	if stored.Started() {
		c.Defaults, c.ColumnMaps = stored.Defaults, append(columnmap.Set(nil), stored.ColumnMaps...)
	}
	r.imports[imp.ID] = &c
	return nil
}

func (r *Imports) DeleteImport(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.imports[id]; !ok {
		return model.ErrNotFound
	}
	delete(r.imports, id)
	kept := r.log[:0]
	for _, e := range r.log {
		if e.ImportID != id {
			kept = append(kept, e)
		}
	}
	r.log = kept
	return nil
}

func (r *Imports) ListImports(_ context.Context, limit, offset int) ([]*model.Import, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.sorted(nil)
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (r *Imports) ListByStatus(_ context.Context, statuses ...model.Status) ([]*model.Import, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := make(map[model.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	return r.sorted(want), nil
}

// sorted returns copies of the imports, newest first, optionally filtered by status.
func (r *Imports) sorted(filter map[model.Status]bool) []*model.Import {
	var out []*model.Import
	for _, imp := range r.imports {
		if filter != nil && !filter[imp.Status] {
			continue
		}
		c := *imp
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func (r *Imports) AppendLog(_ context.Context, entry model.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextLog++
	entry.ID = r.nextLog
	r.log = append(r.log, entry)
	return nil
}

func (r *Imports) FindLogged(_ context.Context, importID int64, identifier string, t record.Type) (*model.LogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.log) - 1; i >= 0; i-- {
		e := r.log[i]
		if e.ImportID != importID || e.Identifier != identifier {
			continue
		}
		if t != "" && t != record.TypeAny && e.RecordType != t {
			continue
		}
		return &e, nil
	}
	return nil, model.ErrNotFound
}

func (r *Imports) LogBatch(_ context.Context, importID int64, limit int) ([]model.LogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.LogEntry
	for _, e := range r.log {
		if e.ImportID == importID {
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *Imports) DeleteLog(_ context.Context, ids []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := r.log[:0]
	for _, e := range r.log {
		if !drop[e.ID] {
			kept = append(kept, e)
		}
	}
	r.log = kept
	return nil
}

func (r *Imports) CountLog(_ context.Context, importID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.log {
		if e.ImportID == importID {
			n++
		}
	}
	return n, nil
}

func (r *Imports) CountLogByType(_ context.Context, importID int64) (map[record.Type]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[record.Type]int)
	for _, e := range r.log {
		if e.ImportID == importID {
			out[e.RecordType]++
		}
	}
	return out, nil
}

func (r *Imports) ListLog(_ context.Context, importID int64, limit, offset int) ([]model.LogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.LogEntry
	skipped := 0
	for _, e := range r.log {
		if e.ImportID != importID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

var _ model.Repository = (*Imports)(nil)
