package importer

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/csvimport/internal/columnmap"
	"github.com/JonMunkholm/csvimport/internal/ingest"
	"github.com/JonMunkholm/csvimport/internal/model"
	"github.com/JonMunkholm/csvimport/internal/record"
	"github.com/JonMunkholm/csvimport/internal/store/memstore"
)

// Element ids seeded by memstore.NewRecords.
const (
	titleID      int64 = 1
	identifierID int64 = 14
)

// fakeFiles ingests every source without touching the network or disk.
type fakeFiles struct {
	mu      sync.Mutex
	fail    map[string]bool
	seen    []string
	removed []string

	// interrupt, when set, cancels the run during the next ingestion.
	interrupt context.CancelCauseFunc
}

func (f *fakeFiles) Ingest(ctx context.Context, src string) (*record.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, src)
	if f.interrupt != nil {
		f.interrupt(ErrInterrupted)
		f.interrupt = nil
		return nil, ctx.Err()
	}
	if f.fail[src] {
		return nil, ingest.ErrInvalidSource
	}
	return &record.Record{
		Type:             record.TypeFile,
		Source:           src,
		Filename:         "stored-" + path.Base(src),
		OriginalFilename: path.Base(src),
		Authentication:   "md5-" + src,
	}, nil
}

func (f *fakeFiles) Remove(filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, filename)
	return nil
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []Task
}

func (q *recordingQueue) Enqueue(_ context.Context, t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *recordingQueue) pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return Task{}, false
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t, true
}

type removedFiles struct{ paths []string }

func (r *removedFiles) Remove(p string) error {
	r.paths = append(r.paths, p)
	return nil
}

// countingObserver counts events and can cancel a run after a number of rows.
type countingObserver struct {
	rows      map[Outcome]int
	undone    int
	finished  []model.Status
	cancelAt  int
	cancel    context.CancelCauseFunc
	cancelErr error
}

func (o *countingObserver) RowProcessed(_ model.Format, outcome Outcome) {
	if o.rows == nil {
		o.rows = make(map[Outcome]int)
	}
	o.rows[outcome]++
	total := 0
	for _, n := range o.rows {
		total += n
	}
	if o.cancel != nil && total == o.cancelAt {
		o.cancel(o.cancelErr)
	}
}

func (o *countingObserver) RecordsUndone(n int) { o.undone += n }

func (o *countingObserver) JobFinished(_ Method, status model.Status, _ time.Duration) {
	o.finished = append(o.finished, status)
}

type harness struct {
	records  *memstore.Records
	imports  *memstore.Imports
	files    *fakeFiles
	queue    *recordingQueue
	removed  *removedFiles
	observer *countingObserver
	engine   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))

	h := &harness{
		records:  memstore.NewRecords(),
		imports:  memstore.NewImports(),
		files:    &fakeFiles{fail: map[string]bool{}},
		queue:    &recordingQueue{},
		removed:  &removedFiles{},
		observer: &countingObserver{},
	}
	h.engine = NewEngine(h.imports, h.records, h.files, h.queue,
		WithObserver(h.observer),
		WithFileRemover(h.removed),
	)
	return h
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "import.csv")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func (h *harness) create(t *testing.T, format model.Format, csv string, d columnmap.Defaults, maps columnmap.Set, batchSize int) *model.Import {
	t.Helper()
	imp, err := h.engine.Create(context.Background(), CreateParams{
		Format:           format,
		FilePath:         writeCSV(t, csv),
		OriginalFilename: "import.csv",
		Defaults:         d,
		ColumnMaps:       maps,
		BatchSize:        batchSize,
		Queue:            true,
	})
	require.NoError(t, err)
	return imp
}

// drain runs queued tasks until the queue is empty and returns how many ran.
func (h *harness) drain(t *testing.T) int {
	t.Helper()
	n := 0
	for {
		task, ok := h.queue.pop()
		if !ok {
			return n
		}
		require.NoError(t, h.engine.Run(context.Background(), task))
		n++
		require.Less(t, n, 1000, "runaway queue")
	}
}

func (h *harness) get(t *testing.T, id int64) *model.Import {
	t.Helper()
	imp, err := h.imports.GetImport(context.Background(), id)
	require.NoError(t, err)
	return imp
}

func (h *harness) logged(t *testing.T, id int64) int {
	t.Helper()
	n, err := h.imports.CountLog(context.Background(), id)
	require.NoError(t, err)
	return n
}

func (h *harness) insert(t *testing.T, r *record.Record) *record.Record {
	t.Helper()
	id, err := h.records.Insert(context.Background(), r)
	require.NoError(t, err)
	r.ID = id
	return r
}

func elementMap(column string) columnmap.Map {
	return columnmap.Map{Column: column, Kind: columnmap.KindElement, Options: columnmap.Options{ElementName: column}}
}

func kindMap(column string, kind columnmap.Kind) columnmap.Map {
	return columnmap.Map{Column: column, Kind: kind}
}

func titles(records []*record.Record) []string {
	var out []string
	for _, r := range records {
		out = append(out, r.TextsFor(titleID)...)
	}
	return out
}
