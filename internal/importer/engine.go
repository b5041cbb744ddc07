// Package importer turns mapped CSV rows into record operations.
//
// The Engine creates imports and loads Jobs. A Job owns the state machine of one
// import: it streams rows from its checkpoint, resolves the record each row refers
// to, applies the row action through the Mutator and journals every record it
// creates so that undo can remove exactly those records again.
//
// Work is handed to an asynchronous runner through the Enqueuer interface. A job
// that reaches its batch size saves its checkpoint and enqueues itself again.
package importer

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/JonMunkholm/csvimport/internal/columnmap"
	"github.com/JonMunkholm/csvimport/internal/ingest"
	"github.com/JonMunkholm/csvimport/internal/logging"
	"github.com/JonMunkholm/csvimport/internal/model"
	"github.com/JonMunkholm/csvimport/internal/record"
	"github.com/JonMunkholm/csvimport/internal/rowsource"
)

// Method selects what a task runs.
type Method string

const (
	MethodStart Method = "start"
	MethodUndo  Method = "undo"
)

// Task is one asynchronous execution request.
type Task struct {
	ImportID    int64  `json:"import_id"`
	Method      Method `json:"method"`
	BatchSize   int    `json:"batch_size,omitempty"`
	MemoryLimit int64  `json:"memory_limit,omitempty"`
}

// Enqueuer hands tasks to the runner. Every enqueued task must eventually be passed
// to Engine.Run exactly once.
type Enqueuer interface {
	Enqueue(ctx context.Context, task Task) error
}

// Observer receives progress events, typically to export metrics.
type Observer interface {
	RowProcessed(format model.Format, outcome Outcome)
	RecordsUndone(n int)
	JobFinished(method Method, status model.Status, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) RowProcessed(model.Format, Outcome)              {}
func (nopObserver) RecordsUndone(int)                               {}
func (nopObserver) JobFinished(Method, model.Status, time.Duration) {}

// Canceller cancels the running task of an import with a cause. It reports whether
// a task was running.
type Canceller interface {
	Cancel(id int64, cause error) bool
}

// FileRemover deletes stored import files.
type FileRemover interface {
	Remove(path string) error
}

// Engine creates, loads and runs imports.
type Engine struct {
	imports  model.Repository
	records  record.Store
	files    ingest.Ingester
	queue    Enqueuer
	observer Observer
	remover  FileRemover
	cancel   Canceller

	batchSize   int
	memoryLimit int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver sets the progress observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithBatchSize sets the batch size used when a task does not carry one.
func WithBatchSize(n int) Option {
	return func(e *Engine) { e.batchSize = n }
}

// WithMemoryLimit sets the soft memory limit, in bytes, that tasks ask the runner for.
func WithMemoryLimit(n int64) Option {
	return func(e *Engine) { e.memoryLimit = n }
}

// WithFileRemover sets how stored import files are removed when history is cleared.
func WithFileRemover(r FileRemover) Option {
	return func(e *Engine) { e.remover = r }
}

// NewEngine returns an Engine. queue may be nil when jobs are only run synchronously.
func NewEngine(imports model.Repository, records record.Store, files ingest.Ingester, queue Enqueuer, opts ...Option) *Engine {
	e := &Engine{
		imports:  imports,
		records:  records,
		files:    files,
		queue:    queue,
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetQueue sets the runner the engine enqueues to. Runners usually need the engine
// themselves, so they are wired after construction.
func (e *Engine) SetQueue(q Enqueuer) {
	e.queue = q
}

// SetCanceller sets how running tasks are cancelled on a stop request.
func (e *Engine) SetCanceller(c Canceller) {
	e.cancel = c
}

func (e *Engine) enqueue(ctx context.Context, task Task) error {
	if e.queue == nil {
		return nil
	}
	if task.BatchSize == 0 {
		task.BatchSize = e.batchSize
	}
	if task.MemoryLimit == 0 {
		task.MemoryLimit = e.memoryLimit
	}
	if err := e.queue.Enqueue(ctx, task); err != nil {
		return errors.Wrapf(err, "enqueue %s of import %d", task.Method, task.ImportID)
	}
	return nil
}

// Load returns the job of import id.
func (e *Engine) Load(ctx context.Context, id int64) (*Job, error) {
	imp, err := e.imports.GetImport(ctx, id)
	if err != nil {
		return nil, err
	}
	return newJob(ctx, e, imp), nil
}

// Run executes a task. It is the entry point of the runner.
func (e *Engine) Run(ctx context.Context, task Task) error {
	job, err := e.Load(ctx, task.ImportID)
	if err != nil {
		return errors.Wrapf(err, "load import %d", task.ImportID)
	}
	batchSize := task.BatchSize
	if batchSize == 0 {
		batchSize = job.imp.BatchSize
	}
	if batchSize == 0 {
		batchSize = e.batchSize
	}

	switch task.Method {
	case MethodStart:
		if job.imp.Status != model.StatusQueued {
			return errors.Wrapf(ErrInvalidTransition, "run import in status %q", job.imp.Status)
		}
		if !job.imp.Started() {
			return job.Start(ctx, batchSize)
		}
		return job.Resume(ctx, batchSize)
	case MethodUndo:
		return job.Undo(ctx, batchSize)
	}
	return errors.Errorf("unknown task method %q", task.Method)
}

// CreateParams describe a new import. FilePath must point at the stored CSV file.
type CreateParams struct {
	Format           model.Format
	FilePath         string
	OriginalFilename string
	Delimiter        rune
	Enclosure        rune
	Defaults         columnmap.Defaults
	ColumnMaps       columnmap.Set
	BatchSize        int
	OwnerID          int64
	// Queue enqueues the import right after it is created.
	Queue bool
}

// Create validates params, builds the column maps and stores a queued import.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*model.Import, error) {
	format, err := model.ParseFormat(string(p.Format))
	if err != nil {
		return nil, err
	}
	if format.Deprecated() {
		logging.FromContext(ctx).Warn("creating an import with a deprecated format", "format", format)
	}

	src, err := rowsource.Open(p.FilePath, rowsource.Options{Delimiter: p.Delimiter, Enclosure: p.Enclosure})
	if err != nil {
		return nil, errors.Wrap(err, "open import file")
	}
	columns := src.Columns()
	src.Close()

	defaults := p.Defaults
	if format == model.FormatReport {
		defaults.TagDelimiter = columnmap.ReportTagDelimiter
		defaults.FileDelimiter = columnmap.ReportFileDelimiter
		defaults.CreateCollections = false
	}
	defaults = defaults.WithFallbacks()

	maps := p.ColumnMaps
	if len(maps) == 0 && defaults.Automap {
		elements, err := e.records.Elements(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "list elements")
		}
		maps = columnmap.AutoMap(columns, elements, defaults)
	}
	if len(maps) == 0 {
		return nil, errors.Wrap(columnmap.ErrInvalidValue, "no column is mapped")
	}
	if format == model.FormatReport {
		maps = reportMaps(maps, defaults)
	}
	if format.Deprecated() {
		maps = columnmap.MigrateLegacy(string(format), maps)
	}
	if err := maps.Validate(); err != nil {
		return nil, err
	}
	if maps, err = maps.ResolveElements(ctx, e.records); err != nil {
		return nil, err
	}
	if err := checkColumns(maps, columns); err != nil {
		return nil, err
	}

	imp := &model.Import{
		Format:           format,
		Delimiter:        p.Delimiter,
		Enclosure:        p.Enclosure,
		Status:           model.StatusQueued,
		OriginalFilename: p.OriginalFilename,
		FilePath:         p.FilePath,
		Defaults:         defaults,
		ColumnMaps:       maps,
		BatchSize:        p.BatchSize,
		OwnerID:          p.OwnerID,
		Added:            time.Now().UTC(),
	}
	if err := e.imports.CreateImport(ctx, imp); err != nil {
		return nil, errors.Wrap(err, "create import")
	}
	logging.WithFields(ctx, "import_id", imp.ID).Info("import created",
		"format", format,
		"file", p.OriginalFilename,
		"columns", len(maps),
	)

	if p.Queue {
		if err := e.enqueue(ctx, Task{ImportID: imp.ID, Method: MethodStart, BatchSize: p.BatchSize}); err != nil {
			return imp, err
		}
	}
	return imp, nil
}

// reportMaps applies the fixed settings of the Report format.
func reportMaps(maps columnmap.Set, d columnmap.Defaults) columnmap.Set {
	out := make(columnmap.Set, len(maps))
	copy(out, maps)
	for i, m := range out {
		switch m.Kind {
		case columnmap.KindTag:
			out[i].Options.Delimiter = columnmap.ReportTagDelimiter
		case columnmap.KindFile:
			out[i].Options.Delimiter = columnmap.ReportFileDelimiter
		case columnmap.KindCollection:
			out[i].Options.CreateCollections = false
		case columnmap.KindElement:
			out[i].Options.HTML = out[i].Options.HTML || d.HTML
		}
	}
	return out
}

func checkColumns(maps columnmap.Set, columns []string) error {
	header := make(map[string]bool, len(columns))
	for _, c := range columns {
		header[c] = true
	}
	var missing []string
	for _, m := range maps {
		if !header[m.Column] {
			missing = append(missing, m.Column)
		}
	}
	if len(missing) > 0 {
		return errors.Wrapf(columnmap.ErrInvalidValue, "columns not in file header: %s", strings.Join(missing, ", "))
	}
	return nil
}

// RequestUndo queues the undo of an import that has imported records.
func (e *Engine) RequestUndo(ctx context.Context, id int64, batchSize int) (*model.Import, error) {
	job, err := e.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	logged, err := e.imports.CountLog(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "count imported records")
	}
	if !job.imp.CanUndo(logged) {
		return nil, errors.Wrapf(ErrInvalidTransition, "import %d cannot be undone in status %q", id, job.imp.Status)
	}
	if job.imp.Status == model.StatusStopped {
		return job.imp, job.Requeue(ctx, true, batchSize)
	}
	return job.imp, job.QueueUndo(ctx, batchSize)
}

// RequestResume queues a paused, queued or stopped import again.
func (e *Engine) RequestResume(ctx context.Context, id int64, batchSize int) (*model.Import, error) {
	job, err := e.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch job.imp.Status {
	case model.StatusStopped:
		return job.imp, job.Requeue(ctx, false, batchSize)
	case model.StatusQueuedUndo:
		return job.imp, job.QueueUndo(ctx, batchSize)
	}
	return job.imp, job.Queue(ctx, batchSize)
}

// RequestStop stops an import. A queued import is paused. A running import is
// cancelled with ErrStopRequested and stops at its next row; when no local worker
// owns it, it is marked stopped right away.
func (e *Engine) RequestStop(ctx context.Context, id int64) (*model.Import, error) {
	job, err := e.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case job.imp.Status.CanResume():
		return job.imp, job.Pause(ctx)
	case job.imp.Status.Running():
		if e.cancel != nil && e.cancel.Cancel(id, ErrStopRequested) {
			return job.imp, nil
		}
		return job.imp, job.Stop(ctx, "interrupted: "+ErrStopRequested.Error())
	}
	return nil, errors.Wrapf(ErrInvalidTransition, "stop import in status %q", job.imp.Status)
}

// ClearHistory deletes an import that left no records behind, with its stored file
// and log. Records that still exist are never touched.
func (e *Engine) ClearHistory(ctx context.Context, id int64) error {
	imp, err := e.imports.GetImport(ctx, id)
	if err != nil {
		return err
	}
	logged, err := e.imports.CountLog(ctx, id)
	if err != nil {
		return errors.Wrap(err, "count imported records")
	}
	if !imp.CanClearHistory(logged) {
		return errors.Wrapf(ErrInvalidTransition, "history of import %d cannot be cleared in status %q", id, imp.Status)
	}
	if e.remover != nil && imp.FilePath != "" {
		if err := e.remover.Remove(imp.FilePath); err != nil {
			return errors.Wrap(err, "remove import file")
		}
	}
	if err := e.imports.DeleteImport(ctx, id); err != nil {
		return errors.Wrap(err, "delete import")
	}
	logging.WithFields(ctx, "import_id", id).Info("import history cleared")
	return nil
}

// StopInFlight marks every running import as stopped. It is called on startup and on
// shutdown, when no worker can still own them.
func (e *Engine) StopInFlight(ctx context.Context, reason string) (int, error) {
	running, err := e.imports.ListByStatus(ctx, model.StatusInProgress, model.StatusInProgressUndo)
	if err != nil {
		return 0, errors.Wrap(err, "list running imports")
	}
	stopped := 0
	for _, imp := range running {
		if err := newJob(ctx, e, imp).Stop(ctx, reason); err != nil {
			slog.Error("cannot stop import", "import_id", imp.ID, "error", err)
			continue
		}
		stopped++
	}
	return stopped, nil
}

// Requeue enqueues every Queued or QueuedUndo import again. Runners lose their pending
// tasks when the process restarts; the stored status is the source of truth.
func (e *Engine) Requeue(ctx context.Context) (int, error) {
	pending, err := e.imports.ListByStatus(ctx, model.StatusQueued, model.StatusQueuedUndo)
	if err != nil {
		return 0, errors.Wrap(err, "list queued imports")
	}
	n := 0
	for _, imp := range pending {
		method := MethodStart
		if imp.Status == model.StatusQueuedUndo {
			method = MethodUndo
		}
		if err := e.enqueue(ctx, Task{ImportID: imp.ID, Method: method, BatchSize: imp.BatchSize}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Imports exposes the repository for read-only views.
func (e *Engine) Imports() model.Repository {
	return e.imports
}
