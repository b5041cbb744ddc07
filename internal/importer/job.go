package importer

import (
	"context"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/go-faster/errors"

	"github.com/JonMunkholm/csvimport/internal/columnmap"
	"github.com/JonMunkholm/csvimport/internal/logging"
	"github.com/JonMunkholm/csvimport/internal/model"
	"github.com/JonMunkholm/csvimport/internal/record"
	"github.com/JonMunkholm/csvimport/internal/rowsource"
)

// undoBatchLimit caps the log entries fetched per undo retrieval.
const undoBatchLimit = 50

// Job drives one import through its state machine.
//
// A Job is not safe for concurrent use. The runner guarantees a single active
// invocation per import id.
type Job struct {
	e      *Engine
	imp    *model.Import
	logger *slog.Logger

	// res is the resolver of the current run; nil between runs.
	res *Resolver
}

// Import returns the import the job operates on.
func (j *Job) Import() *model.Import {
	return j.imp
}

func (j *Job) save(ctx context.Context) error {
	if err := j.e.imports.SaveImport(context.WithoutCancel(ctx), j.imp); err != nil {
		return errors.Wrapf(err, "save import %d", j.imp.ID)
	}
	return nil
}

func (j *Job) transition(ctx context.Context, to model.Status) error {
	from := j.imp.Status
	j.imp.Status = to
	if err := j.save(ctx); err != nil {
		j.imp.Status = from
		return err
	}
	j.logger.Debug("import status changed", "from", from, "to", to)
	return nil
}

// Queue moves the import to Queued and asks the runner to process it.
func (j *Job) Queue(ctx context.Context, batchSize int) error {
	if !j.imp.Status.CanQueue() {
		return errors.Wrapf(ErrInvalidTransition, "queue import in status %q", j.imp.Status)
	}
	if err := j.transition(ctx, model.StatusQueued); err != nil {
		return err
	}
	return j.e.enqueue(ctx, Task{ImportID: j.imp.ID, Method: MethodStart, BatchSize: batchSize})
}

// QueueUndo moves the import to QueuedUndo and asks the runner to undo it.
func (j *Job) QueueUndo(ctx context.Context, batchSize int) error {
	if !j.imp.Status.CanQueueUndo() {
		return errors.Wrapf(ErrInvalidTransition, "queue undo of import in status %q", j.imp.Status)
	}
	if err := j.transition(ctx, model.StatusQueuedUndo); err != nil {
		return err
	}
	return j.e.enqueue(ctx, Task{ImportID: j.imp.ID, Method: MethodUndo, BatchSize: batchSize})
}

// Requeue is the manual recovery of a stopped import. It queues the import again, or
// its undo when undo is set, from the last saved checkpoint.
func (j *Job) Requeue(ctx context.Context, undo bool, batchSize int) error {
	if j.imp.Status != model.StatusStopped {
		return errors.Wrapf(ErrInvalidTransition, "requeue import in status %q", j.imp.Status)
	}
	status, method := model.StatusQueued, MethodStart
	if undo {
		status, method = model.StatusQueuedUndo, MethodUndo
	}
	j.imp.LastError = ""
	if err := j.transition(ctx, status); err != nil {
		return err
	}
	return j.e.enqueue(ctx, Task{ImportID: j.imp.ID, Method: method, BatchSize: batchSize})
}

// Start runs a queued import that has never started.
func (j *Job) Start(ctx context.Context, batchSize int) error {
	if j.imp.Status != model.StatusQueued || j.imp.Started() {
		return errors.Wrapf(ErrInvalidTransition, "start import in status %q", j.imp.Status)
	}
	return j.runImport(ctx, batchSize)
}

// Resume continues a queued import or undo from its checkpoint.
func (j *Job) Resume(ctx context.Context, batchSize int) error {
	switch j.imp.Status {
	case model.StatusQueued:
		return j.runImport(ctx, batchSize)
	case model.StatusQueuedUndo:
		return j.runUndo(ctx, batchSize)
	}
	return errors.Wrapf(ErrInvalidTransition, "resume import in status %q", j.imp.Status)
}

// Undo runs a queued undo.
func (j *Job) Undo(ctx context.Context, batchSize int) error {
	if j.imp.Status != model.StatusQueuedUndo {
		return errors.Wrapf(ErrInvalidTransition, "undo import in status %q", j.imp.Status)
	}
	return j.runUndo(ctx, batchSize)
}

// Stop marks a running import as stopped. reason is kept as the last error.
func (j *Job) Stop(ctx context.Context, reason string) error {
	if !j.imp.Status.Running() {
		return errors.Wrapf(ErrInvalidTransition, "stop import in status %q", j.imp.Status)
	}
	j.imp.LastError = reason
	if err := j.transition(ctx, model.StatusStopped); err != nil {
		return err
	}
	j.logger.Error("import stopped", "reason", reason, "file_position", j.imp.FilePosition)
	return nil
}

// Pause parks a queued import until it is queued again.
func (j *Job) Pause(ctx context.Context) error {
	if !j.imp.Status.CanResume() {
		return errors.Wrapf(ErrInvalidTransition, "pause import in status %q", j.imp.Status)
	}
	return j.transition(ctx, model.StatusPaused)
}

// Complete marks the import as completed.
func (j *Job) Complete(ctx context.Context) error {
	if j.imp.Status == model.StatusCompleted {
		return errors.Wrap(ErrInvalidTransition, "import already completed")
	}
	return j.transition(ctx, model.StatusCompleted)
}

// CompleteUndo marks the undo as completed.
func (j *Job) CompleteUndo(ctx context.Context) error {
	if j.imp.Status == model.StatusCompletedUndo {
		return errors.Wrap(ErrInvalidTransition, "undo already completed")
	}
	return j.transition(ctx, model.StatusCompletedUndo)
}

// fail records err as the reason the run stopped and moves the import to status.
func (j *Job) fail(ctx context.Context, status model.Status, err error) error {
	j.imp.LastError = err.Error()
	j.imp.Status = status
	if saveErr := j.save(ctx); saveErr != nil {
		j.logger.Error("cannot persist import failure", "error", saveErr)
	}
	method := MethodStart
	if status == model.StatusUndoImportError {
		method = MethodUndo
	}
	j.e.observer.JobFinished(method, status, 0)
	j.logger.Error("import failed",
		"status", status,
		"file_position", j.imp.FilePosition,
		"error", err,
	)
	return err
}

// suspend handles a cancelled run. A shutdown or stop request stops the import; any
// other cause saves the checkpoint and queues the work again.
func (j *Job) suspend(ctx context.Context, cause error, undo bool, batchSize int) error {
	ctx = context.WithoutCancel(ctx)
	if errors.Is(cause, ErrShutdown) || errors.Is(cause, ErrStopRequested) {
		return j.Stop(ctx, "interrupted: "+cause.Error())
	}
	j.logger.Info("import interrupted, queueing again",
		"cause", cause,
		"file_position", j.imp.FilePosition,
	)
	if undo {
		return j.QueueUndo(ctx, batchSize)
	}
	return j.Queue(ctx, batchSize)
}

func (j *Job) newRun() (*rowContext, func()) {
	j.res = newResolver(j.e.records, j.e.imports, j.imp.ID, j)
	defaults := j.imp.Defaults.WithFallbacks()
	rc := &rowContext{
		imp:      j.imp,
		defaults: defaults,
		res:      j.res,
		imports:  j.e.imports,
		mut: &Mutator{
			records:  j.e.records,
			files:    j.e.files,
			journal:  j,
			env:      j,
			defaults: defaults,
			logger:   j.logger,
		},
	}
	return rc, func() { j.res = nil }
}

func (j *Job) sourceOptions() rowsource.Options {
	return rowsource.Options{
		Delimiter:   j.imp.Delimiter,
		Enclosure:   j.imp.Enclosure,
		SkipInvalid: true,
	}
}

func (j *Job) runImport(ctx context.Context, batchSize int) (err error) {
	defer j.recoverRun(ctx, model.StatusImportError, &err)
	started := time.Now()
	opts := j.sourceOptions()

	if !j.imp.Started() {
		valid, skipped, err := rowsource.Count(j.imp.FilePath, opts)
		if err != nil {
			return j.fail(ctx, model.StatusImportError, errors.Wrap(err, "count rows"))
		}
		j.imp.RowCount = valid + skipped
		j.imp.SkippedRowCount = skipped
	}
	if err := j.transition(ctx, model.StatusInProgress); err != nil {
		return err
	}
	j.logger.Info("import started",
		"format", j.imp.Format,
		"file_position", j.imp.FilePosition,
		"row_count", j.imp.RowCount,
		"batch_size", batchSize,
	)

	src, err := rowsource.Open(j.imp.FilePath, opts)
	if err != nil {
		return j.fail(ctx, model.StatusImportError, errors.Wrap(err, "open import file"))
	}
	defer src.Close()
	if err := src.Seek(j.imp.FilePosition); err != nil {
		return j.fail(ctx, model.StatusImportError, errors.Wrap(err, "seek to checkpoint"))
	}

	rc, done := j.newRun()
	defer done()

	processed := 0
	for {
		if cause := cancelCause(ctx); cause != nil {
			return j.suspend(ctx, cause, false, batchSize)
		}

		raw, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return j.fail(ctx, model.StatusImportError, errors.Wrap(err, "read row"))
		}

		outcome, err := j.processRow(ctx, rc, raw)
		if err != nil {
			if cause := cancelCause(ctx); cause != nil {
				// The row was not applied completely; it is read again on resume.
				return j.suspend(ctx, cause, false, batchSize)
			}
			if !IsRowError(err) {
				return j.fail(ctx, model.StatusImportError, errors.Wrapf(err, "row at offset %d", j.imp.FilePosition))
			}
			j.imp.SkippedRecordCount++
			outcome = OutcomeSkipped
			if err == errSkipRow {
				j.logger.Debug("row skipped", "file_position", j.imp.FilePosition)
			} else {
				j.logger.Warn("row skipped", "file_position", j.imp.FilePosition, "reason", err)
			}
		}
		j.e.observer.RowProcessed(j.imp.Format, outcome)

		j.imp.FilePosition = src.Tell()
		processed++

		if batchSize > 0 && processed >= batchSize {
			j.logger.Info("import batch finished", "rows", processed, "file_position", j.imp.FilePosition)
			j.e.observer.JobFinished(MethodStart, model.StatusQueued, time.Since(started))
			return j.Queue(ctx, batchSize)
		}
	}

	if err := j.Complete(ctx); err != nil {
		return err
	}
	j.logger.Info("import completed",
		"rows", processed,
		"skipped_rows", j.imp.SkippedRowCount,
		"skipped_records", j.imp.SkippedRecordCount,
		"updated_records", j.imp.UpdatedRecordCount,
		"duration", time.Since(started),
	)
	j.e.observer.JobFinished(MethodStart, model.StatusCompleted, time.Since(started))
	return nil
}

// processRow maps raw and applies the format policy.
func (j *Job) processRow(ctx context.Context, rc *rowContext, raw rowsource.Row) (Outcome, error) {
	row, err := j.imp.ColumnMaps.Map(ctx, raw, j)
	if err != nil {
		if errors.Is(err, columnmap.ErrInvalidValue) || errors.Is(err, columnmap.ErrUnknownKind) ||
			errors.Is(err, columnmap.ErrUnknownElement) {
			return "", rowError(err, "invalid cell")
		}
		return "", err
	}
	return rc.dispatch(ctx, row)
}

func (j *Job) runUndo(ctx context.Context, batchSize int) (err error) {
	defer j.recoverRun(ctx, model.StatusUndoImportError, &err)
	started := time.Now()
	if err := j.transition(ctx, model.StatusInProgressUndo); err != nil {
		return err
	}
	j.logger.Info("undo started", "batch_size", batchSize)

	limit := undoBatchLimit
	if batchSize > 0 && batchSize < limit {
		limit = batchSize
	}

	deleted := 0
	for {
		if cause := cancelCause(ctx); cause != nil {
			return j.suspend(ctx, cause, true, batchSize)
		}

		entries, err := j.e.imports.LogBatch(ctx, j.imp.ID, limit)
		if err != nil {
			return j.undoFailed(ctx, errors.Wrap(err, "fetch imported records"))
		}
		if len(entries) == 0 {
			break
		}

		purge := purger{records: j.e.records, files: j.e.files, logger: j.logger}
		done := make([]int64, 0, len(entries))
		var runErr error
		for _, entry := range entries {
			if cancelCause(ctx) != nil {
				break
			}
			err := purge.delete(ctx, entry.RecordType, entry.RecordID)
			if err != nil && !errors.Is(err, record.ErrNotFound) {
				runErr = errors.Wrapf(err, "delete %s %d", entry.RecordType, entry.RecordID)
				break
			}
			done = append(done, entry.ID)
		}

		if len(done) > 0 {
			if err := j.e.imports.DeleteLog(context.WithoutCancel(ctx), done); err != nil {
				return j.undoFailed(ctx, errors.Wrap(err, "delete log entries"))
			}
			deleted += len(done)
			j.e.observer.RecordsUndone(len(done))
		}
		if runErr != nil {
			if cause := cancelCause(ctx); cause != nil {
				return j.suspend(ctx, cause, true, batchSize)
			}
			return j.undoFailed(ctx, runErr)
		}
		if cause := cancelCause(ctx); cause != nil {
			return j.suspend(ctx, cause, true, batchSize)
		}

		if batchSize > 0 && deleted >= batchSize {
			j.logger.Info("undo batch finished", "deleted", deleted)
			j.e.observer.JobFinished(MethodUndo, model.StatusQueuedUndo, time.Since(started))
			return j.QueueUndo(ctx, batchSize)
		}
	}

	if err := j.CompleteUndo(ctx); err != nil {
		return err
	}
	j.logger.Info("undo completed", "deleted", deleted, "duration", time.Since(started))
	j.e.observer.JobFinished(MethodUndo, model.StatusCompletedUndo, time.Since(started))
	return nil
}

// recoverRun turns a panic of the current run into a failed import so that the import
// does not stay in progress.
func (j *Job) recoverRun(ctx context.Context, status model.Status, errp *error) {
	if p := recover(); p != nil {
		j.logger.Error("import run panicked", "panic", p, "stack", string(debug.Stack()))
		*errp = j.fail(ctx, status, errors.Errorf("panic: %v", p))
	}
}

func (j *Job) undoFailed(ctx context.Context, err error) error {
	return j.fail(ctx, model.StatusUndoImportError, err)
}

// created appends a log entry for a record the run created.
func (j *Job) created(ctx context.Context, t record.Type, id int64, identifier string) error {
	err := j.e.imports.AppendLog(ctx, model.LogEntry{
		ImportID:   j.imp.ID,
		RecordType: t,
		RecordID:   id,
		Identifier: identifier,
	})
	if err != nil {
		return errors.Wrapf(err, "log created %s %d", t, id)
	}
	return nil
}

// FindCollection resolves a collection by id or by exact title.
func (j *Job) FindCollection(ctx context.Context, identifier string) (int64, error) {
	if id, ok := columnmap.ParseID(identifier); ok {
		c, err := j.e.records.Get(ctx, record.TypeCollection, id)
		if err == nil {
			return c.ID, nil
		}
		if !errors.Is(err, record.ErrNotFound) {
			return 0, err
		}
	}

	el, err := j.titleElement(ctx)
	if err != nil || el == nil {
		return 0, err
	}
	c, err := j.e.records.FindByElementText(ctx, el.ID, identifier, record.TypeCollection)
	if errors.Is(err, record.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return c.ID, nil
}

// CreateCollection creates and journals a collection titled title.
func (j *Job) CreateCollection(ctx context.Context, title string) (int64, error) {
	c := &record.Record{Type: record.TypeCollection}
	el, err := j.titleElement(ctx)
	if err != nil {
		return 0, err
	}
	if el != nil {
		c.Texts = []record.ElementText{{ElementID: el.ID, Text: title}}
	}
	id, err := j.e.records.Insert(ctx, c)
	if err != nil {
		return 0, errors.Wrap(err, "insert collection")
	}
	if err := j.created(ctx, record.TypeCollection, id, ""); err != nil {
		return 0, err
	}
	j.logger.Info("collection created", "collection_id", id, "title", title)
	return id, nil
}

func (j *Job) titleElement(ctx context.Context) (*record.Element, error) {
	if j.res != nil {
		return j.res.element(ctx, titleElement)
	}
	el, err := j.e.records.Element(ctx, "Dublin Core", "Title")
	if errors.Is(err, record.ErrNotFound) {
		return nil, nil
	}
	return el, err
}

const titleElement = "Dublin Core:Title"

func newJob(ctx context.Context, e *Engine, imp *model.Import) *Job {
	return &Job{
		e:      e,
		imp:    imp,
		logger: logging.ForImport(ctx, imp.ID),
	}
}
