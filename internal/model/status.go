package model

// Status is the state of an import in the job state machine.
type Status string

const (
	StatusQueued          Status = "queued"
	StatusInProgress      Status = "in_progress"
	StatusCompleted       Status = "completed"
	StatusQueuedUndo      Status = "queued_undo"
	StatusInProgressUndo  Status = "undo_in_progress"
	StatusCompletedUndo   Status = "completed_undo"
	StatusImportError     Status = "import_error"
	StatusUndoImportError Status = "undo_import_error"
	StatusOtherError      Status = "other_error"
	StatusStopped         Status = "stopped"
	StatusPaused          Status = "paused"
)

// Label returns the human readable name of s.
func (s Status) Label() string {
	switch s {
	case StatusQueued:
		return "Queued"
	case StatusInProgress:
		return "In Progress"
	case StatusCompleted:
		return "Completed"
	case StatusQueuedUndo:
		return "Queued Undo"
	case StatusInProgressUndo:
		return "Undo In Progress"
	case StatusCompletedUndo:
		return "Completed Undo"
	case StatusImportError:
		return "Import Error"
	case StatusUndoImportError:
		return "Undo Import Error"
	case StatusOtherError:
		return "Other Error"
	case StatusStopped:
		return "Stopped"
	case StatusPaused:
		return "Paused"
	}
	return string(s)
}

// IsError reports whether s is one of the error states.
func (s Status) IsError() bool {
	return s == StatusImportError || s == StatusUndoImportError || s == StatusOtherError
}

// Running reports whether a worker is (or was, before dying) executing the import.
func (s Status) Running() bool {
	return s == StatusInProgress || s == StatusInProgressUndo
}

// CanQueue reports whether queue() may move the import to Queued.
func (s Status) CanQueue() bool {
	switch s {
	case StatusImportError, StatusUndoImportError, StatusOtherError,
		StatusStopped, StatusCompleted, StatusCompletedUndo:
		return false
	}
	return true
}

// CanQueueUndo reports whether queueUndo() may move the import to QueuedUndo.
func (s Status) CanQueueUndo() bool {
	switch s {
	case StatusUndoImportError, StatusOtherError, StatusStopped, StatusCompletedUndo:
		return false
	}
	return true
}

// CanResume reports whether a worker may pick the import up.
func (s Status) CanResume() bool {
	return s == StatusQueued || s == StatusQueuedUndo
}

// ImportedCount returns the number of records attributed to the import in the browse view.
func (i *Import) ImportedCount(logged int) int {
	return logged + i.UpdatedRecordCount
}

// CanUndo reports whether the browse view offers "Undo Import". logged is the number of
// ImportedRecordLog entries of the import.
func (i *Import) CanUndo(logged int) bool {
	if !i.Format.Undoable() {
		return false
	}
	switch i.Status {
	case StatusCompleted, StatusImportError:
		return logged > 0
	case StatusStopped:
		return true
	}
	return false
}

// CanClearHistory reports whether the import row may be discarded. Only terminal states that
// left no records behind qualify.
func (i *Import) CanClearHistory(logged int) bool {
	switch i.Status {
	case StatusCompletedUndo, StatusUndoImportError, StatusOtherError:
		return true
	case StatusCompleted, StatusImportError:
		return logged == 0
	}
	return false
}
