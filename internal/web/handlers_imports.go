package web

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-faster/errors"

	"github.com/JonMunkholm/csvimport/internal/columnmap"
	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/ingest"
	"github.com/JonMunkholm/csvimport/internal/logging"
	"github.com/JonMunkholm/csvimport/internal/model"
	"github.com/JonMunkholm/csvimport/internal/record"
)

// multipartMemory is the part of a form kept in memory; the rest spills to disk.
const multipartMemory = 32 << 20

// createOptions is the JSON "options" field of an import upload.
type createOptions struct {
	Format    string             `json:"format" validate:"required,oneof=ManageRecords Report Item"`
	Delimiter string             `json:"delimiter" validate:"omitempty,len=1"`
	Enclosure string             `json:"enclosure" validate:"omitempty,len=1"`
	BatchSize int                `json:"batch_size" validate:"gte=0"`
	OwnerID   int64              `json:"owner_id" validate:"gte=0"`
	Defaults  columnmap.Defaults `json:"defaults"`
	Columns   []columnmap.Map    `json:"columns"`
	Queue     *bool              `json:"queue"`
}

type actionRequest struct {
	BatchSize int `json:"batch_size" validate:"gte=0"`
}

// importView is the JSON representation of an import.
type importView struct {
	ID                 int64               `json:"id"`
	Format             model.Format        `json:"format"`
	Status             model.Status        `json:"status"`
	StatusLabel        string              `json:"status_label"`
	OriginalFilename   string              `json:"original_filename"`
	RowCount           int                 `json:"row_count"`
	SkippedRowCount    int                 `json:"skipped_row_count"`
	SkippedRecordCount int                 `json:"skipped_record_count"`
	UpdatedRecordCount int                 `json:"updated_record_count"`
	ImportedCount      int                 `json:"imported_count"`
	FilePosition       int64               `json:"file_position"`
	BatchSize          int                 `json:"batch_size,omitempty"`
	OwnerID            int64               `json:"owner_id,omitempty"`
	LastError          string              `json:"last_error,omitempty"`
	Added              time.Time           `json:"added"`
	Logged             map[record.Type]int `json:"logged"`
	CanUndo            bool                `json:"can_undo"`
	CanClearHistory    bool                `json:"can_clear_history"`
	Defaults           *columnmap.Defaults `json:"defaults,omitempty"`
	Columns            columnmap.Set       `json:"columns,omitempty"`
}

type logView struct {
	ID         int64       `json:"id"`
	RecordType record.Type `json:"record_type"`
	RecordID   int64       `json:"record_id"`
	Identifier string      `json:"identifier,omitempty"`
}

func (s *Server) view(ctx context.Context, imp *model.Import, detail bool) (importView, error) {
	byType, err := s.engine.Imports().CountLogByType(ctx, imp.ID)
	if err != nil {
		return importView{}, err
	}
	logged := 0
	for _, n := range byType {
		logged += n
	}

	v := importView{
		ID:                 imp.ID,
		Format:             imp.Format,
		Status:             imp.Status,
		StatusLabel:        imp.Status.Label(),
		OriginalFilename:   imp.OriginalFilename,
		RowCount:           imp.RowCount,
		SkippedRowCount:    imp.SkippedRowCount,
		SkippedRecordCount: imp.SkippedRecordCount,
		UpdatedRecordCount: imp.UpdatedRecordCount,
		ImportedCount:      imp.ImportedCount(logged),
		FilePosition:       imp.FilePosition,
		BatchSize:          imp.BatchSize,
		OwnerID:            imp.OwnerID,
		LastError:          imp.LastError,
		Added:              imp.Added,
		Logged:             byType,
		CanUndo:            imp.CanUndo(logged),
		CanClearHistory:    imp.CanClearHistory(logged),
	}
	if detail {
		d := imp.Defaults
		v.Defaults = &d
		v.Columns = imp.ColumnMaps
	}
	return v, nil
}

// handleCreateImport stores an uploaded CSV file and creates a queued import from it.
func (s *Server) handleCreateImport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	maxSize := int64(s.cfg.Import.MaxFileSize)
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, r, errors.Wrap(ingest.ErrTooLarge, "upload"), http.StatusRequestEntityTooLarge)
			return
		}
		s.respondError(w, r, errors.Wrap(errBadRequest, "invalid multipart form"), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	var opts createOptions
	if raw := r.FormValue("options"); raw != "" {
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			s.respondError(w, r, errors.Wrapf(errBadRequest, "invalid options: %v", err), http.StatusBadRequest)
			return
		}
	}
	if err := s.validate.Struct(opts); err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, r, errors.Wrap(errBadRequest, "no file provided"), http.StatusBadRequest)
		return
	}
	defer file.Close()

	if header.Size > maxSize {
		s.respondError(w, r, errors.Wrap(ingest.ErrTooLarge, "upload"), http.StatusRequestEntityTooLarge)
		return
	}

	staged, err := s.uploads.Stage(ctx, file)
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}
	defer staged.Done()

	imp, err := s.engine.Create(ctx, importer.CreateParams{
		Format:           model.Format(opts.Format),
		FilePath:         staged.Path,
		OriginalFilename: filepath.Base(header.Filename),
		Delimiter:        firstRune(opts.Delimiter),
		Enclosure:        firstRune(opts.Enclosure),
		Defaults:         opts.Defaults,
		ColumnMaps:       opts.Columns,
		BatchSize:        opts.BatchSize,
		OwnerID:          opts.OwnerID,
		Queue:            opts.Queue == nil || *opts.Queue,
	})
	if imp != nil {
		staged.Keep()
	}
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}

	v, err := s.view(ctx, imp, true)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeStatus(w, http.StatusCreated, v)
}

func firstRune(s string) rune {
	if s == "" {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r
}

func (s *Server) handleListImports(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, offset := parsePage(r)

	imps, err := s.engine.Imports().ListImports(ctx, limit, offset)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	views := make([]importView, 0, len(imps))
	for _, imp := range imps {
		v, err := s.view(ctx, imp, false)
		if err != nil {
			s.respondError(w, r, err, http.StatusInternalServerError)
			return
		}
		views = append(views, v)
	}
	writeJSON(w, map[string]any{
		"imports": views,
		"limit":   limit,
		"offset":  offset,
	})
}

func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	id, err := importID(r)
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	imp, err := s.engine.Imports().GetImport(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}
	v, err := s.view(r.Context(), imp, true)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, v)
}

// handleListRecords pages through the records an import created.
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := importID(r)
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	repo := s.engine.Imports()
	if _, err := repo.GetImport(ctx, id); err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}

	limit, offset := parsePage(r)
	entries, err := repo.ListLog(ctx, id, limit, offset)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	total, err := repo.CountLog(ctx, id)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}

	out := make([]logView, len(entries))
	for i, e := range entries {
		out[i] = logView{ID: e.ID, RecordType: e.RecordType, RecordID: e.RecordID, Identifier: e.Identifier}
	}
	writeJSON(w, map[string]any{
		"import_id": id,
		"records":   out,
		"total":     total,
		"limit":     limit,
		"offset":    offset,
	})
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "undo", s.engine.RequestUndo)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "resume", s.engine.RequestResume)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "stop", func(ctx context.Context, id int64, _ int) (*model.Import, error) {
		return s.engine.RequestStop(ctx, id)
	})
}

// runAction applies a status change and answers with the import as it stands afterwards.
func (s *Server) runAction(w http.ResponseWriter, r *http.Request, name string,
	action func(ctx context.Context, id int64, batchSize int) (*model.Import, error),
) {
	ctx := r.Context()
	id, err := importID(r)
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	var req actionRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}

	imp, err := action(ctx, id, req.BatchSize)
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}
	logging.ForImport(ctx, id).Info("import action requested", "action", name, "status", imp.Status)

	v, err := s.view(ctx, imp, false)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeStatus(w, http.StatusAccepted, v)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	id, err := importID(r)
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	if err := s.engine.ClearHistory(r.Context(), id); err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
