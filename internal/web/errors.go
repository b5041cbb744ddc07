package web

// errors.go provides unified error response handling for the web layer.
//
// Every error is logged with its technical detail and the request id, then
// returned to the client as the user-facing message of importer.MapError.
// Request validation failures carry the offending fields instead.

import (
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"

	"github.com/JonMunkholm/csvimport/internal/columnmap"
	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/ingest"
	"github.com/JonMunkholm/csvimport/internal/model"
	"github.com/JonMunkholm/csvimport/internal/rowsource"
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// errBadRequest marks malformed requests the catalog has no entry for.
var errBadRequest = errors.New("bad request")

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var (
		verrs     validator.ValidationErrors
		malformed *rowsource.MalformedRowError
	)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, importer.ErrInvalidTransition), errors.Is(err, model.ErrImportStarted):
		return http.StatusConflict
	case errors.Is(err, ErrTooManyUploads):
		return http.StatusServiceUnavailable
	case errors.Is(err, ingest.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &verrs), errors.As(err, &malformed),
		errors.Is(err, errBadRequest),
		errors.Is(err, ingest.ErrUnsupportedFile),
		errors.Is(err, columnmap.ErrInvalidValue),
		errors.Is(err, columnmap.ErrUnknownElement),
		errors.Is(err, columnmap.ErrUnknownKind),
		errors.Is(err, rowsource.ErrEmptyFile),
		errors.Is(err, fs.ErrNotExist),
		strings.Contains(err.Error(), "unknown import format"):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// respondError logs err with request context and writes the user-facing message.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	msg := errorResponse(err)

	level := slog.LevelWarn
	if statusCode >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.Log(r.Context(), level, "request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", statusCode,
		"error", err.Error(),
		"code", msg.Code,
		"request_id", middleware.GetReqID(r.Context()),
	)

	if statusCode == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeStatus(w, statusCode, msg)
}

func errorResponse(err error) ErrorResponse {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
		}
		msg := "Invalid import options: " + strings.Join(fields, ", ")
		return ErrorResponse{Error: msg, Message: msg, Action: "Fix the options and submit again", Code: "VAL001"}
	}
	switch {
	case errors.Is(err, ErrTooManyUploads):
		return ErrorResponse{
			Error:   ErrTooManyUploads.Error(),
			Message: "The server is busy with other uploads",
			Action:  "Retry in a few seconds",
			Code:    "UPL001",
		}
	case errors.Is(err, ingest.ErrUnsupportedFile):
		return ErrorResponse{
			Error:   ingest.ErrUnsupportedFile.Error(),
			Message: "The uploaded file is not a CSV text file",
			Action:  "Upload a comma or tab separated text file",
			Code:    "UPL002",
		}
	case errors.Is(err, errBadRequest):
		msg := strings.TrimSuffix(err.Error(), ": "+errBadRequest.Error())
		return ErrorResponse{Error: msg, Message: msg, Action: "Check the request and try again", Code: "REQ001"}
	}

	um := importer.MapError(err)
	return ErrorResponse{
		Error:   um.Message,
		Message: um.Message,
		Action:  um.Action,
		Code:    um.Code,
	}
}
