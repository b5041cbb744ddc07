package importer

// error_messages.go maps technical errors to user-facing messages with codes for
// support reference.
//
// # Import Errors (IMP001-IMP099)
//
//	IMP001 - Import not found
//	IMP002 - Operation not allowed in the current status
//	IMP003 - Mapping is immutable once the import started
//	IMP004 - Unknown format
//	IMP005 - Import interrupted
//
// # Row Errors (ROW001-ROW099)
//
//	ROW001 - Row skipped (row-level failure)
//	ROW002 - Invalid cell value
//	ROW003 - Unknown metadata element
//	ROW004 - Record not found
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - Attached file too large
//	FILE002 - Malformed CSV row
//	FILE003 - Empty CSV file
//	FILE004 - Local path not allowed
//	FILE005 - Invalid file source
//	FILE006 - Import file missing
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Duplicate key
//	DB004 - Connection refused
//	DB006 - Timeout
//
// Sentinel errors are matched first with errors.Is, in table order. When none
// matches, the lower-cased message is searched for known patterns. ERR000 is the
// fallback; check the application logs for the original error.

import (
	"fmt"
	"io/fs"
	"strings"

	"github.com/go-faster/errors"

	"github.com/JonMunkholm/csvimport/internal/columnmap"
	"github.com/JonMunkholm/csvimport/internal/ingest"
	"github.com/JonMunkholm/csvimport/internal/model"
	"github.com/JonMunkholm/csvimport/internal/record"
	"github.com/JonMunkholm/csvimport/internal/rowsource"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

type sentinelMessage struct {
	target error
	msg    UserMessage
}

var sentinelMessages = []sentinelMessage{
	{model.ErrNotFound, UserMessage{"Import not found", "Check the import id", "IMP001"}},
	{ErrInvalidTransition, UserMessage{"This operation is not allowed in the current import status", "Refresh the import status and try again", "IMP002"}},
	{model.ErrImportStarted, UserMessage{"The mapping cannot change after the import started", "Create a new import with the new mapping", "IMP003"}},
	{ErrInterrupted, UserMessage{"The import was interrupted", "It is queued again and resumes from its checkpoint", "IMP005"}},
	{ErrShutdown, UserMessage{"The import was stopped by a shutdown", "Queue the import again to resume it", "IMP005"}},
	{ErrStopRequested, UserMessage{"The import was stopped", "Resume the import to continue from its checkpoint", "IMP005"}},
	{ingest.ErrTooLarge, UserMessage{"Attached file exceeds the size limit", "Reduce the file size or raise the limit", "FILE001"}},
	{ingest.ErrLocalPathDenied, UserMessage{"Local file path is not allowed", "Use a URL or a path inside the allowed base directory", "FILE004"}},
	{ingest.ErrInvalidSource, UserMessage{"File reference is not a valid URL or path", "Check the file column values", "FILE005"}},
	{rowsource.ErrEmptyFile, UserMessage{"The CSV file is empty", "Upload a file with a header row", "FILE003"}},
	{fs.ErrNotExist, UserMessage{"The import file no longer exists", "Upload the file again", "FILE006"}},
	{columnmap.ErrUnknownElement, UserMessage{"A mapped metadata element does not exist", "Check the element names of the mapping", "ROW003"}},
	{columnmap.ErrInvalidValue, UserMessage{"A cell or option has an invalid value", "Check the values against the allowed list", "ROW002"}},
	{columnmap.ErrUnknownKind, UserMessage{"A column is mapped to an unknown type", "Check the mapping configuration", "ROW002"}},
	{record.ErrNotFound, UserMessage{"Record not found", "Check the identifier and identifier field", "ROW004"}},
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	{"unknown import format", UserMessage{"Unknown import format", "Use ManageRecords or Report", "IMP004"}},
	{"malformed row", UserMessage{"A CSV row does not match the header", "Ensure every row has the same number of columns as the header", "FILE002"}},
	{"duplicate key", UserMessage{"A record with this key already exists", "Check for duplicate identifiers", "DB001"}},
	{"connection refused", UserMessage{"Unable to connect to database", "Please try again in a few moments", "DB004"}},
	{"timeout", UserMessage{"Operation timed out", "Try again later or use a smaller batch size", "DB006"}},
	{"context deadline exceeded", UserMessage{"Request timed out", "Please try again", "DB006"}},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

var rowMessage = UserMessage{
	Message: "The row was skipped",
	Action:  "Fix the row and import it again",
	Code:    "ROW001",
}

// MapError converts a technical error to a user-friendly message.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	for _, sm := range sentinelMessages {
		if errors.Is(err, sm.target) {
			return sm.msg
		}
	}

	var malformed *rowsource.MalformedRowError
	if errors.As(err, &malformed) {
		return errorPatterns[1].msg
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	if IsRowError(err) {
		return rowMessage
	}
	return defaultMessage
}

// FormatUserError formats err as "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific message rather than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
