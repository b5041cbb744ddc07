package main

import (
	"context"
	"io/fs"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"

	"github.com/JonMunkholm/csvimport/internal/columnmap"
	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/model"
	"github.com/JonMunkholm/csvimport/internal/rowsource"
)

type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string {
	return e.err.Error()
}

func (e *cliError) Unwrap() error {
	return e.err
}

const (
	exitOK          = 0
	exitFailed      = 1
	exitValidation  = 2
	exitUsage       = 3
	exitDB          = 4
	exitState       = 5
	exitInterrupted = 6
)

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &cliError{code: code, err: err}
}

// exitCode picks the process exit code for err. Errors without an explicit code
// are classified by what went wrong.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}

	var (
		verrs     validator.ValidationErrors
		malformed *rowsource.MalformedRowError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, importer.ErrShutdown):
		return exitInterrupted
	case errors.Is(err, model.ErrNotFound),
		errors.Is(err, importer.ErrInvalidTransition),
		errors.Is(err, model.ErrImportStarted):
		return exitState
	case errors.As(err, &verrs), errors.As(err, &malformed),
		errors.Is(err, columnmap.ErrInvalidValue),
		errors.Is(err, columnmap.ErrUnknownElement),
		errors.Is(err, columnmap.ErrUnknownKind),
		errors.Is(err, rowsource.ErrEmptyFile),
		errors.Is(err, fs.ErrNotExist):
		return exitValidation
	}
	return exitFailed
}
