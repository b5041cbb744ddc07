package web

// handlers_common.go holds request parsing helpers shared by the handlers.

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// parseIntParam parses an integer query parameter with a default value.
// Values below floor fall back to the default.
func parseIntParam(r *http.Request, name string, defaultVal, floor int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < floor {
		return defaultVal
	}
	return i
}

// parsePage returns limit and offset from the query string.
func parsePage(r *http.Request) (limit, offset int) {
	limit = parseIntParam(r, "limit", defaultPageSize, 1)
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return limit, parseIntParam(r, "offset", 0, 0)
}

// importID parses the {id} route parameter.
func importID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Wrapf(errBadRequest, "invalid import id %q", raw)
	}
	return id, nil
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v unchanged.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrapf(errBadRequest, "invalid request body: %v", err)
	}
	return nil
}
