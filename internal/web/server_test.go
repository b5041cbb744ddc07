package web

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/csvimport/internal/config"
	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/ingest"
	"github.com/JonMunkholm/csvimport/internal/metrics"
	"github.com/JonMunkholm/csvimport/internal/model"
	"github.com/JonMunkholm/csvimport/internal/record"
	"github.com/JonMunkholm/csvimport/internal/store/memstore"
)

const itemsCSV = "Identifier,Dublin Core:Title\n,Sunset\n,Dawn\n"

const manageOptions = `{
	"format": "ManageRecords",
	"columns": [
		{"column": "Identifier", "kind": "Identifier"},
		{"column": "Dublin Core:Title", "kind": "Element", "options": {"element_name": "Dublin Core:Title"}}
	]
}`

type taskQueue struct {
	mu    sync.Mutex
	tasks []importer.Task
}

func (q *taskQueue) Enqueue(_ context.Context, t importer.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *taskQueue) pop() (importer.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return importer.Task{}, false
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t, true
}

type noFiles struct{}

func (noFiles) Ingest(context.Context, string) (*record.Record, error) {
	return nil, ingest.ErrInvalidSource
}

type testEnv struct {
	server   *Server
	handler  http.Handler
	engine   *importer.Engine
	imports  *memstore.Imports
	queue    *taskQueue
	registry *prometheus.Registry
	cfg      *config.Config
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))

	cfg := &config.Config{
		Import: config.ImportConfig{
			StorageDir:           filepath.Join(t.TempDir(), "imports"),
			MaxFileSize:          1 << 20,
			MaxConcurrentUploads: 2,
			MaxWaitTime:          time.Second,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	env := &testEnv{
		imports:  memstore.NewImports(),
		queue:    &taskQueue{},
		registry: prometheus.NewRegistry(),
		cfg:      cfg,
	}
	env.engine = importer.NewEngine(env.imports, memstore.NewRecords(), noFiles{}, env.queue,
		importer.WithObserver(metrics.New(env.registry)),
	)
	env.server = NewServer(env.engine, cfg, WithGatherer(env.registry))
	env.handler = env.server.Router()
	t.Cleanup(func() { _ = env.server.Shutdown(context.Background()) })
	return env
}

func (env *testEnv) drain(t *testing.T) {
	t.Helper()
	for i := 0; ; i++ {
		task, ok := env.queue.pop()
		if !ok {
			return
		}
		require.NoError(t, env.engine.Run(context.Background(), task))
		require.Less(t, i, 100, "runaway queue")
	}
}

func (env *testEnv) upload(t *testing.T, filename, content, options string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	if options != "" {
		require.NoError(t, mw.WriteField("options", options))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/imports", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestImportLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.upload(t, "items.csv", itemsCSV, manageOptions)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[importView](t, rec)
	assert.Equal(t, model.StatusQueued, created.Status)
	assert.Equal(t, "items.csv", created.OriginalFilename)
	assert.Len(t, created.Columns, 2)

	stored, err := os.ReadDir(env.cfg.Import.StorageDir)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, strings.HasSuffix(stored[0].Name(), ".csv"))

	env.drain(t)

	path := "/api/imports/" + itoa(created.ID)
	got := decode[importView](t, env.do(t, http.MethodGet, path, ""))
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.RowCount)
	assert.Equal(t, 2, got.ImportedCount)
	assert.Equal(t, 2, got.Logged[record.TypeItem])
	assert.True(t, got.CanUndo)
	assert.False(t, got.CanClearHistory)

	recs := decode[struct {
		Records []logView `json:"records"`
		Total   int       `json:"total"`
	}](t, env.do(t, http.MethodGet, path+"/records?limit=1", ""))
	assert.Equal(t, 2, recs.Total)
	require.Len(t, recs.Records, 1)
	assert.Equal(t, record.TypeItem, recs.Records[0].RecordType)

	rec = env.do(t, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusConflict, rec.Code, "records still exist")

	rec = env.do(t, http.MethodPost, path+"/undo", `{"batch_size": 1}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, model.StatusQueuedUndo, decode[importView](t, rec).Status)

	env.drain(t)

	got = decode[importView](t, env.do(t, http.MethodGet, path, ""))
	assert.Equal(t, model.StatusCompletedUndo, got.Status)
	assert.True(t, got.CanClearHistory)

	rec = env.do(t, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "IMP001", decode[ErrorResponse](t, rec).Code)
}

func TestCreateImport_Rejections(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Import.MaxFileSize = 64 })

	tests := []struct {
		name     string
		filename string
		content  string
		options  string
		status   int
		code     string
	}{
		{"missing format", "a.csv", itemsCSV, `{}`, http.StatusBadRequest, "VAL001"},
		{"unknown format", "a.csv", itemsCSV, `{"format": "Bogus"}`, http.StatusBadRequest, "VAL001"},
		{"long delimiter", "a.csv", itemsCSV, `{"format": "Report", "delimiter": ";;"}`, http.StatusBadRequest, "VAL001"},
		{"unknown option", "a.csv", itemsCSV, `{"format": "Report", "color": "red"}`, http.StatusBadRequest, "REQ001"},
		{"no mapped column", "a.csv", itemsCSV, `{"format": "ManageRecords"}`, http.StatusBadRequest, "ROW002"},
		{"binary file", "a.csv", "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR", `{"format": "ManageRecords"}`, http.StatusBadRequest, "UPL002"},
		{"too large", "a.csv", strings.Repeat("x,y\n", 40), manageOptions, http.StatusRequestEntityTooLarge, "FILE001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.upload(t, tt.filename, tt.content, tt.options)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}

	stored, err := os.ReadDir(env.cfg.Import.StorageDir)
	if !errors.Is(err, os.ErrNotExist) {
		require.NoError(t, err)
		assert.Empty(t, stored, "rejected uploads are removed")
	}
	n, err := env.imports.ListImports(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, n)
}

func TestImportActions(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.upload(t, "items.csv", itemsCSV, strings.Replace(manageOptions, `"format"`, `"queue": false, "format"`, 1))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[importView](t, rec).ID
	path := "/api/imports/" + itoa(id)

	rec = env.do(t, http.MethodPost, path+"/stop", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, model.StatusPaused, decode[importView](t, rec).Status)

	rec = env.do(t, http.MethodPost, path+"/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "IMP002", decode[ErrorResponse](t, rec).Code)

	rec = env.do(t, http.MethodPost, path+"/undo", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, path+"/resume", `{"batch_size": -1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, path+"/resume", `{"batch_size": 1}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, model.StatusQueued, decode[importView](t, rec).Status)

	env.drain(t)
	got := decode[importView](t, env.do(t, http.MethodGet, path, ""))
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.RowCount)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/imports/abc", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/imports/999/resume", "").Code)
}

func TestListImports(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated, env.upload(t, "items.csv", itemsCSV, manageOptions).Code)
	}

	list := decode[struct {
		Imports []importView `json:"imports"`
		Limit   int          `json:"limit"`
	}](t, env.do(t, http.MethodGet, "/api/imports?limit=2&offset=0", ""))
	assert.Equal(t, 2, list.Limit)
	require.Len(t, list.Imports, 2)
	assert.Greater(t, list.Imports[0].ID, list.Imports[1].ID, "newest first")
	assert.Nil(t, list.Imports[0].Defaults, "list omits the mapping")
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusCreated, env.upload(t, "items.csv", itemsCSV, manageOptions).Code)
	env.drain(t)

	rec = env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `csvimport_rows_total{format="ManageRecords",outcome="created"} 2`)

	failing := NewServer(env.engine, env.cfg, WithHealthCheck(func(context.Context) error {
		return errors.New("db down")
	}))
	rec = httptest.NewRecorder()
	failing.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPIKeyAndRateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Security = config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"secret"}}
		c.Rate = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2}
	})

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/imports", "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code, "probes need no key")

	get := func() int {
		req := httptest.NewRequest(http.MethodGet, "/api/imports", nil)
		req.Header.Set("X-API-Key", "secret")
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, get())
	assert.Equal(t, http.StatusOK, get())
	assert.Equal(t, http.StatusTooManyRequests, get())
}

func itoa(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
