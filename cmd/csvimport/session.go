package main

import (
	"context"
	"log/slog"
	"path"
	"time"

	"github.com/go-faster/errors"

	"github.com/JonMunkholm/csvimport/internal/config"
	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/ingest"
	"github.com/JonMunkholm/csvimport/internal/model"
	"github.com/JonMunkholm/csvimport/internal/queue"
	"github.com/JonMunkholm/csvimport/internal/record"
	"github.com/JonMunkholm/csvimport/internal/store/memstore"
	"github.com/JonMunkholm/csvimport/internal/store/pgstore"
)

const shutdownGrace = 30 * time.Second

// session is an engine with a single worker runner, backed by PostgreSQL or, for
// dry runs, by memory.
type session struct {
	cfg    *config.Config
	engine *importer.Engine
	runner *queue.Runner
	dryRun bool
	close  func()
}

// previewFiles stands in for file ingestion during dry runs. Nothing is fetched.
type previewFiles struct{}

func (previewFiles) Ingest(_ context.Context, src string) (*record.Record, error) {
	return &record.Record{
		Type:             record.TypeFile,
		Source:           src,
		Filename:         path.Base(src),
		OriginalFilename: path.Base(src),
	}, nil
}

func openSession(ctx context.Context, dryRun bool) (*session, error) {
	if dryRun {
		cfg, err := config.LoadOffline()
		if err != nil {
			return nil, withCode(exitUsage, err)
		}
		return newSession(cfg, memstore.NewImports(), memstore.NewRecords(), previewFiles{}, true, func() {}), nil
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, withCode(exitUsage, err)
	}
	pool, err := pgstore.Connect(ctx, cfg.Database.URL, pgstore.PoolConfig{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		return nil, withCode(exitDB, err)
	}
	files := ingest.NewService(cfg.Import.FilesDir, ingest.LocalPolicy{
		Allow:   cfg.Import.AllowLocalPaths,
		BaseDir: cfg.Import.LocalBaseDir,
	}, int64(cfg.Import.MaxFileSize))
	return newSession(cfg, pgstore.NewImports(pool), pgstore.NewRecords(pool), files, false, pool.Close), nil
}

func newSession(cfg *config.Config, imports model.Repository, records record.Store, files ingest.Ingester, dryRun bool, closeFn func()) *session {
	engine := importer.NewEngine(imports, records, files, nil,
		importer.WithBatchSize(cfg.Import.BatchSize),
		importer.WithMemoryLimit(int64(cfg.Import.MemoryLimit)),
		importer.WithFileRemover(ingest.UploadDir(cfg.Import.StorageDir)),
	)
	runner := queue.NewRunner(engine, 1)
	engine.SetQueue(runner)
	engine.SetCanceller(runner)
	runner.Start()
	return &session{cfg: cfg, engine: engine, runner: runner, dryRun: dryRun, close: closeFn}
}

// wait blocks until every queued task has run. When ctx ends first the running
// import is stopped and the cancellation is returned.
func (s *session) wait(ctx context.Context) error {
	err := s.runner.WaitForDrain(ctx)
	if err == nil {
		return nil
	}
	slog.Warn("stopping running import", "reason", err)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if serr := s.runner.Shutdown(shutdownCtx); serr != nil {
		slog.Error("import did not stop in time", "error", serr)
	}
	return withCode(exitInterrupted, errors.Wrap(err, "interrupted"))
}

func (s *session) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = s.runner.Shutdown(shutdownCtx)
	s.close()
}

// settle waits for the queued work of import id and returns the stored import.
// An import that ends in an error status fails the command.
func (s *session) settle(ctx context.Context, id int64) (*model.Import, error) {
	if err := s.wait(ctx); err != nil {
		return s.reload(id), err
	}
	imp, err := s.engine.Imports().GetImport(ctx, id)
	if err != nil {
		return nil, withCode(exitDB, err)
	}
	if imp.Status.IsError() {
		return imp, withCode(exitFailed, errors.Errorf("import %d ended in %s: %s", id, imp.Status.Label(), imp.LastError))
	}
	return imp, nil
}

// reload reads the import after an interruption, when ctx is already done.
func (s *session) reload(id int64) *model.Import {
	imp, err := s.engine.Imports().GetImport(context.Background(), id)
	if err != nil {
		return nil
	}
	return imp
}
