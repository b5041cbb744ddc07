package importer

import (
	"context"
	"log/slog"

	"github.com/go-faster/errors"

	"github.com/JonMunkholm/csvimport/internal/ingest"
	"github.com/JonMunkholm/csvimport/internal/record"
)

// storedRemover is implemented by ingesters that keep the bytes of ingested files,
// such as ingest.Service.
type storedRemover interface {
	Remove(filename string) error
}

// purger deletes records together with the stored bytes of their files.
type purger struct {
	records record.Store
	files   ingest.Ingester
	logger  *slog.Logger
}

// delete removes the record and, once it is gone, the stored files of a File record or
// of every file of an Item. Missing records return record.ErrNotFound.
func (p purger) delete(ctx context.Context, t record.Type, id int64) error {
	names, err := p.storedNames(ctx, t, id)
	if err != nil {
		return err
	}
	if err := p.records.Delete(ctx, t, id); err != nil {
		return err
	}
	p.removeStored(names...)
	return nil
}

// discard deletes a record the current row created but could not finish. It runs even
// when ctx is cancelled, so an interrupted row leaves nothing behind.
func (p purger) discard(ctx context.Context, t record.Type, id int64) {
	err := p.delete(context.WithoutCancel(ctx), t, id)
	if err != nil && !errors.Is(err, record.ErrNotFound) {
		p.logger.Error("cannot remove record of a failed row",
			"record_type", t,
			"record_id", id,
			"error", err,
		)
	}
}

func (p purger) storedNames(ctx context.Context, t record.Type, id int64) ([]string, error) {
	if _, ok := p.files.(storedRemover); !ok {
		return nil, nil
	}
	var files []*record.Record
	switch t {
	case record.TypeFile:
		f, err := p.records.Get(ctx, t, id)
		if err != nil {
			return nil, err
		}
		files = []*record.Record{f}
	case record.TypeItem:
		var err error
		if files, err = p.records.ItemFiles(ctx, id); err != nil {
			return nil, errors.Wrapf(err, "list files of item %d", id)
		}
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if f.Filename != "" {
			names = append(names, f.Filename)
		}
	}
	return names, nil
}

// removeStored deletes stored file bytes. Failures leave an orphan on disk and are
// only logged.
func (p purger) removeStored(names ...string) {
	rm, ok := p.files.(storedRemover)
	if !ok {
		return
	}
	for _, name := range names {
		if err := rm.Remove(name); err != nil {
			p.logger.Warn("cannot remove stored file", "filename", name, "error", err)
		}
	}
}
