package web

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/JonMunkholm/csvimport/internal/ingest"
)

// ErrTooManyUploads is returned when every staging slot stays taken for the whole
// wait time. Clients should retry after a short delay.
var ErrTooManyUploads = errors.New("too many concurrent uploads, please try again later")

// Stager writes uploaded import files into the upload directory. Only a fixed number
// of uploads are staged at once, since each one is written to disk and sniffed before
// an import can be created from it.
type Stager struct {
	dir     ingest.UploadDir
	slots   chan struct{}
	maxWait time.Duration

	mu     sync.Mutex
	active int
}

// NewStager returns a Stager for dir with slots parallel uploads.
func NewStager(dir ingest.UploadDir, slots int, maxWait time.Duration) *Stager {
	return &Stager{
		dir:     dir,
		slots:   make(chan struct{}, max(slots, 1)),
		maxWait: maxWait,
	}
}

// Staged is an upload holding a staging slot. Done must be called once the import
// was created or rejected.
type Staged struct {
	s    *Stager
	Path string
	kept bool
}

// Stage waits for a slot and stores r as a new upload file.
func (s *Stager) Stage(ctx context.Context, r io.Reader) (*Staged, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.maxWait)
	defer cancel()

	select {
	case s.slots <- struct{}{}:
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrTooManyUploads
	}
	s.mu.Lock()
	s.active++
	s.mu.Unlock()

	path, err := s.dir.Store(r)
	if err != nil {
		s.release()
		return nil, err
	}
	return &Staged{s: s, Path: path}, nil
}

// Keep hands the file over to the import created from it.
func (st *Staged) Keep() {
	st.kept = true
}

// Done frees the slot. A file no import was created from is removed.
func (st *Staged) Done() {
	if !st.kept {
		if err := st.s.dir.Remove(st.Path); err != nil {
			slog.Warn("cannot remove rejected upload", "path", st.Path, "error", err)
		}
	}
	st.s.release()
}

func (s *Stager) release() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	<-s.slots
}

// Active returns the number of uploads being staged.
func (s *Stager) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// WaitForDrain blocks until no upload is being staged or ctx is done.
func (s *Stager) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for s.Active() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
