// Package ingest copies the files referenced by CSV rows into local storage.
//
// Sources are either http(s) URLs, downloaded with a plain GET, or local paths.
// Local paths are only accepted when the LocalPolicy allows them and they
// resolve inside the configured base directory.
package ingest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/JonMunkholm/csvimport/internal/record"
)

var (
	// ErrLocalPathDenied is returned for local sources outside the allowed base directory.
	ErrLocalPathDenied = errors.New("local path not allowed")
	// ErrInvalidSource is returned for empty or unsupported sources.
	ErrInvalidSource = errors.New("invalid file source")
	// ErrTooLarge is returned when a source exceeds the configured size limit.
	ErrTooLarge = errors.New("file too large")
	// ErrUnsupportedFile is returned for uploaded import files that are not text.
	ErrUnsupportedFile = errors.New("unsupported file type")
)

// Ingester turns a source reference into an unsaved File record.
type Ingester interface {
	Ingest(ctx context.Context, source string) (*record.Record, error)
}

// LocalPolicy decides which local paths may be ingested.
type LocalPolicy struct {
	Allow   bool
	BaseDir string
}

// Check returns the resolved path of p when the policy accepts it.
//
// The base directory must be an absolute, already resolved path longer than two
// characters, and p must resolve to the base itself or to a path below it.
func (lp LocalPolicy) Check(p string) (string, error) {
	if !lp.Allow {
		return "", errors.Wrap(ErrLocalPathDenied, "local paths are disabled")
	}
	base := lp.BaseDir
	if len(base) <= 2 {
		return "", errors.Wrapf(ErrLocalPathDenied, "base directory %q too short", base)
	}
	realBase, err := filepath.EvalSymlinks(base)
	if err != nil || realBase != base || !filepath.IsAbs(realBase) {
		return "", errors.Wrapf(ErrLocalPathDenied, "base directory %q is not a resolved absolute path", base)
	}

	real, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", errors.Wrapf(ErrLocalPathDenied, "resolve %q", p)
	}
	real, err = filepath.Abs(real)
	if err != nil {
		return "", errors.Wrapf(ErrLocalPathDenied, "resolve %q", p)
	}

	if real != realBase && !strings.HasPrefix(real, realBase+string(filepath.Separator)) {
		return "", errors.Wrapf(ErrLocalPathDenied, "%q is outside %q", p, realBase)
	}
	return real, nil
}

// Service ingests files into StorageDir.
type Service struct {
	StorageDir string
	Policy     LocalPolicy
	Client     *http.Client
	// MaxSize limits a single file in bytes. Zero means no limit.
	MaxSize int64
}

// NewService returns a Service with a default HTTP client.
func NewService(storageDir string, policy LocalPolicy, maxSize int64) *Service {
	return &Service{
		StorageDir: storageDir,
		Policy:     policy,
		Client:     &http.Client{Timeout: 2 * time.Minute},
		MaxSize:    maxSize,
	}
}

// Ingest copies source into storage and returns the File record describing it.
// The record has no id and no item; the caller inserts it.
func (s *Service) Ingest(ctx context.Context, source string) (*record.Record, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, ErrInvalidSource
	}

	var (
		body     io.ReadCloser
		original string
	)

	u, err := url.Parse(source)
	switch {
	case err == nil && (u.Scheme == "http" || u.Scheme == "https"):
		body, err = s.download(ctx, source)
		if err != nil {
			return nil, err
		}
		original = path.Base(u.Path)
	case err == nil && u.Scheme == "file":
		body, original, err = s.openLocal(u.Path)
		if err != nil {
			return nil, err
		}
	case err == nil && u.Scheme != "" && len(u.Scheme) > 1:
		return nil, errors.Wrapf(ErrInvalidSource, "unsupported scheme %q", u.Scheme)
	default:
		body, original, err = s.openLocal(source)
		if err != nil {
			return nil, err
		}
	}
	defer body.Close()

	if original == "" || original == "/" || original == "." {
		original = "file"
	}
	return s.store(body, source, original)
}

func (s *Service) download(ctx context.Context, src string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidSource, err.Error())
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "download %s", src)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Errorf("download %s: status %d", src, resp.StatusCode)
	}
	return resp.Body, nil
}

func (s *Service) openLocal(p string) (io.ReadCloser, string, error) {
	real, err := s.Policy.Check(p)
	if err != nil {
		return nil, "", err
	}
	f, err := os.Open(real)
	if err != nil {
		return nil, "", errors.Wrap(err, "open local file")
	}
	return f, filepath.Base(real), nil
}

func (s *Service) store(body io.Reader, source, original string) (*record.Record, error) {
	if err := os.MkdirAll(s.StorageDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	name := uuid.NewString() + strings.ToLower(filepath.Ext(original))
	dst := filepath.Join(s.StorageDir, name)
	out, err := os.Create(dst)
	if err != nil {
		return nil, errors.Wrap(err, "create stored file")
	}

	hash := md5.New()
	reader := body
	if s.MaxSize > 0 {
		reader = io.LimitReader(body, s.MaxSize+1)
	}
	size, err := io.Copy(io.MultiWriter(out, hash), reader)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && s.MaxSize > 0 && size > s.MaxSize {
		err = errors.Wrapf(ErrTooLarge, "%s exceeds %d bytes", source, s.MaxSize)
	}
	if err != nil {
		os.Remove(dst)
		return nil, errors.Wrap(err, "store file")
	}

	mime, err := mimetype.DetectFile(dst)
	if err != nil {
		os.Remove(dst)
		return nil, errors.Wrap(err, "detect mime type")
	}

	return &record.Record{
		Type:             record.TypeFile,
		Source:           source,
		Filename:         name,
		OriginalFilename: original,
		Authentication:   hex.EncodeToString(hash.Sum(nil)),
		MimeType:         mime.String(),
		Size:             size,
	}, nil
}

// Remove deletes a stored file. A missing file is not an error.
func (s *Service) Remove(filename string) error {
	if filename == "" || filepath.Base(filename) != filename {
		return errors.Wrapf(ErrInvalidSource, "stored name %q", filename)
	}
	err := os.Remove(filepath.Join(s.StorageDir, filename))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove stored file")
	}
	return nil
}

// UploadDir holds the uploaded CSV files of imports.
type UploadDir string

// Store copies an import file into the directory under a new name and returns its
// path. Content that is not text is refused with ErrUnsupportedFile.
func (d UploadDir) Store(r io.Reader) (string, error) {
	if err := os.MkdirAll(string(d), 0o755); err != nil {
		return "", errors.Wrap(err, "create storage dir")
	}
	p := filepath.Join(string(d), uuid.NewString()+".csv")

	dst, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", errors.Wrap(err, "create upload file")
	}
	_, err = io.Copy(dst, r)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = checkText(p)
	}
	if err != nil {
		os.Remove(p)
		return "", err
	}
	return p, nil
}

func checkText(p string) error {
	mtype, err := mimetype.DetectFile(p)
	if err != nil {
		return errors.Wrap(err, "detect upload type")
	}
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return nil
		}
	}
	return errors.Wrapf(ErrUnsupportedFile, "detected %s", mtype.String())
}

// Remove deletes an uploaded import file. Paths outside the directory are refused
// and a missing file is not an error.
func (d UploadDir) Remove(p string) error {
	dir, err := filepath.Abs(string(d))
	if err != nil {
		return errors.Wrap(err, "resolve upload dir")
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return errors.Wrap(err, "resolve import file")
	}
	rel, err := filepath.Rel(dir, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errors.Wrapf(ErrLocalPathDenied, "import file %q is outside %q", p, dir)
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove import file")
	}
	return nil
}
