package ingest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resolvedTempDir returns a temp dir with symlinks resolved (macOS /var -> /private/var).
func resolvedTempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func TestLocalPolicy_Check(t *testing.T) {
	base := resolvedTempDir(t)
	inside := filepath.Join(base, "photos", "a.jpg")
	require.NoError(t, os.MkdirAll(filepath.Dir(inside), 0o755))
	require.NoError(t, os.WriteFile(inside, []byte("x"), 0o600))

	outsideDir := resolvedTempDir(t)
	outside := filepath.Join(outsideDir, "b.jpg")
	require.NoError(t, os.WriteFile(outside, []byte("y"), 0o600))

	sibling := base + "-evil"
	require.NoError(t, os.MkdirAll(sibling, 0o755))
	t.Cleanup(func() { os.RemoveAll(sibling) })
	siblingFile := filepath.Join(sibling, "c.jpg")
	require.NoError(t, os.WriteFile(siblingFile, []byte("z"), 0o600))

	tests := []struct {
		name    string
		policy  LocalPolicy
		path    string
		allowed bool
	}{
		{"inside base", LocalPolicy{Allow: true, BaseDir: base}, inside, true},
		{"base itself", LocalPolicy{Allow: true, BaseDir: base}, base, true},
		{"disabled", LocalPolicy{Allow: false, BaseDir: base}, inside, false},
		{"outside base", LocalPolicy{Allow: true, BaseDir: base}, outside, false},
		{"traversal", LocalPolicy{Allow: true, BaseDir: base}, filepath.Join(base, "..", filepath.Base(outsideDir), "b.jpg"), false},
		{"prefix sibling", LocalPolicy{Allow: true, BaseDir: base}, siblingFile, false},
		{"short base", LocalPolicy{Allow: true, BaseDir: "/"}, inside, false},
		{"unresolved base", LocalPolicy{Allow: true, BaseDir: base + "/photos/.."}, inside, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.policy.Check(tt.path)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrLocalPathDenied)
			}
		})
	}
}

func TestService_IngestLocal(t *testing.T) {
	base := resolvedTempDir(t)
	src := filepath.Join(base, "Photo.PNG")
	content := []byte("\x89PNG\r\n\x1a\n0000")
	require.NoError(t, os.WriteFile(src, content, 0o600))

	storage := t.TempDir()
	svc := NewService(storage, LocalPolicy{Allow: true, BaseDir: base}, 0)

	f, err := svc.Ingest(context.Background(), src)
	require.NoError(t, err)

	sum := md5.Sum(content)
	assert.Equal(t, "Photo.PNG", f.OriginalFilename)
	assert.Equal(t, hex.EncodeToString(sum[:]), f.Authentication)
	assert.Equal(t, "image/png", f.MimeType)
	assert.Equal(t, int64(len(content)), f.Size)
	assert.Equal(t, ".png", filepath.Ext(f.Filename))
	assert.FileExists(t, filepath.Join(storage, f.Filename))

	require.NoError(t, svc.Remove(f.Filename))
	assert.NoFileExists(t, filepath.Join(storage, f.Filename))
}

func TestService_IngestURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files/doc.txt" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	svc := NewService(t.TempDir(), LocalPolicy{}, 0)

	f, err := svc.Ingest(context.Background(), srv.URL+"/files/doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "doc.txt", f.OriginalFilename)
	assert.Equal(t, int64(5), f.Size)

	_, err = svc.Ingest(context.Background(), srv.URL+"/missing.txt")
	assert.Error(t, err)
}

func TestService_IngestRejects(t *testing.T) {
	svc := NewService(t.TempDir(), LocalPolicy{}, 3)

	_, err := svc.Ingest(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidSource)

	_, err = svc.Ingest(context.Background(), "ftp://example.com/a.txt")
	assert.ErrorIs(t, err, ErrInvalidSource)

	_, err = svc.Ingest(context.Background(), "/etc/hosts")
	assert.ErrorIs(t, err, ErrLocalPathDenied)
}

func TestService_MaxSize(t *testing.T) {
	base := resolvedTempDir(t)
	src := filepath.Join(base, "big.txt")
	require.NoError(t, os.WriteFile(src, []byte("0123456789"), 0o600))

	storage := t.TempDir()
	svc := NewService(storage, LocalPolicy{Allow: true, BaseDir: base}, 4)

	_, err := svc.Ingest(context.Background(), src)
	assert.ErrorIs(t, err, ErrTooLarge)

	entries, err := os.ReadDir(storage)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadDir_Remove(t *testing.T) {
	dir := t.TempDir()
	inside := filepath.Join(dir, "a.csv")
	require.NoError(t, os.WriteFile(inside, []byte("x"), 0o600))
	outside := filepath.Join(t.TempDir(), "b.csv")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o600))

	d := UploadDir(dir)
	require.NoError(t, d.Remove(inside))
	assert.NoFileExists(t, inside)
	assert.NoError(t, d.Remove(inside), "missing file is fine")

	assert.ErrorIs(t, d.Remove(outside), ErrLocalPathDenied)
	assert.FileExists(t, outside)
	assert.ErrorIs(t, d.Remove(filepath.Join(dir, "..", "b.csv")), ErrLocalPathDenied)
	assert.ErrorIs(t, d.Remove(dir), ErrLocalPathDenied)
}

func TestUploadDir_Store(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "imports")
	d := UploadDir(dir)

	p, err := d.Store(strings.NewReader("Identifier,Title\n1,Sunset\n"))
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(p))
	assert.Equal(t, ".csv", filepath.Ext(p))
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "Identifier,Title\n1,Sunset\n", string(b))

	png := "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01"
	_, err = d.Store(strings.NewReader(png))
	assert.ErrorIs(t, err, ErrUnsupportedFile)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "rejected file is removed")
}
