package s3mirror

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeUploader struct {
	mu       sync.Mutex
	keys     []string
	failures int
}

func (f *fakeUploader) PutFile(ctx context.Context, objectKey, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("transient")
	}
	f.keys = append(f.keys, objectKey)
	return nil
}

func (f *fakeUploader) uploaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

func writeFile(t *testing.T, dir, rel string) string {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("segment"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestUploadKeyedRelativeToDataDir(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, filepath.Join("regions", "forest_7", "events-2026-08-30-11.jsonl.zst"))

	up := &fakeUploader{}
	m := New(up, dir, "worldplane", 1, 16, 0, nil)
	m.Enqueue(path)
	m.Close()

	keys := up.uploaded()
	if len(keys) != 1 {
		t.Fatalf("got %d uploads, want 1", len(keys))
	}
	want := "worldplane/regions/forest_7/events-2026-08-30-11.jsonl.zst"
	if keys[0] != want {
		t.Fatalf("key %q, want %q", keys[0], want)
	}
	st := m.Stats()
	if st.UploadSuccessTotal != 1 || st.UploadFailTotal != 0 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestRetriesTransientFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "blobs/ab/abcd.zst")

	up := &fakeUploader{failures: 2}
	m := New(up, dir, "", 1, 16, 0, nil)
	m.Enqueue(path)
	m.Close()

	if got := up.uploaded(); len(got) != 1 || got[0] != "blobs/ab/abcd.zst" {
		t.Fatalf("uploads: %v", got)
	}
	if st := m.Stats(); st.UploadSuccessTotal != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestSkipsPathsOutsideDataDir(t *testing.T) {
	dir := t.TempDir()
	outside := writeFile(t, t.TempDir(), "stray.zst")

	up := &fakeUploader{}
	m := New(up, dir, "", 1, 16, 0, nil)
	m.Enqueue(outside)
	m.Close()

	if got := up.uploaded(); len(got) != 0 {
		t.Fatalf("uploaded stray path: %v", got)
	}
}

func TestBlobWrittenEnqueues(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "blobs/cd/cdef.zst")

	up := &fakeUploader{}
	m := New(up, dir, "", 1, 16, time.Millisecond, nil)
	m.BlobWritten("cdef", path)
	m.Close()

	if got := up.uploaded(); len(got) != 1 {
		t.Fatalf("uploads: %v", got)
	}
}

func TestClientValidation(t *testing.T) {
	if _, err := NewClient("", "bucket", "auto", "ak", "sk"); err == nil {
		t.Fatalf("empty endpoint accepted")
	}
	c, err := NewClient("minio.local:9000", "bucket", "", "ak", "sk")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if c.endpoint != "https://minio.local:9000" || c.region != "auto" {
		t.Fatalf("defaults: endpoint=%q region=%q", c.endpoint, c.region)
	}
}

func TestNormalizeObjectKey(t *testing.T) {
	cases := map[string]string{
		"a/b/c":      "a/b/c",
		"/a/b":       "a/b",
		"a\\b":       "a/b",
		"../escape":  "",
		"":           "",
		"a/../../b":  "",
		"a//b/./c":   "a/b/c",
	}
	for in, want := range cases {
		if got := normalizeObjectKey(in); got != want {
			t.Fatalf("normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
