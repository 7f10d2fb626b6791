package blob

import (
	"bytes"
	"os"
	"sync"
	"testing"
)

func TestOffloadGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	payload := bytes.Repeat([]byte(`{"terrain":"mesh"}`), 100)
	ref, err := s.Offload(payload)
	if err != nil {
		t.Fatalf("offload: %v", err)
	}
	if len(ref) != 64 {
		t.Fatalf("ref length %d, want 64", len(ref))
	}
	got, err := s.Get(ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch after round trip")
	}
}

func TestOffloadIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ref1, err := s.Offload([]byte("same bytes"))
	if err != nil {
		t.Fatalf("offload: %v", err)
	}
	ref2, err := s.Offload([]byte("same bytes"))
	if err != nil {
		t.Fatalf("offload again: %v", err)
	}
	if ref1 != ref2 {
		t.Fatalf("refs differ: %s vs %s", ref1, ref2)
	}
	if !s.Has(ref1) {
		t.Fatalf("Has(%s) = false", ref1[:12])
	}
}

func TestGetRejectsBadRef(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, ref := range []string{"", "short", "../../etc/passwd", string(bytes.Repeat([]byte("z"), 64))} {
		if _, err := s.Get(ref); err == nil {
			t.Fatalf("ref %q accepted", ref)
		}
	}
}

func TestGetMissingBlob(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	missing := "0000000000000000000000000000000000000000000000000000000000000000"
	if _, err := s.Get(missing); !os.IsNotExist(err) {
		t.Fatalf("want not-exist, got %v", err)
	}
}

type recordingMirror struct {
	mu   sync.Mutex
	refs []string
}

func (m *recordingMirror) BlobWritten(ref, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs = append(m.refs, ref)
}

func TestMirrorNotifiedOnNewBlobOnly(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	m := &recordingMirror{}
	s.SetMirror(m)
	ref, err := s.Offload([]byte("mirrored"))
	if err != nil {
		t.Fatalf("offload: %v", err)
	}
	if _, err := s.Offload([]byte("mirrored")); err != nil {
		t.Fatalf("offload again: %v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.refs) != 1 || m.refs[0] != ref {
		t.Fatalf("mirror calls: %v", m.refs)
	}
}
