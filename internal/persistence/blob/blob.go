// Package blob stores oversized payloads out of band. Content addressing
// by sha256 makes writes idempotent, so a producer retrying a large publish
// never duplicates data on disk.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Mirror receives each newly written blob file, typically for upload to
// object storage. Calls must not block the write path.
type Mirror interface {
	BlobWritten(ref, path string)
}

type Store struct {
	dir    string
	mirror Mirror
}

func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty blob dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) SetMirror(m Mirror) { s.mirror = m }

func (s *Store) path(ref string) string {
	return filepath.Join(s.dir, ref[:2], ref+".zst")
}

// Offload compresses and stores the payload, returning its content address.
// Storing the same bytes twice is a no-op.
func (s *Store) Offload(payload []byte) (string, error) {
	sum := sha256.Sum256(payload)
	ref := hex.EncodeToString(sum[:])
	path := s.path(ref)

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ref+".tmp-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = tmp.Close()
		return "", err
	}
	if _, err := enc.Write(payload); err != nil {
		_ = enc.Close()
		_ = tmp.Close()
		return "", err
	}
	if err := enc.Close(); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", err
	}
	if s.mirror != nil {
		s.mirror.BlobWritten(ref, path)
	}
	return ref, nil
}

func validRef(ref string) bool {
	if len(ref) != 64 {
		return false
	}
	_, err := hex.DecodeString(ref)
	return err == nil
}

// Get decompresses a stored blob and verifies it against its address.
func (s *Store) Get(ref string) ([]byte, error) {
	if !validRef(ref) {
		return nil, fmt.Errorf("invalid blob ref %q", ref)
	}
	f, err := os.Open(s.path(ref))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	payload, err := io.ReadAll(dec)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != ref {
		return nil, fmt.Errorf("blob %s corrupt", ref[:12])
	}
	return payload, nil
}

// Has reports whether a blob exists without reading it.
func (s *Store) Has(ref string) bool {
	if !validRef(ref) {
		return false
	}
	_, err := os.Stat(s.path(ref))
	return err == nil
}
