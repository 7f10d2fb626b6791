// Package journal appends compressed JSONL trails of everything the fanout
// saw: one event journal per region plus a single warning journal. Files
// rotate hourly so an operator can replay or archive a bounded window.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"worldplane.dev/internal/protocol"
)

// Writer appends JSON lines to hourly zstd-compressed segments named
// <prefix>-2006-01-02-15.jsonl.zst under baseDir.
type Writer struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewWriter(baseDir, prefix string) *Writer {
	return &Writer{baseDir: baseDir, prefix: prefix}
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Writer) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *Writer) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *Writer) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

func (w *Writer) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// Journal fans region events out to per-region writers and keeps the
// warning trail in its own directory.
type Journal struct {
	baseDir string

	mu       sync.Mutex
	regions  map[string]*Writer
	warnings *Writer
}

func New(baseDir string) *Journal {
	return &Journal{
		baseDir:  baseDir,
		regions:  map[string]*Writer{},
		warnings: NewWriter(filepath.Join(baseDir, "warnings"), "warnings"),
	}
}

func (j *Journal) regionWriter(regionID string) *Writer {
	j.mu.Lock()
	defer j.mu.Unlock()
	w, ok := j.regions[regionID]
	if !ok {
		w = NewWriter(filepath.Join(j.baseDir, "regions", regionID), "events")
		j.regions[regionID] = w
	}
	return w
}

func (j *Journal) WriteEvent(ev protocol.RegionEvent) error {
	return j.regionWriter(ev.RegionID).Write(ev)
}

func (j *Journal) WriteWarning(ev protocol.WarningEvent) error {
	return j.warnings.Write(ev)
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var first error
	for _, w := range j.regions {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := j.warnings.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// ReadSegment decodes one rotated segment, calling fn with each raw line.
// The replay tool and tests use it.
func ReadSegment(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// ReadEvents decodes a region segment into typed events.
func ReadEvents(path string) ([]protocol.RegionEvent, error) {
	var out []protocol.RegionEvent
	err := ReadSegment(path, func(line []byte) error {
		var ev protocol.RegionEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	})
	return out, err
}
