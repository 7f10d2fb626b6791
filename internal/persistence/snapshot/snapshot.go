// Package snapshot persists one region's durable state as a single
// compressed file: a JSON header line for tooling, then a gob body. The V1
// mirror structs pin the wire layout so the in-memory types can evolve
// without breaking old snapshots.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"worldplane.dev/internal/geo"
	"worldplane.dev/internal/store"
)

const formatVersion = 1

type Header struct {
	Version  int    `json:"version"`
	RegionID string `json:"region_id"`
	Epoch    uint64 `json:"epoch"`
	SavedAt  string `json:"saved_at"`
}

type ChannelV1 struct {
	ChannelID string
	Kind      string
	Policy    string
	CreatedAt time.Time
}

type ObjectV1 struct {
	ID         string
	Kind       string
	ObjectType string
	Version    uint64
	Position   *geo.Vec3
	Bounds     *geo.Bounds
	Payload    []byte
	UpdatedAt  time.Time
	UpdatedBy  string
	Deleted    bool
	DeletedAt  time.Time
}

type RegionSnapshotV1 struct {
	Channels []ChannelV1
	Objects  []ObjectV1
}

// Region is the in-memory form handed to Write and returned by Read.
type Region struct {
	RegionID string
	Epoch    uint64
	SavedAt  time.Time
	Channels []ChannelV1
	Objects  []store.Object
}

func pathFor(dir, regionID string) string {
	return filepath.Join(dir, regionID+".snap.zst")
}

// Path reports where Write puts the snapshot for a region.
func Path(dir, regionID string) string { return pathFor(dir, regionID) }

// Write saves the region atomically: full write to a temp file, then rename.
func Write(dir string, r Region) error {
	if r.RegionID == "" {
		return fmt.Errorf("snapshot: empty region id")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, r.RegionID+".snap.tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := writeTo(tmp, r); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, pathFor(dir, r.RegionID))
}

func writeTo(f *os.File, r Region) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	savedAt := r.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}
	hdr, err := json.Marshal(Header{
		Version:  formatVersion,
		RegionID: r.RegionID,
		Epoch:    r.Epoch,
		SavedAt:  savedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	if _, err := bw.Write(hdr); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	body := RegionSnapshotV1{Channels: r.Channels}
	body.Objects = make([]ObjectV1, 0, len(r.Objects))
	for _, o := range r.Objects {
		body.Objects = append(body.Objects, ObjectV1{
			ID:         o.ID,
			Kind:       o.Kind,
			ObjectType: o.ObjectType,
			Version:    o.Version,
			Position:   o.Position,
			Bounds:     o.Bounds,
			Payload:    []byte(o.Payload),
			UpdatedAt:  o.UpdatedAt,
			UpdatedBy:  o.UpdatedBy,
			Deleted:    o.Deleted,
			DeletedAt:  o.DeletedAt,
		})
	}
	if err := gob.NewEncoder(bw).Encode(&body); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

// ReadHeader decodes only the header line, cheap enough for listings.
func ReadHeader(path string) (Header, error) {
	var hdr Header
	f, err := os.Open(path)
	if err != nil {
		return hdr, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return hdr, err
	}
	defer dec.Close()
	br := bufio.NewReaderSize(dec, 64*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return hdr, err
	}
	if err := json.Unmarshal(line, &hdr); err != nil {
		return hdr, err
	}
	if hdr.Version != formatVersion {
		return hdr, fmt.Errorf("snapshot: unsupported version %d", hdr.Version)
	}
	return hdr, nil
}

func Read(path string) (Region, error) {
	var out Region
	f, err := os.Open(path)
	if err != nil {
		return out, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return out, err
	}
	defer dec.Close()
	br := bufio.NewReaderSize(dec, 256*1024)

	line, err := br.ReadBytes('\n')
	if err != nil {
		return out, err
	}
	var hdr Header
	if err := json.Unmarshal(line, &hdr); err != nil {
		return out, fmt.Errorf("snapshot: bad header: %w", err)
	}
	if hdr.Version != formatVersion {
		return out, fmt.Errorf("snapshot: unsupported version %d", hdr.Version)
	}

	var body RegionSnapshotV1
	if err := gob.NewDecoder(br).Decode(&body); err != nil {
		return out, fmt.Errorf("snapshot: bad body: %w", err)
	}

	out.RegionID = hdr.RegionID
	out.Epoch = hdr.Epoch
	out.SavedAt, _ = time.Parse(time.RFC3339Nano, hdr.SavedAt)
	out.Channels = body.Channels
	out.Objects = make([]store.Object, 0, len(body.Objects))
	for _, o := range body.Objects {
		obj := store.Object{
			ID:         o.ID,
			Kind:       o.Kind,
			ObjectType: o.ObjectType,
			Version:    o.Version,
			Position:   o.Position,
			Bounds:     o.Bounds,
			UpdatedAt:  o.UpdatedAt,
			UpdatedBy:  o.UpdatedBy,
			Deleted:    o.Deleted,
			DeletedAt:  o.DeletedAt,
		}
		if len(o.Payload) > 0 {
			obj.Payload = json.RawMessage(o.Payload)
		}
		out.Objects = append(out.Objects, obj)
	}
	return out, nil
}

// ReadRegion loads a region's snapshot from a directory, reporting
// os.ErrNotExist when none was ever written.
func ReadRegion(dir, regionID string) (Region, error) {
	return Read(pathFor(dir, regionID))
}

// List reports every region with a snapshot in the directory, sorted.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".snap.zst"))
	}
	sort.Strings(out)
	return out, nil
}
