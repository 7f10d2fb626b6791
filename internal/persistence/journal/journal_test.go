package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"worldplane.dev/internal/protocol"
)

func findSegment(t *testing.T, dir string) string {
	t.Helper()
	var found string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".zst" {
			found = path
		}
		return nil
	})
	if err != nil || found == "" {
		t.Fatalf("no segment under %s (err=%v)", dir, err)
	}
	return found
}

func TestEventRoundTrip(t *testing.T) {
	dir := t.TempDir()
	j := New(dir)

	evs := []protocol.RegionEvent{
		{RegionID: "forest_7", Kind: "world_objects", Action: "created", ObjectID: "tree_1", Version: 1, Source: "sim-A", Epoch: 1, At: time.Now().UTC().Format(time.RFC3339Nano)},
		{RegionID: "forest_7", Kind: "world_objects", Action: "deleted", ObjectID: "tree_1", Version: 2, Source: "sim-A", Epoch: 2, At: time.Now().UTC().Format(time.RFC3339Nano)},
	}
	for _, ev := range evs {
		if err := j.WriteEvent(ev); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	seg := findSegment(t, filepath.Join(dir, "regions", "forest_7"))
	got, err := ReadEvents(seg)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Action != "created" || got[1].Action != "deleted" || got[1].Epoch != 2 {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestRegionsSeparated(t *testing.T) {
	dir := t.TempDir()
	j := New(dir)
	at := time.Now().UTC().Format(time.RFC3339Nano)
	if err := j.WriteEvent(protocol.RegionEvent{RegionID: "forest_7", Kind: "world_objects", Action: "created", ObjectID: "a", At: at}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := j.WriteEvent(protocol.RegionEvent{RegionID: "ridge_2", Kind: "world_objects", Action: "created", ObjectID: "b", At: at}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	forest, err := ReadEvents(findSegment(t, filepath.Join(dir, "regions", "forest_7")))
	if err != nil || len(forest) != 1 || forest[0].ObjectID != "a" {
		t.Fatalf("forest segment: %v %+v", err, forest)
	}
	ridge, err := ReadEvents(findSegment(t, filepath.Join(dir, "regions", "ridge_2")))
	if err != nil || len(ridge) != 1 || ridge[0].ObjectID != "b" {
		t.Fatalf("ridge segment: %v %+v", err, ridge)
	}
}

func TestWarningJournal(t *testing.T) {
	dir := t.TempDir()
	j := New(dir)
	if err := j.WriteWarning(protocol.WarningEvent{
		ChannelID: "forest_7:world_objects",
		RegionID:  "forest_7",
		Kind:      "world_objects",
		SenderID:  "rogue",
		Policy:    "reject_and_alert",
		Changes:   2,
		At:        time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		t.Fatalf("write warning: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	seg := findSegment(t, filepath.Join(dir, "warnings"))
	var lines int
	if err := ReadSegment(seg, func(line []byte) error {
		lines++
		return nil
	}); err != nil {
		t.Fatalf("read: %v", err)
	}
	if lines != 1 {
		t.Fatalf("got %d warning lines, want 1", lines)
	}
}
