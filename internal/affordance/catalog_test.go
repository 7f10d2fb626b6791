package affordance

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const coverYAML = `name: cover
generator:
  kind: objects
  object_types: [boulder_cluster, wall]
tests:
  - name: has_cover
    type: property
    path: cover.height
    min: 1.0
    required: true
    threshold: 0.1
`

func TestCatalogLoadAndList(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "ambush.yaml", ambushYAML)
	writeDef(t, dir, "cover.yml", coverYAML)
	writeDef(t, dir, "notes.txt", "ignore me")

	cat, err := NewCatalog(dir, 0, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer cat.Close()

	entries := cat.List()
	if len(entries) != 2 {
		t.Fatalf("want 2 definitions, got %d", len(entries))
	}
	if entries[0].Name != "ambush" || entries[1].Name != "cover" {
		t.Fatalf("listing should sort by name: %+v", entries)
	}
	for _, e := range entries {
		if e.Digest == "" {
			t.Fatalf("digest missing for %s", e.Name)
		}
	}
	if _, ok := cat.Get("ambush"); !ok {
		t.Fatalf("ambush should resolve")
	}
}

func TestCatalogRejectsBadFile(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "bad.yaml", "name: broken\ngenerator:\n  kind: warp\ntests: []\n")
	if _, err := NewCatalog(dir, 0, nil); err == nil {
		t.Fatalf("invalid definition must fail the load")
	}
}

func TestCatalogReloadKeepsPreviousOnFailure(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "ambush.yaml", ambushYAML)
	cat, err := NewCatalog(dir, 0, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer cat.Close()

	writeDef(t, dir, "bad.yaml", "not yaml: [")
	if err := cat.Reload(); err == nil {
		t.Fatalf("reload should report the bad file")
	}
	if _, ok := cat.Get("ambush"); !ok {
		t.Fatalf("failed reload must keep the previous set")
	}
}

func TestCatalogWatchPicksUpNewDefinition(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "ambush.yaml", ambushYAML)
	cat, err := NewCatalog(dir, 20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer cat.Close()
	if err := cat.Watch(); err != nil {
		t.Fatalf("watch: %v", err)
	}

	writeDef(t, dir, "cover.yaml", coverYAML)
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := cat.Get("cover"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("watcher never picked up cover.yaml")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCatalogDuplicateNameRejected(t *testing.T) {
	dir := t.TempDir()
	writeDef(t, dir, "a.yaml", ambushYAML)
	writeDef(t, dir, "b.yaml", ambushYAML)
	if _, err := NewCatalog(dir, 0, nil); err == nil {
		t.Fatalf("duplicate names across files must fail")
	}
	_ = os.Remove(filepath.Join(dir, "b.yaml"))
}
