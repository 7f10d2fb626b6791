package affordance

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Catalog holds the named definitions loaded from a directory of YAML files
// and keeps them current while the directory changes underneath it.
type Catalog struct {
	log *log.Logger
	dir string

	mu   sync.RWMutex
	defs map[string]Definition

	reloadDelay time.Duration
	watcher     *fsnotify.Watcher
	done        chan struct{}
	closeOnce   sync.Once
}

type CatalogEntry struct {
	Name   string `json:"name"`
	Digest string `json:"digest"`
}

func NewCatalog(dir string, reloadDelay time.Duration, logger *log.Logger) (*Catalog, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if reloadDelay <= 0 {
		reloadDelay = 250 * time.Millisecond
	}
	c := &Catalog{
		log:         logger,
		dir:         dir,
		defs:        map[string]Definition{},
		reloadDelay: reloadDelay,
		done:        make(chan struct{}),
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Watch starts the directory watcher. A burst of file events collapses into
// one reload after the debounce delay; a reload that fails keeps the
// previous catalog.
func (c *Catalog) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog watch: %w", err)
	}
	if err := w.Add(c.dir); err != nil {
		w.Close()
		return fmt.Errorf("catalog watch %s: %w", c.dir, err)
	}
	c.watcher = w
	go c.watchLoop()
	return nil
}

func (c *Catalog) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.watcher != nil {
			c.watcher.Close()
		}
	})
}

func (c *Catalog) watchLoop() {
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if !isYAML(ev.Name) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(c.reloadDelay)
				fire = timer.C
			} else {
				timer.Reset(c.reloadDelay)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.log.Printf("[catalog] watch: %v", err)
		case <-fire:
			if err := c.Reload(); err != nil {
				c.log.Printf("[catalog] reload failed, keeping previous set: %v", err)
			} else {
				c.log.Printf("[catalog] reloaded %d definitions", c.Len())
			}
		}
	}
}

// Reload replaces the definition set from disk. All-or-nothing: one bad
// file aborts the whole reload.
func (c *Catalog) Reload() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("catalog %s: %w", c.dir, err)
	}
	defs := map[string]Definition{}
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(c.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("catalog %s: %w", e.Name(), err)
		}
		d, err := FromYAML(raw)
		if err != nil {
			return fmt.Errorf("catalog %s: %w", e.Name(), err)
		}
		if _, dup := defs[d.Name]; dup {
			return fmt.Errorf("catalog %s: duplicate definition %q", e.Name(), d.Name)
		}
		defs[d.Name] = d
	}
	c.mu.Lock()
	c.defs = defs
	c.mu.Unlock()
	return nil
}

func (c *Catalog) Get(name string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[name]
	return d, ok
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.defs)
}

func (c *Catalog) List() []CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CatalogEntry, 0, len(c.defs))
	for name, d := range c.defs {
		out = append(out, CatalogEntry{Name: name, Digest: d.Digest()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
