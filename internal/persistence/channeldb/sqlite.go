// Package channeldb is the durable catalog behind the in-memory state:
// channels, durable-kind objects, region epochs and the unauthorized-publish
// audit trail, all in one sqlite file. Writes flow through a single writer
// goroutine with batched transactions so the hot path never waits on disk.
package channeldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"worldplane.dev/internal/geo"
	"worldplane.dev/internal/protocol"
	"worldplane.dev/internal/store"
)

type DB struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

type reqKind int

const (
	reqChannel reqKind = iota + 1
	reqObject
	reqEpoch
	reqWarning
	reqSync
)

type req struct {
	kind reqKind

	channel ChannelRow
	object  objectRow
	epoch   epochRow
	warning protocol.WarningEvent
	done    chan struct{}
}

type ChannelRow struct {
	ChannelID string
	RegionID  string
	Kind      string
	Policy    string
	CreatedAt time.Time
}

type objectRow struct {
	RegionID string
	Obj      store.Object
}

type epochRow struct {
	RegionID string
	Epoch    uint64
}

func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	d := &DB{
		db: db,
		// Sized for bursty object traffic; the in-memory store remains the
		// source of truth until the next snapshot if writes are shed here.
		ch: make(chan req, 65536),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	return d, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS channels (
			channel_id TEXT PRIMARY KEY,
			region_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			policy TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_channels_region ON channels(region_id);`,
		`CREATE TABLE IF NOT EXISTS objects (
			region_id TEXT NOT NULL,
			object_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			object_type TEXT,
			version INTEGER NOT NULL,
			position TEXT,
			bounds TEXT,
			payload BLOB,
			updated_at TEXT NOT NULL,
			updated_by TEXT NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			deleted_at TEXT,
			PRIMARY KEY (region_id, object_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_objects_region_kind ON objects(region_id, kind);`,
		`CREATE INDEX IF NOT EXISTS idx_objects_type ON objects(region_id, object_type);`,
		`CREATE TABLE IF NOT EXISTS epochs (
			region_id TEXT PRIMARY KEY,
			epoch INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS warnings (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL,
			region_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			sender_id TEXT,
			current_authority TEXT,
			policy TEXT NOT NULL,
			accepted INTEGER NOT NULL,
			changes INTEGER NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_warnings_channel ON warnings(channel_id, seq);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) Close() error {
	var err error
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
		err = d.db.Close()
	})
	return err
}

// Dropped reports writes shed because the writer fell behind.
func (d *DB) Dropped() uint64 { return d.dropped.Load() }

// Depth reports queued writes, for the stats surface.
func (d *DB) Depth() int { return len(d.ch) }

func (d *DB) enqueue(r req) {
	if d == nil || d.closed.Load() {
		return
	}
	select {
	case d.ch <- r:
	default:
		d.dropped.Add(1)
	}
}

func (d *DB) UpsertChannel(row ChannelRow) {
	d.enqueue(req{kind: reqChannel, channel: row})
}

// PutObject records an applied write, tombstones included.
func (d *DB) PutObject(regionID string, obj store.Object) {
	d.enqueue(req{kind: reqObject, object: objectRow{RegionID: regionID, Obj: obj}})
}

func (d *DB) SetEpoch(regionID string, epoch uint64) {
	d.enqueue(req{kind: reqEpoch, epoch: epochRow{RegionID: regionID, Epoch: epoch}})
}

func (d *DB) RecordWarning(ev protocol.WarningEvent) {
	d.enqueue(req{kind: reqWarning, warning: ev})
}

// Sync blocks until every write queued before it has committed. Boot and
// tests use it; the hot path never does.
func (d *DB) Sync() {
	if d == nil || d.closed.Load() {
		return
	}
	done := make(chan struct{})
	d.ch <- req{kind: reqSync, done: done}
	<-done
}

// --- boot-time reads (synchronous, writer not yet busy) ---

func (d *DB) LoadChannels() ([]ChannelRow, error) {
	rows, err := d.db.Query(`SELECT channel_id, region_id, kind, policy, created_at FROM channels`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChannelRow
	for rows.Next() {
		var r ChannelRow
		var created string
		if err := rows.Scan(&r.ChannelID, &r.RegionID, &r.Kind, &r.Policy, &created); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadObjects streams every stored object, tombstones included, so the
// caller can rebuild indices and retention state.
func (d *DB) LoadObjects(fn func(regionID string, obj store.Object)) error {
	rows, err := d.db.Query(`SELECT region_id, object_id, kind, object_type, version,
		position, bounds, payload, updated_at, updated_by, deleted, deleted_at FROM objects`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			regionID, updatedAt, updatedBy string
			objectType, position, bounds   sql.NullString
			deletedAt                      sql.NullString
			payload                        []byte
			deleted                        int
			obj                            store.Object
		)
		if err := rows.Scan(&regionID, &obj.ID, &obj.Kind, &objectType, &obj.Version,
			&position, &bounds, &payload, &updatedAt, &updatedBy, &deleted, &deletedAt); err != nil {
			return err
		}
		obj.ObjectType = objectType.String
		if position.Valid && position.String != "" {
			var p geo.Vec3
			if err := json.Unmarshal([]byte(position.String), &p); err == nil {
				obj.Position = &p
			}
		}
		if bounds.Valid && bounds.String != "" {
			var b geo.Bounds
			if err := json.Unmarshal([]byte(bounds.String), &b); err == nil {
				obj.Bounds = &b
			}
		}
		if len(payload) > 0 {
			obj.Payload = json.RawMessage(payload)
		}
		obj.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		obj.UpdatedBy = updatedBy
		if deleted != 0 {
			obj.Deleted = true
			if deletedAt.Valid {
				obj.DeletedAt, _ = time.Parse(time.RFC3339Nano, deletedAt.String)
			}
		}
		fn(regionID, obj)
	}
	return rows.Err()
}

func (d *DB) LoadEpochs() (map[string]uint64, error) {
	rows, err := d.db.Query(`SELECT region_id, epoch FROM epochs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]uint64{}
	for rows.Next() {
		var region string
		var epoch uint64
		if err := rows.Scan(&region, &epoch); err != nil {
			return nil, err
		}
		out[region] = epoch
	}
	return out, rows.Err()
}

// WarningCount is a stats helper over the audit table.
func (d *DB) WarningCount() (int, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM warnings`).Scan(&n)
	return n, err
}

func (d *DB) loop() {
	ctx := context.Background()

	insertChannel, _ := d.db.Prepare(`INSERT OR REPLACE INTO channels(channel_id,region_id,kind,policy,created_at) VALUES(?,?,?,?,?)`)
	insertObject, _ := d.db.Prepare(`INSERT OR REPLACE INTO objects(region_id,object_id,kind,object_type,version,position,bounds,payload,updated_at,updated_by,deleted,deleted_at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertEpoch, _ := d.db.Prepare(`INSERT OR REPLACE INTO epochs(region_id,epoch) VALUES(?,?)`)
	insertWarning, _ := d.db.Prepare(`INSERT INTO warnings(channel_id,region_id,kind,sender_id,current_authority,policy,accepted,changes,at) VALUES(?,?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, s := range []*sql.Stmt{insertChannel, insertObject, insertEpoch, insertWarning} {
			if s != nil {
				_ = s.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 1000
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range d.ch {
		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqChannel:
			c := r.channel
			if _, err := tx.Stmt(insertChannel).Exec(c.ChannelID, c.RegionID, c.Kind, c.Policy,
				c.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqObject:
			o := r.object.Obj
			var position, bounds, deletedAt any
			if o.Position != nil {
				b, _ := json.Marshal(o.Position)
				position = string(b)
			}
			if o.Bounds != nil {
				b, _ := json.Marshal(o.Bounds)
				bounds = string(b)
			}
			deletedFlag := 0
			if o.Deleted {
				deletedFlag = 1
				deletedAt = o.DeletedAt.UTC().Format(time.RFC3339Nano)
			}
			if _, err := tx.Stmt(insertObject).Exec(
				r.object.RegionID, o.ID, o.Kind, o.ObjectType, int64(o.Version),
				position, bounds, []byte(o.Payload),
				o.UpdatedAt.UTC().Format(time.RFC3339Nano), o.UpdatedBy,
				deletedFlag, deletedAt,
			); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqEpoch:
			if _, err := tx.Stmt(insertEpoch).Exec(r.epoch.RegionID, int64(r.epoch.Epoch)); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqWarning:
			w := r.warning
			accepted := 0
			if w.Accepted {
				accepted = 1
			}
			if _, err := tx.Stmt(insertWarning).Exec(
				w.ChannelID, w.RegionID, w.Kind, w.SenderID, w.CurrentAuthority,
				w.Policy, accepted, w.Changes, w.At,
			); err != nil {
				rollback()
				continue
			}
			opCount++
		}

		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}
	commit()
}
