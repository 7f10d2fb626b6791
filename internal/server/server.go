// Package server assembles the worldplane service: authority registry,
// object store, gateway, query and affordance engines, the persistence
// layer, and the HTTP/WebSocket surface that exposes them.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"worldplane.dev/internal/affordance"
	"worldplane.dev/internal/authority"
	"worldplane.dev/internal/broker"
	"worldplane.dev/internal/config"
	"worldplane.dev/internal/gateway"
	"worldplane.dev/internal/metrics"
	"worldplane.dev/internal/persistence/blob"
	"worldplane.dev/internal/persistence/channeldb"
	"worldplane.dev/internal/persistence/ephemeral"
	"worldplane.dev/internal/persistence/journal"
	"worldplane.dev/internal/persistence/s3mirror"
	"worldplane.dev/internal/protocol"
	"worldplane.dev/internal/query"
	"worldplane.dev/internal/store"
	"worldplane.dev/internal/transport/ws"
)

type Options struct {
	Tuning        config.Tuning
	Addr          string
	DataDir       string
	AffordanceDir string
	Logger        *log.Logger

	// Mirror, when set, receives blob and snapshot files for upload to the
	// configured S3-compatible bucket.
	Mirror *s3mirror.Mirror
}

type Server struct {
	log  *log.Logger
	cfg  config.Tuning
	addr string

	broker  *broker.Broker
	store   *store.Store
	auth    *authority.Registry
	gateway *gateway.Gateway
	ingest  *gateway.Ingest
	queries *query.Service
	catalog *affordance.Catalog
	engine  *affordance.Engine

	catalogDB *channeldb.DB
	ephemeral *ephemeral.Store
	journal   *journal.Journal
	blobs     *blob.Store
	mirror    *s3mirror.Mirror

	subscribeWS *ws.Server
	ingestWS    *ws.IngestServer

	snapshotDir string
	startedAt   time.Time
}

func New(opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	t := opts.Tuning
	if opts.DataDir == "" {
		return nil, fmt.Errorf("server: data dir required")
	}
	if opts.AffordanceDir == "" {
		opts.AffordanceDir = filepath.Join(opts.DataDir, "affordances")
	}
	if err := os.MkdirAll(opts.AffordanceDir, 0o755); err != nil {
		return nil, fmt.Errorf("affordance dir: %w", err)
	}

	s := &Server{
		log:         logger,
		cfg:         t,
		addr:        opts.Addr,
		mirror:      opts.Mirror,
		snapshotDir: filepath.Join(opts.DataDir, "snapshots"),
		startedAt:   time.Now(),
	}

	s.broker = broker.New(t.Broker.FanoutWorkers, t.Broker.FanoutQueue, t.Broker.SubscriberQueue, logger)

	ephemeralTTL := make(map[string]time.Duration, len(t.Store.EphemeralKinds))
	maxTTL := time.Duration(0)
	for kind, secs := range t.Store.EphemeralKinds {
		d := time.Duration(secs) * time.Second
		ephemeralTTL[kind] = d
		if d > maxTTL {
			maxTTL = d
		}
	}
	s.store = store.New(store.Config{
		DefaultCellSize:    t.Index.DefaultCellSize,
		CellSizes:          t.Index.CellSizes,
		TombstoneRetention: time.Duration(t.Store.TombstoneRetentionSeconds) * time.Second,
		EphemeralTTL:       ephemeralTTL,
	})

	s.auth = authority.NewRegistry(authority.Config{
		TTL:              time.Duration(t.Authority.LeaseTTLSeconds) * time.Second,
		Grace:            time.Duration(t.Authority.GraceSeconds) * time.Second,
		MaxTransferQueue: t.Authority.MaxTransferQueued,
	}, s.broker.Publish, logger)

	var err error
	if s.catalogDB, err = channeldb.Open(filepath.Join(opts.DataDir, "catalog.db")); err != nil {
		return nil, fmt.Errorf("catalog db: %w", err)
	}
	if s.ephemeral, err = ephemeral.Open(filepath.Join(opts.DataDir, "ephemeral"), maxTTL); err != nil {
		return nil, fmt.Errorf("ephemeral store: %w", err)
	}
	s.journal = journal.New(filepath.Join(opts.DataDir, "journal"))
	if s.blobs, err = blob.Open(filepath.Join(opts.DataDir, "blobs")); err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}
	if s.mirror != nil {
		s.blobs.SetMirror(s.mirror)
	}

	s.auth.SetOnCreate(func(ch authority.Channel) {
		s.catalogDB.UpsertChannel(channeldb.ChannelRow{
			ChannelID: ch.ID,
			RegionID:  ch.RegionID,
			Kind:      ch.Kind,
			Policy:    ch.Policy,
			CreatedAt: ch.CreatedAt,
		})
	})

	s.gateway = gateway.New(gateway.Config{
		BlobThreshold: t.Blob.InlineThreshold,
		RateHz:        t.Ingest.PublishRateHz,
		RateBurst:     t.Ingest.PublishBurst,
	}, s.auth, s.store, s.broker, logger)
	s.gateway.SetBlobStore(s.blobs)
	s.gateway.SetSink(&persistSink{
		log:            logger,
		catalog:        s.catalogDB,
		ephemeral:      s.ephemeral,
		journal:        s.journal,
		store:          s.store,
		ephemeralKinds: t.Store.EphemeralKinds,
	})

	s.ingest = gateway.NewIngest(gateway.IngestConfig{
		QueueSize:      t.Ingest.QueueSize,
		Workers:        t.Ingest.Workers,
		OverflowPolicy: t.Ingest.OverflowPolicy,
	}, s.gateway, logger)

	s.queries = query.New(s.store, query.DefaultMaxObjects)

	reloadDelay := time.Duration(t.Affordance.CatalogReloadDelay) * time.Millisecond
	if s.catalog, err = affordance.NewCatalog(opts.AffordanceDir, reloadDelay, logger); err != nil {
		return nil, fmt.Errorf("affordance catalog: %w", err)
	}
	if err := s.catalog.Watch(); err != nil {
		logger.Printf("affordance catalog watch disabled: %v", err)
	}
	s.engine = affordance.NewEngine(affordance.Config{
		ScoreMode:         t.Affordance.ScoreMode,
		DefaultMaxResults: t.Affordance.DefaultMaxResults,
		DefaultMaxAge:     time.Duration(t.Affordance.DefaultMaxAge) * time.Second,
		FreshDeadline:     time.Duration(t.Affordance.FreshDeadlineMS) * time.Millisecond,
		CacheMaxEntries:   t.Affordance.CacheMaxEntries,
		RefreshQueue:      t.Affordance.RefreshQueueSize,
		RefreshWorkers:    t.Affordance.RefreshWorkers,
		MaxGridCandidates: t.Affordance.MaxGridCandidates,
	}, s.store, s.catalog, logger)

	s.subscribeWS = ws.NewServer(s.broker, logger)
	s.ingestWS = ws.NewIngestServer(s.auth, s.ingest, logger)

	if err := s.reload(); err != nil {
		return nil, fmt.Errorf("reload: %w", err)
	}
	return s, nil
}

// reload rebuilds in-memory state from the persistence layer. Channels come
// back unassigned; leases never survive a restart.
func (s *Server) reload() error {
	rows, err := s.catalogDB.LoadChannels()
	if err != nil {
		return err
	}
	for _, row := range rows {
		s.auth.Restore(authority.Channel{
			ID:        row.ChannelID,
			RegionID:  row.RegionID,
			Kind:      row.Kind,
			Policy:    row.Policy,
			CreatedAt: row.CreatedAt,
		})
	}
	objects := 0
	if err := s.catalogDB.LoadObjects(func(regionID string, obj store.Object) {
		s.store.Restore(regionID, obj)
		objects++
	}); err != nil {
		return err
	}
	epochs, err := s.catalogDB.LoadEpochs()
	if err != nil {
		return err
	}
	for regionID, epoch := range epochs {
		s.store.SetEpoch(regionID, epoch)
	}
	ephObjects := 0
	if err := s.ephemeral.Load(func(regionID string, obj store.Object) {
		s.store.Restore(regionID, obj)
		ephObjects++
	}); err != nil {
		return err
	}
	if len(rows) > 0 || objects > 0 || ephObjects > 0 {
		s.log.Printf("restored %d channels, %d durable objects, %d ephemeral objects", len(rows), objects, ephObjects)
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts the HTTP listener down
// gracefully and flushes the persistence layer.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		go func() {
			<-ctx.Done()
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shCtx)
		}()
		s.log.Printf("listening on %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error { return s.sweepLeases(ctx) })
	g.Go(func() error { return s.sweepStore(ctx) })
	g.Go(func() error { return s.journalLoop(ctx) })

	err := g.Wait()
	s.Close()
	return err
}

func (s *Server) sweepLeases(ctx context.Context) error {
	every := time.Duration(s.cfg.Authority.SweepEveryMS) * time.Millisecond
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			s.auth.Sweep()
			metrics.IngestQueueDepth.Set(float64(s.ingest.Depth()))
		}
	}
}

func (s *Server) sweepStore(ctx context.Context) error {
	every := time.Duration(s.cfg.Store.SweepEverySeconds) * time.Second
	if every <= 0 {
		every = 30 * time.Second
	}
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			reclaimed, expired := s.store.Sweep(time.Now())
			if reclaimed > 0 || expired > 0 {
				s.log.Printf("sweep reclaimed %d tombstones, expired %d ephemeral objects", reclaimed, expired)
			}
		}
	}
}

// journalLoop tails every region broadcast and appends it to the event
// journal. It rides the broker like any other subscriber, so a saturated
// journal sheds events instead of stalling fanout.
func (s *Server) journalLoop(ctx context.Context) error {
	sub := s.broker.Subscribe("region.>")
	defer s.broker.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			var re protocol.RegionEvent
			if err := json.Unmarshal(ev.Payload, &re); err != nil {
				continue
			}
			if err := s.journal.WriteEvent(re); err != nil {
				s.log.Printf("journal write: %v", err)
			}
		}
	}
}

// Close tears components down in dependency order and blocks until the
// catalog database has drained its write queue.
func (s *Server) Close() {
	s.engine.Close()
	s.catalog.Close()
	s.ingest.Close()
	s.broker.Close()
	s.catalogDB.Sync()
	if err := s.catalogDB.Close(); err != nil {
		s.log.Printf("catalog db close: %v", err)
	}
	if err := s.ephemeral.Close(); err != nil {
		s.log.Printf("ephemeral close: %v", err)
	}
	if err := s.journal.Close(); err != nil {
		s.log.Printf("journal close: %v", err)
	}
	if s.mirror != nil {
		s.mirror.Close()
	}
}
