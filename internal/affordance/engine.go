package affordance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"worldplane.dev/internal/geo"
	"worldplane.dev/internal/metrics"
	"worldplane.dev/internal/protocol"
	"worldplane.dev/internal/store"
)

type Config struct {
	ScoreMode         string        // engine-wide default, gate_only unless set
	DefaultMaxResults int
	DefaultMaxAge     time.Duration // cached tier fallback age
	FreshDeadline     time.Duration // fresh tier compute budget
	CacheMaxEntries   int
	RefreshQueue      int
	RefreshWorkers    int
	MaxGridCandidates int
}

// Engine answers ranked location queries. Computation always runs the full
// pipeline; freshness tiers only decide when a cached ranking may stand in
// for a recomputation.
type Engine struct {
	log     *log.Logger
	store   *store.Store
	catalog *Catalog
	cfg     Config
	now     func() time.Time

	mu      sync.Mutex
	cache   map[string]*cacheEntry
	refresh chan refreshJob
	wg      sync.WaitGroup
	closed  bool
}

type cacheEntry struct {
	res result
	at  time.Time
}

type refreshJob struct {
	key      string
	def      Definition
	regionID string
	bounds   *geo.Bounds
	caps     *protocol.Capabilities
}

func NewEngine(cfg Config, st *store.Store, cat *Catalog, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.ScoreMode == "" {
		cfg.ScoreMode = ScoreGateOnly
	}
	if cfg.DefaultMaxResults <= 0 {
		cfg.DefaultMaxResults = 32
	}
	if cfg.DefaultMaxAge <= 0 {
		cfg.DefaultMaxAge = 30 * time.Second
	}
	if cfg.FreshDeadline <= 0 {
		cfg.FreshDeadline = 2 * time.Second
	}
	if cfg.CacheMaxEntries <= 0 {
		cfg.CacheMaxEntries = 1024
	}
	if cfg.RefreshQueue <= 0 {
		cfg.RefreshQueue = 256
	}
	if cfg.RefreshWorkers <= 0 {
		cfg.RefreshWorkers = 2
	}
	if cfg.MaxGridCandidates <= 0 {
		cfg.MaxGridCandidates = 4096
	}
	e := &Engine{
		log:     logger,
		store:   st,
		catalog: cat,
		cfg:     cfg,
		now:     time.Now,
		cache:   make(map[string]*cacheEntry),
		refresh: make(chan refreshJob, cfg.RefreshQueue),
	}
	for i := 0; i < cfg.RefreshWorkers; i++ {
		e.wg.Add(1)
		go e.refreshWorker()
	}
	return e
}

func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.refresh)
	e.mu.Unlock()
	e.wg.Wait()
}

// CacheLen reports live cache entries, for the stats surface.
func (e *Engine) CacheLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

// Query resolves the definition, consults the cache per the requested tier
// and returns the selected ranking. Zero survivors is an empty result, not
// an error.
func (e *Engine) Query(ctx context.Context, req protocol.AffordanceQueryReq) (protocol.AffordanceQueryResp, *protocol.ErrRejection) {
	start := e.now()
	if req.RegionID == "" {
		return protocol.AffordanceQueryResp{}, badReq("region_id required")
	}
	if req.Bounds != nil && !req.Bounds.Valid() {
		return protocol.AffordanceQueryResp{}, badReq("bounds min must not exceed max")
	}
	if req.Bounds != nil && req.Bounds.MaxEdge() > geo.MaxExtent {
		return protocol.AffordanceQueryResp{}, badReq(fmt.Sprintf("bounds edge exceeds limit %d", int(geo.MaxExtent)))
	}
	if req.MinScore < 0 || req.MinScore > 1 {
		return protocol.AffordanceQueryResp{}, badReq("min_score outside [0,1]")
	}

	var def Definition
	switch {
	case req.AffordanceType != "":
		d, ok := e.catalog.Get(req.AffordanceType)
		if !ok {
			return protocol.AffordanceQueryResp{}, &protocol.ErrRejection{
				Code: protocol.ErrNotFound, Message: "unknown affordance type " + req.AffordanceType,
			}
		}
		def = d
	case len(req.Definition) > 0:
		d, err := FromJSON(req.Definition)
		if err != nil {
			return protocol.AffordanceQueryResp{}, badReq(err.Error())
		}
		def = d
	default:
		return protocol.AffordanceQueryResp{}, badReq("affordance_type or definition required")
	}

	tier := req.Freshness
	if tier == "" {
		tier = protocol.FreshnessFresh
	}
	switch tier {
	case protocol.FreshnessFresh, protocol.FreshnessCached, protocol.FreshnessAggressive:
	default:
		return protocol.AffordanceQueryResp{}, badReq("unknown freshness tier " + tier)
	}

	maxAge := e.cfg.DefaultMaxAge
	if req.MaxAgeSeconds > 0 {
		maxAge = time.Duration(req.MaxAgeSeconds) * time.Second
	}

	key := cacheKey(req.RegionID, def.Digest(), req.Bounds, req.Capabilities)
	epoch := e.store.Epoch(req.RegionID)

	var res result
	cacheState := "miss"
	switch tier {
	case protocol.FreshnessFresh:
		cctx, cancel := context.WithTimeout(ctx, e.cfg.FreshDeadline)
		res = compute(cctx, e.store, def, req.RegionID, req.Bounds, req.Capabilities, e.cfg.ScoreMode, e.cfg.MaxGridCandidates)
		cancel()
		e.put(key, res)

	case protocol.FreshnessCached:
		if entry, ok := e.get(key); ok && entry.res.epoch == epoch && e.now().Sub(entry.at) <= maxAge {
			res = entry.res
			cacheState = "hit"
		} else {
			res = compute(ctx, e.store, def, req.RegionID, req.Bounds, req.Capabilities, e.cfg.ScoreMode, e.cfg.MaxGridCandidates)
			e.put(key, res)
		}

	case protocol.FreshnessAggressive:
		if entry, ok := e.get(key); ok {
			res = entry.res
			if entry.res.epoch == epoch && e.now().Sub(entry.at) <= maxAge {
				cacheState = "hit"
			} else {
				cacheState = "stale_hit"
				e.enqueueRefresh(refreshJob{key: key, def: def, regionID: req.RegionID, bounds: req.Bounds, caps: req.Capabilities})
			}
		} else {
			res = compute(ctx, e.store, def, req.RegionID, req.Bounds, req.Capabilities, e.cfg.ScoreMode, e.cfg.MaxGridCandidates)
			e.put(key, res)
		}
	}

	metrics.AffordanceQueries.WithLabelValues(tier, cacheState).Inc()
	if res.partial {
		metrics.AffordancePartial.Inc()
	}

	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = e.cfg.DefaultMaxResults
	}
	return protocol.AffordanceQueryResp{
		Locations: selectTop(res.locations, req.MinScore, maxResults),
		Metadata: protocol.AffordanceMetadata{
			Epoch:     res.epoch,
			Cache:     cacheState,
			Partial:   res.partial,
			Dropped:   res.dropped,
			ElapsedMS: e.now().Sub(start).Milliseconds(),
		},
	}, nil
}

func (e *Engine) get(key string) (*cacheEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.cache[key]
	return entry, ok
}

// put caches a computed ranking. Partial results are answered but never
// cached: a cached tier only ever serves complete rankings.
func (e *Engine) put(key string, res result) {
	if res.partial {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.cache) >= e.cfg.CacheMaxEntries {
		// Evict the oldest entry; the map is small enough to scan.
		var oldestKey string
		var oldestAt time.Time
		for k, v := range e.cache {
			if oldestKey == "" || v.at.Before(oldestAt) {
				oldestKey, oldestAt = k, v.at
			}
		}
		delete(e.cache, oldestKey)
	}
	e.cache[key] = &cacheEntry{res: res, at: e.now()}
}

func (e *Engine) enqueueRefresh(job refreshJob) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	select {
	case e.refresh <- job:
	default:
		// Refresh queue saturated; the stale entry stays until the next
		// aggressive query finds room.
	}
}

func (e *Engine) refreshWorker() {
	defer e.wg.Done()
	for job := range e.refresh {
		res := compute(context.Background(), e.store, job.def, job.regionID, job.bounds, job.caps, e.cfg.ScoreMode, e.cfg.MaxGridCandidates)
		e.put(job.key, res)
	}
}

func cacheKey(regionID, digest string, bounds *geo.Bounds, caps *protocol.Capabilities) string {
	h := sha256.New()
	io.WriteString(h, regionID)
	io.WriteString(h, "|")
	io.WriteString(h, digest)
	io.WriteString(h, "|")
	if bounds != nil {
		fmt.Fprintf(h, "%g,%g,%g,%g,%g,%g", bounds.Min.X, bounds.Min.Y, bounds.Min.Z, bounds.Max.X, bounds.Max.Y, bounds.Max.Z)
	}
	io.WriteString(h, "|")
	if caps != nil {
		raw, _ := json.Marshal(caps)
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))[:24]
}

func badReq(msg string) *protocol.ErrRejection {
	return &protocol.ErrRejection{Code: protocol.ErrBadRequest, Message: msg}
}
