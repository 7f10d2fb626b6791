package gateway

import (
	"io"
	"log"
	"sync"
	"time"

	"worldplane.dev/internal/authority"
	"worldplane.dev/internal/metrics"
	"worldplane.dev/internal/protocol"
)

// Overflow policies for the ingest queue.
const (
	OverflowBlock      = "block"
	OverflowDropOldest = "drop_oldest"
	OverflowRejectNew  = "reject_new"
)

type batch struct {
	regionID string
	kind     string
	token    string
	changes  []protocol.ObjectChange
}

// Ingest is the asynchronous write path behind /v1/ingest. Batches are
// fire-and-forget: the producer never learns per-change outcomes, only
// whether the queue took the batch. Authority is re-checked at apply time
// because a lease can lapse while a batch sits queued.
type Ingest struct {
	log    *log.Logger
	gw     *Gateway
	policy string

	queue chan batch
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type IngestConfig struct {
	QueueSize      int
	Workers        int
	OverflowPolicy string
}

func NewIngest(cfg IngestConfig, gw *Gateway, logger *log.Logger) *Ingest {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.OverflowPolicy == "" {
		cfg.OverflowPolicy = OverflowDropOldest
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	in := &Ingest{
		log:    logger,
		gw:     gw,
		policy: cfg.OverflowPolicy,
		queue:  make(chan batch, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		in.wg.Add(1)
		go in.worker()
	}
	return in
}

// Close drains the queue and stops the workers. Enqueue after Close is a
// no-op reported as rejected.
func (in *Ingest) Close() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	close(in.queue)
	in.mu.Unlock()
	in.wg.Wait()
}

// Enqueue hands a batch to the apply workers. The return value reports only
// queue admission; per-change version gating happens later.
func (in *Ingest) Enqueue(regionID, kind, token string, changes []protocol.ObjectChange) bool {
	if len(changes) == 0 || len(changes) > protocol.MaxBatchChanges {
		return false
	}
	b := batch{regionID: regionID, kind: kind, token: token, changes: changes}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return false
	}

	switch in.policy {
	case OverflowBlock:
		in.queue <- b
	case OverflowRejectNew:
		select {
		case in.queue <- b:
		default:
			metrics.IngestQueueDropped.Inc()
			return false
		}
	default: // drop_oldest
		for {
			select {
			case in.queue <- b:
				metrics.IngestQueueDepth.Set(float64(len(in.queue)))
				return true
			default:
			}
			select {
			case <-in.queue:
				metrics.IngestQueueDropped.Inc()
			default:
			}
		}
	}
	metrics.IngestQueueDepth.Set(float64(len(in.queue)))
	return true
}

// Depth reports queued batches, for stats surfaces.
func (in *Ingest) Depth() int { return len(in.queue) }

func (in *Ingest) worker() {
	defer in.wg.Done()
	for b := range in.queue {
		metrics.IngestQueueDepth.Set(float64(len(in.queue)))
		in.applyBatch(b)
	}
}

// applyBatch revalidates the token, runs the channel policy and lands the
// changes through the same routine the sync path uses.
func (in *Ingest) applyBatch(b batch) {
	g := in.gw
	channelID := authority.ChannelID(b.regionID, b.kind)
	ok, ch, err := g.auth.Validate(channelID, b.token)
	if err != nil {
		in.log.Printf("[ingest] drop batch for unknown channel %s", channelID)
		return
	}
	source := holderOf(ch)
	if !ok {
		if _, proceed := g.handleUnauthorized(ch, b.token, len(b.changes)); !proceed {
			return
		}
		source = "unauthorized"
	}
	start := time.Now()
	resp := g.apply(b.regionID, b.kind, source, "ingest", b.changes)
	applied := 0
	for _, r := range resp.Results {
		if r.Accepted {
			applied++
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		in.log.Printf("[ingest] slow batch %s: %d/%d applied in %s", channelID, applied, len(b.changes), elapsed)
	}
}
