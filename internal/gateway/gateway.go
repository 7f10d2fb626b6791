// Package gateway applies publish traffic to the object store and fans the
// resulting lifecycle events out over the broker. The synchronous HTTP path
// and the asynchronous ingest queue share one apply routine so version
// gating and idempotence behave identically on both.
package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"worldplane.dev/internal/authority"
	"worldplane.dev/internal/broker"
	"worldplane.dev/internal/geo"
	"worldplane.dev/internal/metrics"
	"worldplane.dev/internal/protocol"
	"worldplane.dev/internal/store"
)

// Sink receives applied writes for durable persistence. Calls happen after
// the in-memory store has accepted the change and must not block for long.
type Sink interface {
	ObjectApplied(regionID string, obj store.Object)
	WarningRecorded(ev protocol.WarningEvent)
}

// BlobStore offloads oversized payloads and returns a content address for
// the stored bytes.
type BlobStore interface {
	Offload(payload []byte) (ref string, err error)
}

type Config struct {
	BlobThreshold int // bytes; 0 disables offload
	RateHz        int // per-channel sync publish limit; 0 disables
	RateBurst     int
}

type Gateway struct {
	log    *log.Logger
	auth   *authority.Registry
	store  *store.Store
	broker *broker.Broker
	sink   Sink      // optional
	blob   BlobStore // optional

	cfg Config
	now func() time.Time

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg Config, auth *authority.Registry, st *store.Store, br *broker.Broker, logger *log.Logger) *Gateway {
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 32
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Gateway{
		log:      logger,
		auth:     auth,
		store:    st,
		broker:   br,
		cfg:      cfg,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetSink wires the durable persistence hook. Must be called before traffic.
func (g *Gateway) SetSink(s Sink) { g.sink = s }

// SetBlobStore wires payload offload. Must be called before traffic.
func (g *Gateway) SetBlobStore(b BlobStore) { g.blob = b }

// Publish is the synchronous write path. The whole batch is checked against
// the channel lease once; each change then lands independently, so one stale
// version never blocks its siblings.
func (g *Gateway) Publish(req protocol.PublishReq) (protocol.PublishResp, *protocol.ErrRejection) {
	if len(req.Changes) == 0 {
		return protocol.PublishResp{}, &protocol.ErrRejection{Code: protocol.ErrBadRequest, Message: "empty changeset"}
	}
	if len(req.Changes) > protocol.MaxBatchChanges {
		return protocol.PublishResp{}, &protocol.ErrRejection{
			Code:    protocol.ErrBadRequest,
			Message: fmt.Sprintf("batch of %d exceeds limit %d", len(req.Changes), protocol.MaxBatchChanges),
		}
	}

	channelID := authority.ChannelID(req.RegionID, req.Kind)
	ok, ch, err := g.auth.Validate(channelID, req.Token)
	if err != nil {
		return protocol.PublishResp{}, &protocol.ErrRejection{Code: protocol.ErrNotFound, Message: "no such channel " + channelID}
	}
	source := holderOf(ch)
	if !ok {
		rej, proceed := g.handleUnauthorized(ch, req.Token, len(req.Changes))
		if !proceed {
			return protocol.PublishResp{}, rej
		}
		source = "unauthorized"
	}

	if g.cfg.RateHz > 0 && !g.limiter(channelID).Allow() {
		metrics.RateLimited.Inc()
		return protocol.PublishResp{}, &protocol.ErrRejection{Code: protocol.ErrRateLimit, Message: "publish rate exceeded for " + channelID}
	}

	resp := g.apply(req.RegionID, req.Kind, source, "sync", req.Changes)
	return resp, nil
}

// ApplySnapshot lands a full changeset as one snapshot event rather than
// per-object events. Used for a channel's initial state on registration.
func (g *Gateway) ApplySnapshot(regionID, kind, source string, changes []protocol.ObjectChange) protocol.PublishResp {
	now := g.now()
	results := make([]protocol.PublishResult, 0, len(changes))
	applied := 0
	var epoch uint64
	for _, c := range changes {
		res, ev := g.applyChange(regionID, kind, source, "snapshot", c, now)
		results = append(results, res)
		if ev != nil {
			applied++
			epoch = ev.Epoch
		}
	}
	if epoch == 0 {
		epoch = g.store.Epoch(regionID)
	}
	if applied > 0 {
		ev := protocol.RegionEvent{
			RegionID: regionID,
			Kind:     kind,
			Action:   "snapshot",
			Source:   source,
			Epoch:    epoch,
			Objects:  applied,
			At:       now.UTC().Format(time.RFC3339Nano),
		}
		g.broker.Publish(topicRegion(regionID, kind, "snapshot"), ev)
	}
	return protocol.PublishResp{Results: results, Epoch: epoch}
}

// apply runs a validated changeset and broadcasts one event per applied
// change. path labels the entry point for metrics (sync or ingest).
func (g *Gateway) apply(regionID, kind, source, path string, changes []protocol.ObjectChange) protocol.PublishResp {
	now := g.now()
	results := make([]protocol.PublishResult, 0, len(changes))
	for _, c := range changes {
		res, ev := g.applyChange(regionID, kind, source, path, c, now)
		results = append(results, res)
		if ev != nil {
			g.broker.Publish(topicRegion(regionID, kind, ev.Action), *ev)
		}
	}
	return protocol.PublishResp{Results: results, Epoch: g.store.Epoch(regionID)}
}

// applyChange lands one change. A nil event means nothing observable
// happened (validation failure or a version at or below the stored one).
func (g *Gateway) applyChange(regionID, kind, source, path string, c protocol.ObjectChange, now time.Time) (protocol.PublishResult, *protocol.RegionEvent) {
	res := protocol.PublishResult{ObjectID: c.ObjectID, Version: c.Version}
	if c.ObjectID == "" {
		res.Code = protocol.ErrBadRequest
		return res, nil
	}
	if c.Version == 0 {
		res.Code = protocol.ErrBadRequest
		return res, nil
	}
	// Oversized boxes never reach the index; each would fan out across an
	// unbounded number of cells.
	if c.Bounds != nil && (!c.Bounds.Valid() || c.Bounds.MaxEdge() > geo.MaxExtent) {
		res.Code = protocol.ErrBadRequest
		return res, nil
	}

	if c.Delete {
		applied, epoch := g.store.Delete(regionID, c.ObjectID, c.Version, source, now)
		if !applied {
			metrics.PublishStale.Inc()
			res.Code = protocol.ErrStale
			return res, nil
		}
		res.Accepted = true
		metrics.PublishAccepted.WithLabelValues(path).Inc()
		if g.sink != nil {
			g.sink.ObjectApplied(regionID, store.Object{
				ID: c.ObjectID, Kind: kind, Version: c.Version,
				UpdatedAt: now, UpdatedBy: source, Deleted: true, DeletedAt: now,
			})
		}
		return res, g.event(regionID, kind, "deleted", c, source, epoch, now)
	}

	payload := c.Payload
	if g.blob != nil && g.cfg.BlobThreshold > 0 && len(payload) > g.cfg.BlobThreshold {
		if ref, err := g.blob.Offload(payload); err != nil {
			g.log.Printf("[gateway] blob offload %s/%s: %v", regionID, c.ObjectID, err)
		} else {
			payload = blobRef(ref, len(c.Payload))
			metrics.BlobOffloaded.Inc()
		}
	}

	obj := store.Object{
		ID:         c.ObjectID,
		Kind:       kind,
		ObjectType: c.ObjectType,
		Version:    c.Version,
		Position:   c.Position,
		Bounds:     c.Bounds,
		Payload:    payload,
		UpdatedAt:  now,
		UpdatedBy:  source,
	}
	applied, created, epoch := g.store.Put(regionID, obj)
	if !applied {
		metrics.PublishStale.Inc()
		res.Code = protocol.ErrStale
		return res, nil
	}
	res.Accepted = true
	metrics.PublishAccepted.WithLabelValues(path).Inc()
	if g.sink != nil {
		g.sink.ObjectApplied(regionID, obj)
	}
	action := "updated"
	if created {
		action = "created"
	}
	return res, g.event(regionID, kind, action, c, source, epoch, now)
}

// handleUnauthorized runs the channel's non-authority policy. proceed is
// true only under accept_and_alert.
func (g *Gateway) handleUnauthorized(ch authority.Channel, token string, changes int) (rej *protocol.ErrRejection, proceed bool) {
	policy := ch.Policy
	metrics.UnauthorizedPublish.WithLabelValues(policy).Inc()

	holder := holderOf(ch)
	warn := protocol.WarningEvent{
		ChannelID:        ch.ID,
		RegionID:         ch.RegionID,
		Kind:             ch.Kind,
		CurrentAuthority: holder,
		Policy:           policy,
		Accepted:         policy == protocol.PolicyAcceptAndAlert,
		Changes:          changes,
		At:               g.now().UTC().Format(time.RFC3339Nano),
	}

	switch policy {
	case protocol.PolicyAcceptAndAlert:
		g.broker.Publish(broker.TopicWarnings, warn)
		if g.sink != nil {
			g.sink.WarningRecorded(warn)
		}
		return nil, true
	case protocol.PolicyRejectSilent:
		return &protocol.ErrRejection{
			Code:             protocol.ErrNotAuthority,
			Message:          "token does not hold " + ch.ID,
			CurrentAuthority: holder,
		}, false
	default: // reject_and_alert
		g.broker.Publish(broker.TopicWarnings, warn)
		if g.sink != nil {
			g.sink.WarningRecorded(warn)
		}
		return &protocol.ErrRejection{
			Code:             protocol.ErrNotAuthority,
			Message:          "token does not hold " + ch.ID,
			CurrentAuthority: holder,
		}, false
	}
}

func (g *Gateway) event(regionID, kind, action string, c protocol.ObjectChange, source string, epoch uint64, now time.Time) *protocol.RegionEvent {
	return &protocol.RegionEvent{
		RegionID: regionID,
		Kind:     kind,
		Action:   action,
		ObjectID: c.ObjectID,
		Version:  c.Version,
		Bounds:   c.Bounds,
		Source:   source,
		Epoch:    epoch,
		At:       now.UTC().Format(time.RFC3339Nano),
	}
}

func (g *Gateway) limiter(channelID string) *rate.Limiter {
	g.limMu.Lock()
	defer g.limMu.Unlock()
	l, ok := g.limiters[channelID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(g.cfg.RateHz), g.cfg.RateBurst)
		g.limiters[channelID] = l
	}
	return l
}

func holderOf(ch authority.Channel) string {
	if ch.Lease != nil {
		return ch.Lease.HolderID
	}
	return ""
}

func topicRegion(regionID, kind, action string) string {
	return "region." + regionID + "." + kind + "." + action
}

// blobRef replaces an offloaded payload in place. Consumers fetch the bytes
// from /v1/blobs/<ref>.
func blobRef(ref string, size int) json.RawMessage {
	b, _ := json.Marshal(map[string]any{"blob_ref": ref, "blob_bytes": size})
	return b
}
