// Package authority tracks the exclusive writer per (region, kind) channel.
// Correctness rests on the lease token checked on every write, not on any
// lock held across calls.
package authority

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"worldplane.dev/internal/metrics"
	"worldplane.dev/internal/protocol"
)

// Lease states.
const (
	StateUnassigned = "unassigned"
	StateActive     = "active"
	StateGrace      = "grace"
)

var (
	ErrAlreadyOwned = fmt.Errorf("channel already owned")
	ErrInvalidToken = fmt.Errorf("invalid or stale token")
	ErrNotFound     = fmt.Errorf("channel not found")
)

type Lease struct {
	ChannelID  string
	HolderID   string
	Token      string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	GraceUntil time.Time // set while in grace
}

type Channel struct {
	ID        string
	RegionID  string
	Kind      string
	Policy    string
	CreatedAt time.Time

	State string
	Lease *Lease

	// Transfer queue, earliest requester first.
	transfers []string
}

type Registry struct {
	log *log.Logger

	ttl       time.Duration
	grace     time.Duration
	maxQueued int

	publish func(topic string, v any)
	now     func() time.Time

	mu       sync.Mutex
	channels map[string]*Channel
	byKey    map[string]string // region|kind -> channel id

	onCreate func(Channel) // persistence hook, called outside the lock
}

type Config struct {
	TTL              time.Duration
	Grace            time.Duration
	MaxTransferQueue int
}

func NewRegistry(cfg Config, publish func(topic string, v any), logger *log.Logger) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	if cfg.MaxTransferQueue <= 0 {
		cfg.MaxTransferQueue = 16
	}
	if publish == nil {
		publish = func(string, any) {}
	}
	return &Registry{
		log:       logger,
		ttl:       cfg.TTL,
		grace:     cfg.Grace,
		maxQueued: cfg.MaxTransferQueue,
		publish:   publish,
		now:       time.Now,
		channels:  make(map[string]*Channel),
		byKey:     make(map[string]string),
	}
}

// SetOnCreate installs the persistence hook for new channels.
func (r *Registry) SetOnCreate(fn func(Channel)) { r.onCreate = fn }

func ChannelID(regionID, kind string) string {
	return regionID + ":" + kind
}

// Register creates the channel if absent and issues a lease. A live lease
// under a different holder fails with ErrAlreadyOwned; the same holder gets
// its current lease back (this is also how a granted transfer is collected).
func (r *Registry) Register(regionID, kind, requesterID, policy string) (Lease, error) {
	if policy == "" {
		policy = protocol.PolicyRejectAndAlert
	}
	now := r.now()

	r.mu.Lock()
	key := regionID + "|" + kind
	id := r.byKey[key]
	ch := r.channels[id]
	var created *Channel
	if ch == nil {
		ch = &Channel{
			ID:        ChannelID(regionID, kind),
			RegionID:  regionID,
			Kind:      kind,
			Policy:    policy,
			CreatedAt: now,
			State:     StateUnassigned,
		}
		r.channels[ch.ID] = ch
		r.byKey[key] = ch.ID
		c := *ch
		created = &c
	}

	fires := r.transitionsLocked(ch, now)

	if ch.State != StateUnassigned && ch.Lease != nil && ch.Lease.HolderID != requesterID {
		holder := ch.Lease.HolderID
		r.mu.Unlock()
		r.fire(fires)
		if created != nil && r.onCreate != nil {
			r.onCreate(*created)
		}
		return Lease{HolderID: holder}, ErrAlreadyOwned
	}

	var lease Lease
	if ch.Lease != nil && ch.Lease.HolderID == requesterID {
		// Re-register by the current holder refreshes in place.
		ch.Lease.ExpiresAt = now.Add(r.ttl)
		ch.Lease.GraceUntil = time.Time{}
		ch.State = StateActive
		lease = *ch.Lease
	} else {
		lease = Lease{
			ChannelID: ch.ID,
			HolderID:  requesterID,
			Token:     uuid.NewString(),
			IssuedAt:  now,
			ExpiresAt: now.Add(r.ttl),
		}
		ch.Lease = &lease
		ch.State = StateActive
	}
	ev := r.eventLocked(ch, "")
	r.mu.Unlock()

	r.fire(fires)
	if created != nil && r.onCreate != nil {
		r.onCreate(*created)
	}
	metrics.LeaseTransitions.WithLabelValues("granted").Inc()
	r.publish("authority."+ch.ID+".granted", ev)
	return lease, nil
}

// Heartbeat extends the lease. A late heartbeat inside the grace window
// recovers the lease; after that the token is stale.
func (r *Registry) Heartbeat(channelID, token string) (Lease, error) {
	now := r.now()

	r.mu.Lock()
	ch := r.channels[channelID]
	if ch == nil {
		r.mu.Unlock()
		return Lease{}, ErrNotFound
	}
	fires := r.transitionsLocked(ch, now)
	if ch.Lease == nil || ch.Lease.Token != token {
		r.mu.Unlock()
		r.fire(fires)
		return Lease{}, ErrInvalidToken
	}
	recovered := ch.State == StateGrace
	ch.Lease.ExpiresAt = now.Add(r.ttl)
	ch.Lease.GraceUntil = time.Time{}
	ch.State = StateActive
	lease := *ch.Lease
	ev := r.eventLocked(ch, "")
	r.mu.Unlock()

	r.fire(fires)
	if recovered {
		metrics.LeaseTransitions.WithLabelValues("recovered").Inc()
		r.publish("authority."+channelID+".granted", ev)
	}
	return lease, nil
}

// Release clears the lease immediately. If transfer requests are queued the
// earliest requester is granted a fresh lease in the same step.
func (r *Registry) Release(channelID, token string) error {
	now := r.now()

	r.mu.Lock()
	ch := r.channels[channelID]
	if ch == nil {
		r.mu.Unlock()
		return ErrNotFound
	}
	fires := r.transitionsLocked(ch, now)
	if ch.Lease == nil || ch.Lease.Token != token {
		r.mu.Unlock()
		r.fire(fires)
		return ErrInvalidToken
	}
	ch.Lease = nil
	ch.State = StateUnassigned
	released := r.eventLocked(ch, "released by holder")
	var grantEv *protocol.AuthorityEvent
	if next, ok := ch.popTransferLocked(); ok {
		lease := Lease{
			ChannelID: ch.ID,
			HolderID:  next,
			Token:     uuid.NewString(),
			IssuedAt:  now,
			ExpiresAt: now.Add(r.ttl),
		}
		ch.Lease = &lease
		ch.State = StateActive
		ev := r.eventLocked(ch, "transfer granted on release")
		grantEv = &ev
	}
	r.mu.Unlock()

	r.fire(fires)
	metrics.LeaseTransitions.WithLabelValues("released").Inc()
	r.publish("authority."+channelID+".released", released)
	if grantEv != nil {
		metrics.LeaseTransitions.WithLabelValues("transferred").Inc()
		r.publish("authority."+channelID+".transferred", *grantEv)
	}
	return nil
}

// RequestTransfer queues the requester. Earliest requester wins when the
// current lease lapses (or is released) without renewal.
func (r *Registry) RequestTransfer(channelID, requesterID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := r.channels[channelID]
	if ch == nil {
		return ErrNotFound
	}
	for _, q := range ch.transfers {
		if q == requesterID {
			return nil
		}
	}
	if len(ch.transfers) >= r.maxQueued {
		return fmt.Errorf("transfer queue full")
	}
	ch.transfers = append(ch.transfers, requesterID)
	return nil
}

// Validate checks a write token. It returns the channel either way so the
// gateway can apply the channel's non-authority policy on failure.
func (r *Registry) Validate(channelID, token string) (ok bool, ch Channel, err error) {
	now := r.now()
	r.mu.Lock()
	c := r.channels[channelID]
	if c == nil {
		r.mu.Unlock()
		return false, Channel{}, ErrNotFound
	}
	fires := r.transitionsLocked(c, now)
	snap := snapshotLocked(c)
	// A token stays valid through grace; partition is recoverable, not fatal.
	ok = c.Lease != nil && c.Lease.Token == token
	r.mu.Unlock()
	r.fire(fires)
	return ok, snap, nil
}

func (r *Registry) Get(channelID string) (Channel, bool) {
	r.mu.Lock()
	c := r.channels[channelID]
	if c == nil {
		r.mu.Unlock()
		return Channel{}, false
	}
	fires := r.transitionsLocked(c, r.now())
	snap := snapshotLocked(c)
	r.mu.Unlock()
	r.fire(fires)
	return snap, true
}

func (r *Registry) List(regionID string) []Channel {
	now := r.now()
	var fires []leaseFire
	var out []Channel
	r.mu.Lock()
	for _, c := range r.channels {
		if regionID != "" && c.RegionID != regionID {
			continue
		}
		fires = append(fires, r.transitionsLocked(c, now)...)
		out = append(out, snapshotLocked(c))
	}
	r.mu.Unlock()
	r.fire(fires)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore loads a persisted channel on boot, always Unassigned: leases are
// ephemeral and do not survive a restart.
func (r *Registry) Restore(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := ch
	c.State = StateUnassigned
	c.Lease = nil
	c.transfers = nil
	r.channels[c.ID] = &c
	r.byKey[c.RegionID+"|"+c.Kind] = c.ID
}

type leaseFire struct {
	topic string
	ev    protocol.AuthorityEvent
	label string
}

// Sweep drives timeout transitions; the server runs it on a short ticker.
func (r *Registry) Sweep() {
	now := r.now()
	var fires []leaseFire

	r.mu.Lock()
	for _, ch := range r.channels {
		fires = append(fires, r.transitionsLocked(ch, now)...)
	}
	r.mu.Unlock()

	r.fire(fires)
}

func (r *Registry) fire(fires []leaseFire) {
	for _, f := range fires {
		metrics.LeaseTransitions.WithLabelValues(f.label).Inc()
		r.publish(f.topic, f.ev)
	}
}

func snapshotLocked(c *Channel) Channel {
	snap := *c
	if c.Lease != nil {
		lease := *c.Lease
		snap.Lease = &lease
	}
	snap.transfers = nil
	return snap
}

func (r *Registry) transitionsLocked(ch *Channel, now time.Time) []leaseFire {
	var fires []leaseFire

	if ch.State == StateActive && ch.Lease != nil && now.After(ch.Lease.ExpiresAt) {
		ch.State = StateGrace
		ch.Lease.GraceUntil = ch.Lease.ExpiresAt.Add(r.grace)
		fires = append(fires, leaseFire{
			topic: "authority." + ch.ID + ".grace",
			ev:    r.eventLocked(ch, "missed heartbeat"),
			label: "grace",
		})
	}
	if ch.State == StateGrace && ch.Lease != nil && now.After(ch.Lease.GraceUntil) {
		if next, ok := ch.popTransferLocked(); ok {
			lease := Lease{
				ChannelID: ch.ID,
				HolderID:  next,
				Token:     uuid.NewString(),
				IssuedAt:  now,
				ExpiresAt: now.Add(r.ttl),
			}
			ch.Lease = &lease
			ch.State = StateActive
			fires = append(fires, leaseFire{
				topic: "authority." + ch.ID + ".transferred",
				ev:    r.eventLocked(ch, "grace lapsed with pending transfer"),
				label: "transferred",
			})
		} else {
			ch.Lease = nil
			ch.State = StateUnassigned
			fires = append(fires, leaseFire{
				topic: "authority." + ch.ID + ".expired",
				ev:    r.eventLocked(ch, "grace lapsed"),
				label: "expired",
			})
		}
	}
	return fires
}

func (ch *Channel) popTransferLocked() (string, bool) {
	if len(ch.transfers) == 0 {
		return "", false
	}
	next := ch.transfers[0]
	ch.transfers = ch.transfers[1:]
	return next, true
}

func (r *Registry) eventLocked(ch *Channel, reason string) protocol.AuthorityEvent {
	ev := protocol.AuthorityEvent{
		ChannelID: ch.ID,
		RegionID:  ch.RegionID,
		Kind:      ch.Kind,
		Reason:    reason,
		At:        r.now().UTC().Format(time.RFC3339Nano),
	}
	if ch.Lease != nil {
		ev.HolderID = ch.Lease.HolderID
		ev.ExpiresAt = ch.Lease.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return ev
}

// Info renders a channel for the HTTP listing.
func Info(ch Channel) protocol.ChannelInfo {
	info := protocol.ChannelInfo{
		ChannelID: ch.ID,
		RegionID:  ch.RegionID,
		Kind:      ch.Kind,
		Policy:    ch.Policy,
		State:     ch.State,
		CreatedAt: ch.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if ch.Lease != nil {
		info.HolderID = ch.Lease.HolderID
		info.ExpiresAt = ch.Lease.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return info
}
