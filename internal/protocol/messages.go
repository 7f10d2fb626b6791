package protocol

import (
	"encoding/json"

	"worldplane.dev/internal/geo"
)

// Non-authority handling policies a channel can be created with.
const (
	PolicyRejectAndAlert = "reject_and_alert"
	PolicyAcceptAndAlert = "accept_and_alert"
	PolicyRejectSilent   = "reject_silent"
)

// Freshness tiers for affordance queries.
const (
	FreshnessFresh      = "fresh"
	FreshnessCached     = "cached"
	FreshnessAggressive = "aggressive_cache"
)

// MaxBatchChanges caps one publish or ingest batch. Larger batches are
// rejected outright, never truncated.
const MaxBatchChanges = 100

// ObjectChange is one element of a publish/ingest changeset. Version is
// assigned by the writer and resolves ordering; a change at or below the
// stored version is a silent no-op.
type ObjectChange struct {
	ObjectID   string          `json:"object_id"`
	ObjectType string          `json:"object_type,omitempty"`
	Version    uint64          `json:"version"`
	Position   *geo.Vec3       `json:"position,omitempty"`
	Bounds     *geo.Bounds     `json:"bounds,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Delete     bool            `json:"delete,omitempty"`
}

// --- Authority (HTTP) ---

type CreateChannelReq struct {
	RegionID        string         `json:"region_id"`
	Kind            string         `json:"kind"`
	HolderID        string         `json:"holder_id"`
	Policy          string         `json:"policy,omitempty"`
	InitialSnapshot []ObjectChange `json:"initial_snapshot,omitempty"`
}

type CreateChannelResp struct {
	ChannelID   string `json:"channel_id"`
	Token       string `json:"token"`
	IngestTopic string `json:"ingest_topic"`
	ExpiresAt   string `json:"expires_at"`
}

type HeartbeatReq struct {
	Token string `json:"token"`
}

type HeartbeatResp struct {
	Valid     bool   `json:"valid"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

type ReleaseReq struct {
	Token string `json:"token"`
}

type TransferReq struct {
	RequesterID string `json:"requester_id"`
}

type ChannelInfo struct {
	ChannelID string `json:"channel_id"`
	RegionID  string `json:"region_id"`
	Kind      string `json:"kind"`
	Policy    string `json:"policy"`
	State     string `json:"state"`
	HolderID  string `json:"holder_id,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
	CreatedAt string `json:"created_at"`
}

// --- Publish (HTTP sync path) ---

type PublishReq struct {
	RegionID string         `json:"region_id"`
	Kind     string         `json:"kind"`
	Token    string         `json:"token"`
	Changes  []ObjectChange `json:"changes"`
}

type PublishResult struct {
	ObjectID string `json:"object_id"`
	Version  uint64 `json:"version"`
	Accepted bool   `json:"accepted"`
	Code     string `json:"code,omitempty"`
}

type PublishResp struct {
	Results []PublishResult `json:"results"`
	Epoch   uint64          `json:"epoch"`
}

// --- Queries (HTTP) ---

type QueryPointReq struct {
	RegionID string   `json:"region_id"`
	Position geo.Vec3 `json:"position"`
	Radius   float64  `json:"radius,omitempty"`
	Kinds    []string `json:"kinds,omitempty"`
}

type QueryBoundsReq struct {
	RegionID   string     `json:"region_id"`
	Bounds     geo.Bounds `json:"bounds"`
	Kinds      []string   `json:"kinds,omitempty"`
	MaxObjects int        `json:"max_objects,omitempty"`
}

type QueryTypeReq struct {
	RegionID   string      `json:"region_id"`
	ObjectType string      `json:"object_type"`
	Bounds     *geo.Bounds `json:"bounds,omitempty"`
}

type ObjectView struct {
	ObjectID      string          `json:"object_id"`
	Kind          string          `json:"kind"`
	ObjectType    string          `json:"object_type,omitempty"`
	Version       uint64          `json:"version"`
	Position      *geo.Vec3       `json:"position,omitempty"`
	Bounds        *geo.Bounds     `json:"bounds,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	LastUpdatedAt string          `json:"last_updated_at"`
	LastUpdatedBy string          `json:"last_updated_by"`
}

type QueryResp struct {
	Objects   []ObjectView `json:"objects"`
	Truncated bool         `json:"truncated,omitempty"`
	Epoch     uint64       `json:"epoch"`
}

// --- Affordance (HTTP) ---

type AffordanceQueryReq struct {
	RegionID       string          `json:"region_id"`
	AffordanceType string          `json:"affordance_type,omitempty"`
	Definition     json.RawMessage `json:"definition,omitempty"`
	Bounds         *geo.Bounds     `json:"bounds,omitempty"`
	Capabilities   *Capabilities   `json:"capabilities,omitempty"`
	Freshness      string          `json:"freshness,omitempty"`
	MaxAgeSeconds  int             `json:"max_age_seconds,omitempty"`
	MinScore       float64         `json:"min_score,omitempty"`
	MaxResults     int             `json:"max_results,omitempty"`
}

// Capabilities describes the acting body a query ranks locations for. It
// shapes test evaluation, never post-filters results.
type Capabilities struct {
	SizeClass       string   `json:"size_class,omitempty"` // small | medium | large
	Height          float64  `json:"height,omitempty"`
	MovementModes   []string `json:"movement_modes,omitempty"`
	PerceptionRange float64  `json:"perception_range,omitempty"`
	StealthRating   float64  `json:"stealth_rating,omitempty"` // 0..1
}

type AffordanceLocation struct {
	Position  geo.Vec3           `json:"position"`
	Bounds    *geo.Bounds        `json:"bounds,omitempty"`
	Score     float64            `json:"score"`
	Features  map[string]float64 `json:"features,omitempty"`
	ObjectIDs []string           `json:"object_ids,omitempty"`
}

type AffordanceMetadata struct {
	Epoch     uint64 `json:"epoch"`
	Cache     string `json:"cache"` // miss | hit | stale_hit
	Partial   bool   `json:"partial,omitempty"`
	Dropped   int    `json:"dropped,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

type AffordanceQueryResp struct {
	Locations []AffordanceLocation `json:"locations"`
	Metadata  AffordanceMetadata   `json:"metadata"`
}

// --- Events (broadcast + WS frames) ---

// RegionEvent is the canonical broadcast payload for object lifecycle
// topics (region.<region>.<kind>.created|updated|deleted|snapshot).
type RegionEvent struct {
	RegionID string      `json:"region_id"`
	Kind     string      `json:"kind"`
	Action   string      `json:"action"`
	ObjectID string      `json:"object_id,omitempty"`
	Version  uint64      `json:"version,omitempty"`
	Bounds   *geo.Bounds `json:"bounds,omitempty"`
	Source   string      `json:"source"`
	Epoch    uint64      `json:"epoch"`
	Objects  int         `json:"objects,omitempty"` // snapshot events only
	At       string      `json:"at"`
}

// AuthorityEvent reports a lease state transition on
// authority.<channelId>.<transition>.
type AuthorityEvent struct {
	ChannelID string `json:"channel_id"`
	RegionID  string `json:"region_id"`
	Kind      string `json:"kind"`
	HolderID  string `json:"holder_id,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
	Reason    string `json:"reason,omitempty"`
	At        string `json:"at"`
}

// WarningEvent lands on warnings.unauthorized_publish when a channel policy
// fires.
type WarningEvent struct {
	ChannelID        string `json:"channel_id"`
	RegionID         string `json:"region_id"`
	Kind             string `json:"kind"`
	SenderID         string `json:"sender_id,omitempty"`
	CurrentAuthority string `json:"current_authority,omitempty"`
	Policy           string `json:"policy"`
	Accepted         bool   `json:"accepted"`
	Changes          int    `json:"changes"`
	At               string `json:"at"`
}

// --- WebSocket frames ---

// HELLO (producer -> server, /v1/ingest only)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ChannelID       string `json:"channel_id"`
	Token           string `json:"token"`
}

// WELCOME (server -> producer)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ChannelID       string `json:"channel_id"`
	IngestTopic     string `json:"ingest_topic"`
	MaxBatch        int    `json:"max_batch"`
}

// BATCH (producer -> server, fire-and-forget)
type BatchMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	Changes         []ObjectChange `json:"changes"`
}

// SUBSCRIBE / UNSUBSCRIBE (consumer -> server, /v1/subscribe)
type SubscribeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Topics          []string `json:"topics"`
}

// EVENT (server -> consumer)
type EventMsg struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type  string       `json:"type"`
	Error ErrRejection `json:"error"`
}
