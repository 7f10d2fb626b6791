package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"worldplane.dev/internal/authority"
	"worldplane.dev/internal/persistence/s3mirror"
	"worldplane.dev/internal/persistence/snapshot"
	"worldplane.dev/internal/protocol"
	"worldplane.dev/internal/store"
)

const maxBodyBytes = 1 << 20

var errOpTimeout = errors.New("authority operation timed out")

// opTimeout bounds one authority mutation by authority.op_timeout_ms. The
// registry serializes mutations behind one lock, so a stalled lease event
// fanout surfaces as E_TIMEOUT instead of a hung request.
func (s *Server) opTimeout(ctx context.Context, fn func() error) error {
	d := time.Duration(s.cfg.Authority.OpTimeoutMS) * time.Millisecond
	if d <= 0 {
		return fn()
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errOpTimeout
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/channels", s.handleChannels)
	mux.HandleFunc("/v1/channels/", s.handleChannelAction)
	mux.HandleFunc("/v1/publish", s.handlePublish)
	mux.HandleFunc("/v1/query/point", s.handleQueryPoint)
	mux.HandleFunc("/v1/query/bounds", s.handleQueryBounds)
	mux.HandleFunc("/v1/query/type", s.handleQueryType)
	mux.HandleFunc("/v1/affordance/query", s.handleAffordanceQuery)
	mux.HandleFunc("/v1/affordances", s.handleAffordances)
	mux.HandleFunc("/v1/objects", s.handleObject)
	mux.HandleFunc("/v1/blobs/", s.handleBlob)
	mux.HandleFunc("/v1/admin/snapshot", s.handleSnapshotExport)
	mux.HandleFunc("/v1/stats", s.handleStats)
	mux.HandleFunc("/v1/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/v1/subscribe", s.subscribeWS.SubscribeHandler())
	mux.HandleFunc("/v1/ingest", s.ingestWS.Handler())

	return mux
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrProtoBadRequest, Message: "body too large or unreadable"})
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRejection(w http.ResponseWriter, rej *protocol.ErrRejection) {
	writeJSON(w, statusFor(rej.Code), rej)
}

func statusFor(code string) int {
	switch code {
	case protocol.ErrProtoBadRequest, protocol.ErrBadRequest:
		return http.StatusBadRequest
	case protocol.ErrInvalidToken, protocol.ErrNotAuthority:
		return http.StatusForbidden
	case protocol.ErrNotFound:
		return http.StatusNotFound
	case protocol.ErrAlreadyOwned, protocol.ErrOverflow:
		return http.StatusConflict
	case protocol.ErrRateLimit:
		return http.StatusTooManyRequests
	case protocol.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		chans := s.auth.List(r.URL.Query().Get("region"))
		infos := make([]protocol.ChannelInfo, 0, len(chans))
		for _, ch := range chans {
			infos = append(infos, authority.Info(ch))
		}
		writeJSON(w, http.StatusOK, map[string]any{"channels": infos})
	case http.MethodPost:
		s.handleCreateChannel(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if err := protocol.ValidateJSON(protocol.CreateChannelSchema, body); err != nil {
		writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	var req protocol.CreateChannelReq
	if err := json.Unmarshal(body, &req); err != nil {
		writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	var lease authority.Lease
	err := s.opTimeout(r.Context(), func() error {
		var err error
		lease, err = s.auth.Register(req.RegionID, req.Kind, req.HolderID, req.Policy)
		return err
	})
	if err != nil {
		if errors.Is(err, errOpTimeout) {
			writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrTimeout, Message: err.Error()})
			return
		}
		if errors.Is(err, authority.ErrAlreadyOwned) {
			writeRejection(w, &protocol.ErrRejection{
				Code:             protocol.ErrAlreadyOwned,
				Message:          "channel has an active authority",
				CurrentAuthority: lease.HolderID,
			})
			return
		}
		writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrBadRequest, Message: err.Error()})
		return
	}
	if len(req.InitialSnapshot) > 0 {
		s.gateway.ApplySnapshot(req.RegionID, req.Kind, req.HolderID, req.InitialSnapshot)
	}
	writeJSON(w, http.StatusOK, protocol.CreateChannelResp{
		ChannelID:   lease.ChannelID,
		Token:       lease.Token,
		IngestTopic: "ingest." + lease.ChannelID,
		ExpiresAt:   lease.ExpiresAt.UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleChannelAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/channels/")
	channelID, action, ok := strings.Cut(rest, "/")
	if !ok || channelID == "" {
		http.NotFound(w, r)
		return
	}
	body, okBody := readBody(w, r)
	if !okBody {
		return
	}
	switch action {
	case "heartbeat":
		var req protocol.HeartbeatReq
		if err := json.Unmarshal(body, &req); err != nil || req.Token == "" {
			writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrProtoBadRequest, Message: "token required"})
			return
		}
		var lease authority.Lease
		err := s.opTimeout(r.Context(), func() error {
			var err error
			lease, err = s.auth.Heartbeat(channelID, req.Token)
			return err
		})
		switch {
		case errors.Is(err, errOpTimeout):
			writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrTimeout, Message: err.Error()})
		case errors.Is(err, authority.ErrNotFound):
			writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrNotFound, Message: "unknown channel"})
		case errors.Is(err, authority.ErrInvalidToken):
			writeJSON(w, http.StatusOK, protocol.HeartbeatResp{Valid: false})
		case err != nil:
			writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrInternal, Message: err.Error()})
		default:
			writeJSON(w, http.StatusOK, protocol.HeartbeatResp{
				Valid:     true,
				ExpiresAt: lease.ExpiresAt.UTC().Format(time.RFC3339Nano),
			})
		}
	case "release":
		var req protocol.ReleaseReq
		if err := json.Unmarshal(body, &req); err != nil || req.Token == "" {
			writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrProtoBadRequest, Message: "token required"})
			return
		}
		err := s.opTimeout(r.Context(), func() error { return s.auth.Release(channelID, req.Token) })
		switch {
		case errors.Is(err, errOpTimeout):
			writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrTimeout, Message: err.Error()})
		case errors.Is(err, authority.ErrNotFound):
			writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrNotFound, Message: "unknown channel"})
		case errors.Is(err, authority.ErrInvalidToken):
			writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrInvalidToken, Message: "invalid or stale token"})
		case err != nil:
			writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrInternal, Message: err.Error()})
		default:
			writeJSON(w, http.StatusOK, map[string]bool{"released": true})
		}
	case "transfer":
		var req protocol.TransferReq
		if err := json.Unmarshal(body, &req); err != nil || req.RequesterID == "" {
			writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrProtoBadRequest, Message: "requester_id required"})
			return
		}
		err := s.opTimeout(r.Context(), func() error { return s.auth.RequestTransfer(channelID, req.RequesterID) })
		switch {
		case errors.Is(err, errOpTimeout):
			writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrTimeout, Message: err.Error()})
		case errors.Is(err, authority.ErrNotFound):
			writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrNotFound, Message: "unknown channel"})
		case err != nil:
			writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrOverflow, Message: err.Error()})
		default:
			writeJSON(w, http.StatusOK, map[string]bool{"queued": true})
		}
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if err := protocol.ValidateJSON(protocol.PublishSchema, body); err != nil {
		writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	var req protocol.PublishReq
	if err := json.Unmarshal(body, &req); err != nil {
		writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	resp, rej := s.gateway.Publish(req)
	if rej != nil {
		writeRejection(w, rej)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueryPoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if err := protocol.ValidateJSON(protocol.QueryPointSchema, body); err != nil {
		writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	var req protocol.QueryPointReq
	if err := json.Unmarshal(body, &req); err != nil {
		writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	resp, rej := s.queries.Point(req)
	if rej != nil {
		writeRejection(w, rej)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueryBounds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if err := protocol.ValidateJSON(protocol.QueryBoundsSchema, body); err != nil {
		writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	var req protocol.QueryBoundsReq
	if err := json.Unmarshal(body, &req); err != nil {
		writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	resp, rej := s.queries.Bounds(req)
	if rej != nil {
		writeRejection(w, rej)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueryType(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if err := protocol.ValidateJSON(protocol.QueryTypeSchema, body); err != nil {
		writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	var req protocol.QueryTypeReq
	if err := json.Unmarshal(body, &req); err != nil {
		writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	resp, rej := s.queries.ByType(req)
	if rej != nil {
		writeRejection(w, rej)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAffordanceQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if err := protocol.ValidateJSON(protocol.AffordanceQuerySchema, body); err != nil {
		writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	var req protocol.AffordanceQueryReq
	if err := json.Unmarshal(body, &req); err != nil {
		writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrProtoBadRequest, Message: err.Error()})
		return
	}
	resp, rej := s.engine.Query(r.Context(), req)
	if rej != nil {
		writeRejection(w, rej)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAffordances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"affordances": s.catalog.List()})
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	regionID := r.URL.Query().Get("region")
	objectID := r.URL.Query().Get("id")
	if regionID == "" || objectID == "" {
		writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrBadRequest, Message: "region and id required"})
		return
	}
	view, rej := s.queries.Get(regionID, objectID)
	if rej != nil {
		writeRejection(w, rej)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ref := strings.TrimPrefix(r.URL.Path, "/v1/blobs/")
	payload, err := s.blobs.Get(ref)
	if err != nil {
		if os.IsNotExist(err) {
			writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrNotFound, Message: "unknown blob"})
			return
		}
		writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrBadRequest, Message: err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// handleSnapshotExport writes a point-in-time region snapshot to disk and,
// when a mirror is configured, queues it for upload.
func (s *Server) handleSnapshotExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		RegionID string `json:"region_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.RegionID == "" {
		writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrProtoBadRequest, Message: "region_id required"})
		return
	}
	channels := s.auth.List(req.RegionID)
	objects := s.store.Objects(req.RegionID)
	if len(channels) == 0 && len(objects) == 0 {
		writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrNotFound, Message: "unknown region"})
		return
	}
	reg := snapshot.Region{
		RegionID: req.RegionID,
		Epoch:    s.store.Epoch(req.RegionID),
		SavedAt:  time.Now().UTC(),
		Objects:  objects,
	}
	for _, ch := range channels {
		reg.Channels = append(reg.Channels, snapshot.ChannelV1{
			ChannelID: ch.ID,
			Kind:      ch.Kind,
			Policy:    ch.Policy,
			CreatedAt: ch.CreatedAt,
		})
	}
	if err := snapshot.Write(s.snapshotDir, reg); err != nil {
		writeRejection(w, &protocol.ErrRejection{Code: protocol.ErrInternal, Message: err.Error()})
		return
	}
	path := snapshot.Path(s.snapshotDir, req.RegionID)
	if s.mirror != nil {
		s.mirror.Enqueue(path)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"region_id": req.RegionID,
		"epoch":     reg.Epoch,
		"objects":   len(objects),
		"path":      path,
	})
}

type statsResp struct {
	UptimeSeconds    int64           `json:"uptime_seconds"`
	Store            store.Stats     `json:"store"`
	ChannelsByState  map[string]int  `json:"channels_by_state"`
	IngestDepth      int             `json:"ingest_depth"`
	CatalogDBDepth   int             `json:"catalog_db_depth"`
	CatalogDBDropped uint64          `json:"catalog_db_dropped"`
	Warnings         int             `json:"warnings"`
	AffordanceCache  int             `json:"affordance_cache_entries"`
	AffordanceDefs   int             `json:"affordance_definitions"`
	Mirror           *s3mirror.Stats `json:"mirror,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	byState := map[string]int{}
	for _, ch := range s.auth.List("") {
		byState[ch.State]++
	}
	warnings, err := s.catalogDB.WarningCount()
	if err != nil {
		warnings = -1
	}
	resp := statsResp{
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		Store:            s.store.Stats(),
		ChannelsByState:  byState,
		IngestDepth:      s.ingest.Depth(),
		CatalogDBDepth:   s.catalogDB.Depth(),
		CatalogDBDropped: s.catalogDB.Dropped(),
		Warnings:         warnings,
		AffordanceCache:  s.engine.CacheLen(),
		AffordanceDefs:   s.catalog.Len(),
	}
	if s.mirror != nil {
		st := s.mirror.Stats()
		resp.Mirror = &st
	}
	writeJSON(w, http.StatusOK, resp)
}
