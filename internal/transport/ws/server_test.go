package ws

import (
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"worldplane.dev/internal/authority"
	"worldplane.dev/internal/broker"
	"worldplane.dev/internal/gateway"
	"worldplane.dev/internal/protocol"
	"worldplane.dev/internal/store"
)

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestSubscribeStreamsMatchingEvents(t *testing.T) {
	br := broker.New(1, 256, 64, nil)
	defer br.Close()
	srv := httptest.NewServer(NewServer(br, discard()).SubscribeHandler())
	defer srv.Close()

	conn := dial(t, srv)
	send(t, conn, protocol.SubscribeMsg{
		Type:            protocol.TypeSubscribe,
		ProtocolVersion: protocol.Version,
		Topics:          []string{"region.forest_7.>"},
	})
	// Give the subscription a beat to register before publishing.
	time.Sleep(50 * time.Millisecond)

	br.Publish("region.forest_7.world_objects.created", protocol.RegionEvent{
		RegionID: "forest_7", Kind: "world_objects", Action: "created", ObjectID: "tree_1",
	})
	br.Publish("region.ridge_2.world_objects.created", protocol.RegionEvent{
		RegionID: "ridge_2", Kind: "world_objects", Action: "created", ObjectID: "other",
	})

	var ev protocol.EventMsg
	if err := json.Unmarshal(readFrame(t, conn, 2*time.Second), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Type != protocol.TypeEvent || ev.Topic != "region.forest_7.world_objects.created" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	var payload protocol.RegionEvent
	if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload.ObjectID != "tree_1" {
		t.Fatalf("payload: %v %+v", err, payload)
	}

	// The ridge event must never arrive on this subscription.
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, msg, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected extra frame: %s", msg)
	}
}

func TestSubscribeRequiresSubscribeFirst(t *testing.T) {
	br := broker.New(1, 256, 64, nil)
	defer br.Close()
	srv := httptest.NewServer(NewServer(br, discard()).SubscribeHandler())
	defer srv.Close()

	conn := dial(t, srv)
	send(t, conn, map[string]string{"type": "EVENT"})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("connection survived a bad first frame")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	br := broker.New(1, 256, 64, nil)
	defer br.Close()
	srv := httptest.NewServer(NewServer(br, discard()).SubscribeHandler())
	defer srv.Close()

	conn := dial(t, srv)
	topic := "authority.forest_7:world_objects.granted"
	send(t, conn, protocol.SubscribeMsg{Type: protocol.TypeSubscribe, ProtocolVersion: protocol.Version, Topics: []string{topic}})
	time.Sleep(50 * time.Millisecond)

	br.Publish(topic, protocol.AuthorityEvent{ChannelID: "forest_7:world_objects"})
	readFrame(t, conn, 2*time.Second)

	send(t, conn, protocol.SubscribeMsg{Type: protocol.TypeUnsubscribe, ProtocolVersion: protocol.Version, Topics: []string{topic}})
	time.Sleep(50 * time.Millisecond)

	br.Publish(topic, protocol.AuthorityEvent{ChannelID: "forest_7:world_objects"})
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, msg, err := conn.ReadMessage(); err == nil {
		t.Fatalf("event delivered after unsubscribe: %s", msg)
	}
}

type ingestRig struct {
	auth   *authority.Registry
	store  *store.Store
	ingest *gateway.Ingest
	srv    *httptest.Server
}

func newIngestRig(t *testing.T) *ingestRig {
	t.Helper()
	br := broker.New(1, 256, 64, nil)
	t.Cleanup(br.Close)
	st := store.New(store.Config{DefaultCellSize: 32})
	auth := authority.NewRegistry(authority.Config{TTL: time.Minute, Grace: 30 * time.Second}, br.Publish, discard())
	gw := gateway.New(gateway.Config{}, auth, st, br, discard())
	ing := gateway.NewIngest(gateway.IngestConfig{QueueSize: 64, Workers: 1}, gw, discard())
	t.Cleanup(ing.Close)
	srv := httptest.NewServer(NewIngestServer(auth, ing, discard()).Handler())
	t.Cleanup(srv.Close)
	return &ingestRig{auth: auth, store: st, ingest: ing, srv: srv}
}

func TestIngestHandshakeAndBatch(t *testing.T) {
	rig := newIngestRig(t)
	lease, err := rig.auth.Register("forest_7", "world_objects", "sim-A", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	conn := dial(t, rig.srv)
	send(t, conn, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ChannelID:       lease.ChannelID,
		Token:           lease.Token,
	})
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(readFrame(t, conn, 2*time.Second), &welcome); err != nil {
		t.Fatalf("decode welcome: %v", err)
	}
	if welcome.Type != protocol.TypeWelcome || welcome.ChannelID != "forest_7:world_objects" || welcome.MaxBatch != protocol.MaxBatchChanges {
		t.Fatalf("unexpected welcome: %+v", welcome)
	}

	send(t, conn, protocol.BatchMsg{
		Type:            protocol.TypeBatch,
		ProtocolVersion: protocol.Version,
		Changes: []protocol.ObjectChange{
			{ObjectID: "tree_1", ObjectType: "tree", Version: 1},
		},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := rig.store.Get("forest_7", "tree_1"); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("batch never applied")
}

func TestIngestRejectsBadToken(t *testing.T) {
	rig := newIngestRig(t)
	lease, err := rig.auth.Register("forest_7", "world_objects", "sim-A", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	conn := dial(t, rig.srv)
	send(t, conn, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ChannelID:       lease.ChannelID,
		Token:           "not-the-token",
	})
	var errMsg protocol.ErrorMsg
	if err := json.Unmarshal(readFrame(t, conn, 2*time.Second), &errMsg); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if errMsg.Type != protocol.TypeError || errMsg.Error.Code != protocol.ErrInvalidToken {
		t.Fatalf("unexpected error frame: %+v", errMsg)
	}
	if errMsg.Error.CurrentAuthority != "sim-A" {
		t.Fatalf("current authority: %q", errMsg.Error.CurrentAuthority)
	}
}

func TestIngestRejectsMalformedBatch(t *testing.T) {
	rig := newIngestRig(t)
	lease, err := rig.auth.Register("forest_7", "world_objects", "sim-A", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	conn := dial(t, rig.srv)
	send(t, conn, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ChannelID:       lease.ChannelID,
		Token:           lease.Token,
	})
	readFrame(t, conn, 2*time.Second) // WELCOME

	// version 0 violates the batch schema
	send(t, conn, map[string]any{
		"type":             "BATCH",
		"protocol_version": protocol.Version,
		"changes":          []map[string]any{{"object_id": "x", "version": 0}},
	})
	var errMsg protocol.ErrorMsg
	if err := json.Unmarshal(readFrame(t, conn, 2*time.Second), &errMsg); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if errMsg.Error.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("unexpected code: %+v", errMsg.Error)
	}
}
