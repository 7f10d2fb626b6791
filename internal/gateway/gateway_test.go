package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"worldplane.dev/internal/authority"
	"worldplane.dev/internal/broker"
	"worldplane.dev/internal/geo"
	"worldplane.dev/internal/protocol"
	"worldplane.dev/internal/store"
)

func testRig(t *testing.T) (*Gateway, *authority.Registry, *store.Store, *broker.Broker) {
	t.Helper()
	br := broker.New(1, 256, 64, nil)
	t.Cleanup(br.Close)
	reg := authority.NewRegistry(authority.Config{TTL: time.Minute, Grace: 30 * time.Second}, br.Publish, nil)
	st := store.New(store.Config{DefaultCellSize: 32})
	gw := New(Config{}, reg, st, br, nil)
	return gw, reg, st, br
}

func change(id string, version uint64, x, z float64) protocol.ObjectChange {
	return protocol.ObjectChange{
		ObjectID:   id,
		ObjectType: "fire",
		Version:    version,
		Position:   &geo.Vec3{X: x, Y: 0, Z: z},
	}
}

func waitEvent(t *testing.T, sub *broker.Subscription, topicSuffix string) broker.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				t.Fatalf("subscription closed waiting for %s", topicSuffix)
			}
			if strings.HasSuffix(ev.Topic, topicSuffix) {
				return ev
			}
		case <-deadline:
			t.Fatalf("no event with suffix %s", topicSuffix)
		}
	}
}

func TestPublishAppliesAndBroadcasts(t *testing.T) {
	gw, reg, st, br := testRig(t)
	sub := br.Subscribe("region.R1.hazards.>")

	lease, err := reg.Register("R1", "hazards", "sim-A", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	resp, rej := gw.Publish(protocol.PublishReq{
		RegionID: "R1", Kind: "hazards", Token: lease.Token,
		Changes: []protocol.ObjectChange{change("O1", 1, 10, 10), change("O2", 1, 20, 20)},
	})
	if rej != nil {
		t.Fatalf("publish rejected: %+v", rej)
	}
	for _, r := range resp.Results {
		if !r.Accepted {
			t.Fatalf("change %s not accepted: %s", r.ObjectID, r.Code)
		}
	}
	if resp.Epoch == 0 {
		t.Fatalf("epoch should advance")
	}

	ev := waitEvent(t, sub, ".created")
	var re protocol.RegionEvent
	if err := json.Unmarshal(ev.Payload, &re); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if re.Source != "sim-A" || re.Action != "created" {
		t.Fatalf("bad event: %+v", re)
	}

	if _, ok := st.Get("R1", "O1"); !ok {
		t.Fatalf("O1 not stored")
	}
}

func TestUpdateThenDeleteEvents(t *testing.T) {
	gw, reg, _, br := testRig(t)
	sub := br.Subscribe("region.R1.hazards.updated", "region.R1.hazards.deleted")

	lease, _ := reg.Register("R1", "hazards", "sim-A", "")
	tok := lease.Token

	gw.Publish(protocol.PublishReq{RegionID: "R1", Kind: "hazards", Token: tok,
		Changes: []protocol.ObjectChange{change("O1", 1, 10, 10)}})
	gw.Publish(protocol.PublishReq{RegionID: "R1", Kind: "hazards", Token: tok,
		Changes: []protocol.ObjectChange{change("O1", 2, 11, 10)}})
	waitEvent(t, sub, ".updated")

	resp, rej := gw.Publish(protocol.PublishReq{RegionID: "R1", Kind: "hazards", Token: tok,
		Changes: []protocol.ObjectChange{{ObjectID: "O1", Version: 3, Delete: true}}})
	if rej != nil || !resp.Results[0].Accepted {
		t.Fatalf("delete refused: %+v %+v", resp, rej)
	}
	waitEvent(t, sub, ".deleted")
}

func TestStaleVersionIsSilentNoOp(t *testing.T) {
	gw, reg, st, _ := testRig(t)
	lease, _ := reg.Register("R1", "hazards", "sim-A", "")

	gw.Publish(protocol.PublishReq{RegionID: "R1", Kind: "hazards", Token: lease.Token,
		Changes: []protocol.ObjectChange{change("O1", 5, 10, 10)}})
	resp, rej := gw.Publish(protocol.PublishReq{RegionID: "R1", Kind: "hazards", Token: lease.Token,
		Changes: []protocol.ObjectChange{change("O1", 4, 99, 99)}})
	if rej != nil {
		t.Fatalf("stale change must not reject the batch: %+v", rej)
	}
	if resp.Results[0].Accepted || resp.Results[0].Code != protocol.ErrStale {
		t.Fatalf("expected stale no-op, got %+v", resp.Results[0])
	}
	obj, _ := st.Get("R1", "O1")
	if obj.Position.X != 10 {
		t.Fatalf("stale write must not land: %+v", obj.Position)
	}
}

func TestPublishWithoutAuthorityRejectAndAlert(t *testing.T) {
	gw, reg, st, br := testRig(t)
	warnings := br.Subscribe(broker.TopicWarnings)

	reg.Register("R1", "hazards", "sim-A", protocol.PolicyRejectAndAlert)

	_, rej := gw.Publish(protocol.PublishReq{RegionID: "R1", Kind: "hazards", Token: "bogus",
		Changes: []protocol.ObjectChange{change("O1", 1, 10, 10)}})
	if rej == nil || rej.Code != protocol.ErrNotAuthority {
		t.Fatalf("expected E_NOT_AUTHORITY, got %+v", rej)
	}
	if rej.CurrentAuthority != "sim-A" {
		t.Fatalf("rejection should name the holder, got %q", rej.CurrentAuthority)
	}
	if _, ok := st.Get("R1", "O1"); ok {
		t.Fatalf("rejected write must not land")
	}

	ev := waitEvent(t, warnings, "unauthorized_publish")
	var w protocol.WarningEvent
	if err := json.Unmarshal(ev.Payload, &w); err != nil {
		t.Fatalf("decode warning: %v", err)
	}
	if w.Accepted || w.CurrentAuthority != "sim-A" {
		t.Fatalf("bad warning: %+v", w)
	}
}

func TestPublishWithoutAuthorityAcceptAndAlert(t *testing.T) {
	gw, reg, st, br := testRig(t)
	warnings := br.Subscribe(broker.TopicWarnings)

	reg.Register("R1", "hazards", "sim-A", protocol.PolicyAcceptAndAlert)

	resp, rej := gw.Publish(protocol.PublishReq{RegionID: "R1", Kind: "hazards", Token: "bogus",
		Changes: []protocol.ObjectChange{change("O1", 1, 10, 10)}})
	if rej != nil {
		t.Fatalf("accept_and_alert must apply: %+v", rej)
	}
	if !resp.Results[0].Accepted {
		t.Fatalf("change should land: %+v", resp.Results[0])
	}
	if obj, ok := st.Get("R1", "O1"); !ok || obj.UpdatedBy != "unauthorized" {
		t.Fatalf("object missing or wrong source: %+v ok=%v", obj, ok)
	}

	ev := waitEvent(t, warnings, "unauthorized_publish")
	var w protocol.WarningEvent
	json.Unmarshal(ev.Payload, &w)
	if !w.Accepted {
		t.Fatalf("warning should record acceptance: %+v", w)
	}
}

func TestPublishWithoutAuthorityRejectSilent(t *testing.T) {
	gw, reg, _, br := testRig(t)
	warnings := br.Subscribe(broker.TopicWarnings)

	reg.Register("R1", "hazards", "sim-A", protocol.PolicyRejectSilent)

	_, rej := gw.Publish(protocol.PublishReq{RegionID: "R1", Kind: "hazards", Token: "bogus",
		Changes: []protocol.ObjectChange{change("O1", 1, 10, 10)}})
	if rej == nil || rej.Code != protocol.ErrNotAuthority {
		t.Fatalf("expected rejection, got %+v", rej)
	}
	select {
	case ev := <-warnings.C():
		t.Fatalf("reject_silent must not alert, got %s", ev.Topic)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOversizedBoundsChangeRefused(t *testing.T) {
	gw, reg, st, _ := testRig(t)
	lease, _ := reg.Register("R1", "zones", "sim-A", "")

	// A schema-valid change with planet-sized bounds must fail its change
	// result without touching the index; siblings still land.
	wide := geo.Bounds{Min: geo.Vec3{X: -1e12, Y: -1e12, Z: -1e12}, Max: geo.Vec3{X: 1e12, Y: 1e12, Z: 1e12}}
	huge := protocol.ObjectChange{ObjectID: "Z1", ObjectType: "storm", Version: 1, Bounds: &wide}
	resp, rej := gw.Publish(protocol.PublishReq{RegionID: "R1", Kind: "zones", Token: lease.Token,
		Changes: []protocol.ObjectChange{huge, change("Z2", 1, 5, 5)}})
	if rej != nil {
		t.Fatalf("batch must not reject outright: %+v", rej)
	}
	if resp.Results[0].Accepted || resp.Results[0].Code != protocol.ErrBadRequest {
		t.Fatalf("oversized bounds should fail with E_BAD_REQUEST, got %+v", resp.Results[0])
	}
	if !resp.Results[1].Accepted {
		t.Fatalf("sibling change should still land: %+v", resp.Results[1])
	}
	if _, ok := st.Get("R1", "Z1"); ok {
		t.Fatalf("oversized object must not be stored")
	}

	inverted := geo.Bounds{Min: geo.Vec3{X: 10}, Max: geo.Vec3{X: -10}}
	resp, _ = gw.Publish(protocol.PublishReq{RegionID: "R1", Kind: "zones", Token: lease.Token,
		Changes: []protocol.ObjectChange{{ObjectID: "Z3", ObjectType: "storm", Version: 1, Bounds: &inverted}}})
	if resp.Results[0].Accepted || resp.Results[0].Code != protocol.ErrBadRequest {
		t.Fatalf("inverted bounds should fail with E_BAD_REQUEST, got %+v", resp.Results[0])
	}
}

func TestBatchLimitRejectedOutright(t *testing.T) {
	gw, reg, st, _ := testRig(t)
	lease, _ := reg.Register("R1", "hazards", "sim-A", "")

	changes := make([]protocol.ObjectChange, protocol.MaxBatchChanges+1)
	for i := range changes {
		changes[i] = change(fmt.Sprintf("O%03d", i), 1, float64(i), 0)
	}
	_, rej := gw.Publish(protocol.PublishReq{RegionID: "R1", Kind: "hazards", Token: lease.Token, Changes: changes})
	if rej == nil || rej.Code != protocol.ErrBadRequest {
		t.Fatalf("oversized batch must be rejected, got %+v", rej)
	}
	// Rejected outright, never truncated: nothing lands.
	if _, ok := st.Get("R1", "O000"); ok {
		t.Fatalf("no change from an oversized batch may land")
	}
}

func TestUnknownChannelRejected(t *testing.T) {
	gw, _, _, _ := testRig(t)
	_, rej := gw.Publish(protocol.PublishReq{RegionID: "R9", Kind: "poi", Token: "x",
		Changes: []protocol.ObjectChange{change("O1", 1, 0, 0)}})
	if rej == nil || rej.Code != protocol.ErrNotFound {
		t.Fatalf("expected E_NOT_FOUND, got %+v", rej)
	}
}

func TestSnapshotEmitsSingleEvent(t *testing.T) {
	gw, reg, st, br := testRig(t)
	sub := br.Subscribe("region.R1.poi.>")
	reg.Register("R1", "poi", "sim-A", "")

	resp := gw.ApplySnapshot("R1", "poi", "sim-A", []protocol.ObjectChange{
		change("O1", 1, 1, 1), change("O2", 1, 2, 2), change("O3", 1, 3, 3),
	})
	for _, r := range resp.Results {
		if !r.Accepted {
			t.Fatalf("snapshot change refused: %+v", r)
		}
	}
	ev := waitEvent(t, sub, ".snapshot")
	var re protocol.RegionEvent
	json.Unmarshal(ev.Payload, &re)
	if re.Objects != 3 {
		t.Fatalf("snapshot event should carry object count, got %+v", re)
	}
	select {
	case extra := <-sub.C():
		t.Fatalf("snapshot must not emit per-object events, got %s", extra.Topic)
	case <-time.After(100 * time.Millisecond):
	}
	if len(st.QueryPoint("R1", geo.Vec3{X: 2, Z: 2}, 5, nil)) != 3 {
		t.Fatalf("snapshot objects not queryable")
	}
}

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

type fakeBlob struct{ refs []string }

func (f *fakeBlob) Offload(p []byte) (string, error) {
	ref := fmt.Sprintf("blob-%d", len(f.refs))
	f.refs = append(f.refs, ref)
	return ref, nil
}

func TestOversizedPayloadOffloaded(t *testing.T) {
	gw, reg, st, _ := testRig(t)
	fb := &fakeBlob{}
	gw.cfg.BlobThreshold = 64
	gw.SetBlobStore(fb)

	lease, _ := reg.Register("R1", "poi", "sim-A", "")
	big := json.RawMessage(`{"filler":"` + strings.Repeat("x", 200) + `"}`)
	c := change("O1", 1, 5, 5)
	c.Payload = big
	resp, rej := gw.Publish(protocol.PublishReq{RegionID: "R1", Kind: "poi", Token: lease.Token,
		Changes: []protocol.ObjectChange{c}})
	if rej != nil || !resp.Results[0].Accepted {
		t.Fatalf("publish failed: %+v %+v", resp, rej)
	}
	if len(fb.refs) != 1 {
		t.Fatalf("payload should offload once, got %d", len(fb.refs))
	}
	obj, _ := st.Get("R1", "O1")
	var ref struct {
		BlobRef string `json:"blob_ref"`
	}
	if err := json.Unmarshal(obj.Payload, &ref); err != nil || ref.BlobRef != "blob-0" {
		t.Fatalf("stored payload should be a blob ref, got %s", obj.Payload)
	}
}

func TestIngestAppliesAsync(t *testing.T) {
	gw, reg, st, _ := testRig(t)
	in := NewIngest(IngestConfig{QueueSize: 16, Workers: 1}, gw, discard())
	defer in.Close()

	lease, _ := reg.Register("R1", "footprints", "sim-A", "")
	if !in.Enqueue("R1", "footprints", lease.Token, []protocol.ObjectChange{change("T1", 1, 3, 3)}) {
		t.Fatalf("enqueue refused")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := st.Get("R1", "T1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queued batch never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIngestDropsUnauthorizedSilently(t *testing.T) {
	gw, reg, st, _ := testRig(t)
	in := NewIngest(IngestConfig{QueueSize: 16, Workers: 1}, gw, discard())
	defer in.Close()

	reg.Register("R1", "footprints", "sim-A", protocol.PolicyRejectAndAlert)
	in.Enqueue("R1", "footprints", "bogus", []protocol.ObjectChange{change("T1", 1, 3, 3)})

	time.Sleep(100 * time.Millisecond)
	if _, ok := st.Get("R1", "T1"); ok {
		t.Fatalf("unauthorized batch must not land")
	}
}

func TestIngestEnqueueValidation(t *testing.T) {
	gw, _, _, _ := testRig(t)
	in := NewIngest(IngestConfig{QueueSize: 4, Workers: 1}, gw, discard())
	defer in.Close()

	if in.Enqueue("R1", "poi", "t", nil) {
		t.Fatalf("empty batch must be refused")
	}
	big := make([]protocol.ObjectChange, protocol.MaxBatchChanges+1)
	for i := range big {
		big[i] = change(fmt.Sprintf("O%03d", i), 1, 0, 0)
	}
	if in.Enqueue("R1", "poi", "t", big) {
		t.Fatalf("oversized batch must be refused")
	}
	in.Close()
	if in.Enqueue("R1", "poi", "t", []protocol.ObjectChange{change("O1", 1, 0, 0)}) {
		t.Fatalf("enqueue after close must be refused")
	}
}
