// Command probe is a synthetic producer: it claims a channel, streams a
// batch of wandering objects over the ingest socket, and heartbeats the
// lease until interrupted. Useful for load checks and watching fanout from
// a subscriber.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"worldplane.dev/internal/geo"
	"worldplane.dev/internal/protocol"
)

func main() {
	var (
		server  = flag.String("server", "http://127.0.0.1:8080", "server base url")
		wsURL   = flag.String("ws", "ws://127.0.0.1:8080/v1/ingest", "ingest ws url")
		region  = flag.String("region", "probe_region", "region id")
		kind    = flag.String("kind", "probe", "channel kind")
		holder  = flag.String("holder", "probe-1", "holder id")
		objects = flag.Int("objects", 16, "objects to wander")
		rateHz  = flag.Int("rate", 4, "batches per second")
		seed    = flag.Int64("seed", 1337, "rng seed")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[probe] ", log.LstdFlags|log.Lmicroseconds)
	rng := rand.New(rand.NewSource(*seed))

	ch := register(logger, *server, *region, *kind, *holder)
	logger.Printf("claimed %s, lease expires %s", ch.ChannelID, ch.ExpiresAt)

	conn, _, err := websocket.DefaultDialer.Dial(*wsURL, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ChannelID:       ch.ChannelID,
		Token:           ch.Token,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		logger.Fatalf("read WELCOME: %v", err)
	}
	base, _ := protocol.DecodeBase(msg)
	if base.Type != protocol.TypeWelcome {
		logger.Fatalf("expected WELCOME, got %s: %s", base.Type, msg)
	}
	var welcome protocol.WelcomeMsg
	_ = json.Unmarshal(msg, &welcome)
	logger.Printf("WELCOME topic=%s max_batch=%d", welcome.IngestTopic, welcome.MaxBatch)

	// The server only talks back on error; drain so control frames and
	// rejections are not left unread.
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if b, _ := protocol.DecodeBase(msg); b.Type == protocol.TypeError {
				logger.Printf("server: %s", msg)
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	positions := make([]geo.Vec3, *objects)
	for i := range positions {
		positions[i] = geo.Vec3{X: rng.Float64() * 200, Z: rng.Float64() * 200}
	}

	every := time.Second / time.Duration(max(*rateHz, 1))
	batchTick := time.NewTicker(every)
	defer batchTick.Stop()
	hbTick := time.NewTicker(15 * time.Second)
	defer hbTick.Stop()

	version := uint64(0)
	sent := 0
	for {
		select {
		case <-stop:
			logger.Printf("sent %d batches", sent)
			return
		case <-hbTick.C:
			heartbeat(logger, *server, ch.ChannelID, ch.Token)
		case <-batchTick.C:
			version++
			changes := make([]protocol.ObjectChange, 0, len(positions))
			for i := range positions {
				positions[i].X += rng.Float64()*2 - 1
				positions[i].Z += rng.Float64()*2 - 1
				pos := positions[i]
				changes = append(changes, protocol.ObjectChange{
					ObjectID:   fmt.Sprintf("probe_%d", i),
					ObjectType: "wanderer",
					Version:    version,
					Position:   &pos,
				})
			}
			batch := protocol.BatchMsg{
				Type:            protocol.TypeBatch,
				ProtocolVersion: protocol.Version,
				Changes:         changes,
			}
			if err := conn.WriteJSON(batch); err != nil {
				logger.Fatalf("send BATCH: %v", err)
			}
			sent++
		}
	}
}

func register(logger *log.Logger, server, region, kind, holder string) protocol.CreateChannelResp {
	body, _ := json.Marshal(protocol.CreateChannelReq{RegionID: region, Kind: kind, HolderID: holder})
	resp, err := http.Post(server+"/v1/channels", "application/json", bytes.NewReader(body))
	if err != nil {
		logger.Fatalf("create channel: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		logger.Fatalf("create channel: %d %s", resp.StatusCode, raw)
	}
	var out protocol.CreateChannelResp
	if err := json.Unmarshal(raw, &out); err != nil {
		logger.Fatalf("decode channel resp: %v", err)
	}
	return out
}

func heartbeat(logger *log.Logger, server, channelID, token string) {
	body, _ := json.Marshal(protocol.HeartbeatReq{Token: token})
	resp, err := http.Post(server+"/v1/channels/"+channelID+"/heartbeat", "application/json", bytes.NewReader(body))
	if err != nil {
		logger.Printf("heartbeat: %v", err)
		return
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var hb protocol.HeartbeatResp
	_ = json.Unmarshal(raw, &hb)
	if !hb.Valid {
		logger.Fatalf("lease lost: %s", raw)
	}
}
