package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"worldplane.dev/internal/authority"
	"worldplane.dev/internal/gateway"
	"worldplane.dev/internal/protocol"
)

// IngestServer is the producer-side socket. A HELLO carrying the channel
// lease opens the stream; every BATCH after that is fire-and-forget into the
// async ingest queue, with errors reported as ERROR frames, never as
// blocking responses.
type IngestServer struct {
	auth   *authority.Registry
	ingest *gateway.Ingest
	log    *log.Logger

	upgrader websocket.Upgrader
}

func NewIngestServer(auth *authority.Registry, ing *gateway.Ingest, logger *log.Logger) *IngestServer {
	return &IngestServer{
		auth:   auth,
		ingest: ing,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *IngestServer) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ch, token, ok := s.handshake(conn)
		if !ok {
			return
		}

		for {
			_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeBatch {
				continue
			}
			if err := protocol.ValidateJSON(protocol.BatchSchema, msg); err != nil {
				writeError(conn, protocol.ErrRejection{Code: protocol.ErrProtoBadRequest, Message: err.Error()})
				continue
			}
			var batch protocol.BatchMsg
			if err := json.Unmarshal(msg, &batch); err != nil {
				writeError(conn, protocol.ErrRejection{Code: protocol.ErrProtoBadRequest, Message: "malformed BATCH"})
				continue
			}
			if !s.ingest.Enqueue(ch.RegionID, ch.Kind, token, batch.Changes) {
				writeError(conn, protocol.ErrRejection{Code: protocol.ErrOverflow, Message: "batch not queued"})
			}
		}
	}
}

func (s *IngestServer) handshake(conn *websocket.Conn) (authority.Channel, string, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return authority.Channel{}, "", false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil || hello.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"),
			time.Now().Add(time.Second))
		return authority.Channel{}, "", false
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"),
			time.Now().Add(time.Second))
		return authority.Channel{}, "", false
	}

	ok, ch, err := s.auth.Validate(hello.ChannelID, hello.Token)
	if err != nil {
		writeError(conn, protocol.ErrRejection{Code: protocol.ErrNotFound, Message: "no such channel " + hello.ChannelID})
		return authority.Channel{}, "", false
	}
	if !ok {
		rej := protocol.ErrRejection{Code: protocol.ErrInvalidToken, Message: "token does not hold " + hello.ChannelID}
		if ch.Lease != nil {
			rej.CurrentAuthority = ch.Lease.HolderID
		}
		writeError(conn, rej)
		return authority.Channel{}, "", false
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		ChannelID:       ch.ID,
		IngestTopic:     "ingest." + ch.ID,
		MaxBatch:        protocol.MaxBatchChanges,
	}
	if err := writeFrame(conn, welcome); err != nil {
		return authority.Channel{}, "", false
	}
	return ch, hello.Token, true
}
