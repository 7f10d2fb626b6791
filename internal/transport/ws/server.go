// Package ws carries the two WebSocket surfaces: /v1/subscribe streams
// broker events to consumers, /v1/ingest accepts fire-and-forget batches
// from lease holders.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"worldplane.dev/internal/broker"
	"worldplane.dev/internal/protocol"
)

type Server struct {
	broker *broker.Broker
	log    *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(br *broker.Broker, logger *log.Logger) *Server {
	return &Server{
		broker: br,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// SubscribeHandler upgrades the connection and relays matching broker
// events. The first frame must be a SUBSCRIBE; later SUBSCRIBE and
// UNSUBSCRIBE frames adjust the pattern set in place. A slow consumer sheds
// oldest events in its bounded queue rather than stalling the fanout.
func (s *Server) SubscribeHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var first protocol.SubscribeMsg
		if err := json.Unmarshal(msg, &first); err != nil ||
			first.Type != protocol.TypeSubscribe ||
			first.ProtocolVersion != protocol.Version ||
			len(first.Topics) == 0 {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"),
				time.Now().Add(time.Second))
			return
		}

		sub := s.broker.Subscribe(first.Topics...)
		defer s.broker.Unsubscribe(sub)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		writeErr := make(chan struct{}, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub.C():
					if !ok {
						writeErr <- struct{}{}
						return
					}
					frame, err := json.Marshal(protocol.EventMsg{
						Type:    protocol.TypeEvent,
						Topic:   ev.Topic,
						Payload: ev.Payload,
					})
					if err != nil {
						continue
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
						writeErr <- struct{}{}
						return
					}
				}
			}
		}()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.ProtocolVersion != protocol.Version {
				continue
			}
			var req protocol.SubscribeMsg
			if err := json.Unmarshal(msg, &req); err != nil || len(req.Topics) == 0 {
				continue
			}
			switch base.Type {
			case protocol.TypeSubscribe:
				sub.Add(req.Topics...)
			case protocol.TypeUnsubscribe:
				sub.Remove(req.Topics...)
			}
		}

		cancel()
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func writeFrame(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func writeError(conn *websocket.Conn, rej protocol.ErrRejection) {
	_ = writeFrame(conn, protocol.ErrorMsg{Type: protocol.TypeError, Error: rej})
}
