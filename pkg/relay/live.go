package relay

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/canvas-sync/pkg/auth"
	"github.com/astromechza/canvas-sync/pkg/protocol"
)

const (
	liveReadTimeout  = 45 * time.Second
	liveWriteTimeout = 5 * time.Second
)

type liveConn struct {
	id  string
	out chan Envelope
}

// serveLive relays ephemeral frames between the live connections of a
// board. Frames are validated but forwarded as received, so text and
// binary clients interoperate. When identity is set, frames claiming
// another user are dropped.
func (rm *room) serveLive(conn *websocket.Conn, identity *auth.Identity) {
	if !rm.enter() {
		_ = conn.Close()
		return
	}
	lc := &liveConn{id: uuid.NewString(), out: make(chan Envelope, 64)}
	rm.mu.Lock()
	rm.live[lc] = struct{}{}
	rm.mu.Unlock()

	ctx, cancel := context.WithCancel(rm.ctx)
	defer cancel()
	logger := rm.logger.With("conn", lc.id)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case env := <-lc.out:
				mt := websocket.TextMessage
				if env.Binary {
					mt = websocket.BinaryMessage
				}
				_ = conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
				if err := conn.WriteMessage(mt, env.Data); err != nil {
					logger.Debug("live write failed", "err", err)
					cancel()
					return
				}
			case <-ctx.Done():
				_ = conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second),
				)
				_ = conn.Close()
				return
			}
		}
	}()

	var userID string
	sawLeave := false
	for {
		_ = conn.SetReadDeadline(time.Now().Add(liveReadTimeout))
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		binary := mt == websocket.BinaryMessage
		msg, err := protocol.Decode(raw, binary)
		if err != nil {
			logger.Warn("dropping live message", "err", err)
			continue
		}
		if msg.Type == protocol.TypePing {
			continue
		}
		if identity != nil && msg.UserID != identity.UserID {
			logger.Warn("dropping live message for another user", "user", msg.UserID)
			continue
		}
		userID = msg.UserID
		sawLeave = msg.Type == protocol.TypeLeave
		rm.publishLive(Envelope{Origin: lc.id, Binary: binary, Data: raw})
	}
	cancel()
	<-writerDone

	rm.mu.Lock()
	delete(rm.live, lc)
	rm.exitLocked()
	rm.mu.Unlock()

	// a client that vanished without saying goodbye still leaves
	if userID != "" && !sawLeave {
		raw, err := protocol.Encode(&protocol.Message{
			Type:      protocol.TypeLeave,
			UserID:    userID,
			Timestamp: rm.server.clock.Now().UnixMilli(),
		})
		if err == nil {
			rm.publishLive(Envelope{Origin: lc.id, Data: raw})
		}
	}
}

func (rm *room) publishLive(env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), liveWriteTimeout)
	defer cancel()
	if err := rm.server.broker.Publish(ctx, rm.id, env); err != nil {
		rm.logger.Warn("failed to publish live message", "err", err)
	}
}

// deliverLive hands a broker frame to every local connection except the
// one it came from.
func (rm *room) deliverLive(env Envelope) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for lc := range rm.live {
		if lc.id == env.Origin {
			continue
		}
		select {
		case lc.out <- env:
		default:
			rm.logger.Debug("live outbound full, dropping", "conn", lc.id)
		}
	}
}
