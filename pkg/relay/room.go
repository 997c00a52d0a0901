package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/canvas-sync/pkg/doc"
	"github.com/astromechza/canvas-sync/pkg/docsync"
	"github.com/astromechza/canvas-sync/pkg/protocol"
	"github.com/astromechza/canvas-sync/pkg/snapshot"
)

// room is one loaded board: the relay's replica, its sync peers with their
// awareness states, and its live connections.
type room struct {
	id     string
	server *Server
	doc    *doc.Document
	saver  *snapshot.Saver
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	unsubscribeBroker func()

	mu         sync.Mutex
	closed     bool
	conns      int
	lastActive time.Time
	peers      map[*syncPeer]struct{}
	awareness  map[string]*protocol.AwarenessState
	owners     map[string]*syncPeer
	live       map[*liveConn]struct{}
}

type syncPeer struct {
	out chan []byte
}

func loadRoom(ctx context.Context, s *Server, boardID string) (*room, error) {
	logger := s.logger.With("board", boardID)
	var d *doc.Document
	raw, err := s.store.Load(ctx, boardID)
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		if d, err = doc.New(doc.Options{Clock: s.clock, Logger: logger}); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to load board %s: %w", boardID, err)
	default:
		if d, err = doc.Load(raw, doc.Options{Clock: s.clock, Logger: logger}); err != nil {
			return nil, err
		}
	}

	rm := &room{
		id:         boardID,
		server:     s,
		doc:        d,
		logger:     logger,
		lastActive: s.clock.Now(),
		peers:      make(map[*syncPeer]struct{}),
		awareness:  make(map[string]*protocol.AwarenessState),
		owners:     make(map[string]*syncPeer),
		live:       make(map[*liveConn]struct{}),
	}
	rm.ctx, rm.cancel = context.WithCancel(s.ctx)
	rm.saver = snapshot.NewSaver(s.store, d, boardID, AuthorID, snapshot.SaverOptions{
		Interval: s.settings.BackupInterval,
		Clock:    s.clock,
		Logger:   logger,
	})
	rm.saver.Start()
	rm.unsubscribeBroker = s.broker.Subscribe(boardID, rm.deliverLive)
	logger.Info("loaded board", "objects", d.Len())
	return rm, nil
}

// enter registers a connection. It fails once the room is closing, in
// which case the caller must drop the connection.
func (rm *room) enter() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return false
	}
	rm.conns++
	rm.wg.Add(1)
	return true
}

func (rm *room) exitLocked() {
	rm.conns--
	rm.lastActive = rm.server.clock.Now()
	rm.wg.Done()
}

func (rm *room) touch() {
	rm.mu.Lock()
	rm.lastActive = rm.server.clock.Now()
	rm.mu.Unlock()
}

func (rm *room) idleSince(now time.Time) time.Duration {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.conns > 0 {
		return 0
	}
	return now.Sub(rm.lastActive)
}

func (rm *room) serveSync(conn *websocket.Conn) {
	if !rm.enter() {
		_ = conn.Close()
		return
	}
	p := &syncPeer{out: make(chan []byte, 64)}
	rm.mu.Lock()
	rm.peers[p] = struct{}{}
	full := rm.awarenessUpdateLocked()
	rm.mu.Unlock()
	defer rm.leaveSync(p)

	if full != nil {
		rm.sendTo(p, full)
	}
	err := docsync.Run(rm.ctx, conn, rm.doc, docsync.Options{
		Settings: rm.server.settings.Sync,
		Outbound: p.out,
		OnText:   func(raw []byte) { rm.onAwareness(p, raw) },
		Clock:    rm.server.clock,
		Logger:   rm.logger,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		rm.logger.Debug("sync peer left", "err", err)
	}
}

// awarenessUpdateLocked encodes every known awareness state, or returns
// nil when there are none.
func (rm *room) awarenessUpdateLocked() []byte {
	if len(rm.awareness) == 0 {
		return nil
	}
	u := &protocol.AwarenessUpdate{States: make(map[string]*protocol.AwarenessState, len(rm.awareness))}
	for id, st := range rm.awareness {
		u.States[id] = st
	}
	raw, err := protocol.EncodeAwareness(u)
	if err != nil {
		rm.logger.Error("failed to encode awareness", "err", err)
		return nil
	}
	return raw
}

func (rm *room) sendTo(p *syncPeer, raw []byte) {
	select {
	case p.out <- raw:
	default:
		rm.logger.Debug("awareness outbound full, dropping")
	}
}

func (rm *room) broadcastAwareness(from *syncPeer, u *protocol.AwarenessUpdate) {
	if len(u.States) == 0 {
		return
	}
	raw, err := protocol.EncodeAwareness(u)
	if err != nil {
		rm.logger.Error("failed to encode awareness", "err", err)
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for p := range rm.peers {
		if p != from {
			rm.sendTo(p, raw)
		}
	}
}

// onAwareness records a peer's awareness update and forwards it to the
// other peers. A peer may only remove client ids it announced itself.
func (rm *room) onAwareness(p *syncPeer, raw []byte) {
	u, err := protocol.DecodeAwareness(raw)
	if err != nil {
		rm.logger.Warn("dropping awareness update", "err", err)
		return
	}
	accepted := &protocol.AwarenessUpdate{States: make(map[string]*protocol.AwarenessState, len(u.States))}
	rm.mu.Lock()
	for id, st := range u.States {
		if st == nil {
			if rm.owners[id] != p {
				continue
			}
			delete(rm.owners, id)
			delete(rm.awareness, id)
			accepted.States[id] = nil
			continue
		}
		if owner, ok := rm.owners[id]; ok && owner != p {
			continue
		}
		rm.owners[id] = p
		rm.awareness[id] = st.Clone()
		accepted.States[id] = st
	}
	rm.mu.Unlock()
	rm.broadcastAwareness(p, accepted)
}

func (rm *room) leaveSync(p *syncPeer) {
	gone := &protocol.AwarenessUpdate{States: make(map[string]*protocol.AwarenessState)}
	rm.mu.Lock()
	delete(rm.peers, p)
	for id, owner := range rm.owners {
		if owner == p {
			delete(rm.owners, id)
			delete(rm.awareness, id)
			gone.States[id] = nil
		}
	}
	rm.exitLocked()
	rm.mu.Unlock()
	rm.broadcastAwareness(p, gone)
}

// awarenessStates returns a copy of the awareness states the room holds.
func (rm *room) awarenessStates() map[string]*protocol.AwarenessState {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make(map[string]*protocol.AwarenessState, len(rm.awareness))
	for id, st := range rm.awareness {
		out[id] = st.Clone()
	}
	return out
}

// close stops every connection of the room and makes a final save.
func (rm *room) close(ctx context.Context) error {
	rm.mu.Lock()
	rm.closed = true
	rm.mu.Unlock()
	rm.cancel()
	rm.wg.Wait()
	rm.unsubscribeBroker()
	return rm.saver.Close(ctx)
}
