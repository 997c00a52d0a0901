package provider

import (
	"context"

	"github.com/astromechza/canvas-sync/pkg/geometry"
	"github.com/astromechza/canvas-sync/pkg/live"
	"github.com/astromechza/canvas-sync/pkg/protocol"
)

func (s *Session) OnAwarenessChange(fn func(AwarenessChange)) (unsubscribe func()) {
	return s.awarenessSubs.Add(fn)
}

// AwarenessStates returns every known presence state keyed by client id,
// this session's own included.
func (s *Session) AwarenessStates() map[string]*protocol.AwarenessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*protocol.AwarenessState, len(s.remote)+1)
	for id, st := range s.remote {
		out[id] = st.Clone()
	}
	out[s.clientID] = s.local.Clone()
	return out
}

// announce sends the local state on the current connection, if any.
// A full outbound queue drops the update; the next one carries the whole
// state anyway.
func (s *Session) announce() {
	s.mu.Lock()
	out := s.outbound
	state := s.local.Clone()
	s.mu.Unlock()
	if out == nil {
		return
	}
	raw, err := protocol.EncodeAwareness(&protocol.AwarenessUpdate{
		States: map[string]*protocol.AwarenessState{s.clientID: state},
	})
	if err != nil {
		s.logger.Error("failed to encode awareness", "err", err)
		return
	}
	select {
	case out <- raw:
	default:
		s.logger.Debug("awareness outbound full, dropping")
	}
}

func (s *Session) onAwareness(raw []byte) {
	u, err := protocol.DecodeAwareness(raw)
	if err != nil {
		s.logger.Warn("dropping awareness update", "err", err)
		return
	}
	var change AwarenessChange
	s.mu.Lock()
	for id, st := range u.States {
		if id == s.clientID {
			continue
		}
		_, known := s.remote[id]
		switch {
		case st == nil && known:
			delete(s.remote, id)
			change.Removed = append(change.Removed, id)
		case st == nil:
		case known:
			s.remote[id] = st
			change.Updated = append(change.Updated, id)
		default:
			s.remote[id] = st
			change.Added = append(change.Added, id)
		}
	}
	s.mu.Unlock()
	if len(change.Added)+len(change.Updated)+len(change.Removed) > 0 {
		s.awarenessSubs.Emit(change)
	}
}

// UpdateCursor publishes the local pointer position. With an open live
// channel the position goes there, rate limited; otherwise it rides on
// the awareness state.
func (s *Session) UpdateCursor(x, y float64) {
	s.mu.Lock()
	ch := s.live
	s.mu.Unlock()
	if ch != nil && ch.State() == live.StateOpen {
		ch.SendCursor(x, y)
		return
	}
	s.mu.Lock()
	s.local.Cursor = &protocol.Cursor{X: x, Y: y, LastUpdate: s.clock.Now().UnixMilli()}
	s.mu.Unlock()
	s.announce()
}

// BroadcastSelectionTransform shares the offset of an in-progress move of
// the selected objects.
func (s *Session) BroadcastSelectionTransform(ids []string, dx, dy float64) {
	s.mu.Lock()
	s.local.SelectionTransform = &protocol.SelectionTransform{
		SelectedIDs: append([]string(nil), ids...),
		DX:          dx,
		DY:          dy,
		Timestamp:   s.clock.Now().UnixMilli(),
	}
	s.mu.Unlock()
	s.announce()
}

func (s *Session) ClearSelectionTransform() {
	s.mu.Lock()
	if s.local.SelectionTransform == nil {
		s.mu.Unlock()
		return
	}
	s.local.SelectionTransform = nil
	s.mu.Unlock()
	s.announce()
}

// AttachLive opens the board's ephemeral channel with the session's
// identity. Calling it again returns the channel already attached. It
// returns nil once the session is closed.
func (s *Session) AttachLive() *live.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live != nil || s.closed {
		return s.live
	}
	s.live = live.Dial(context.Background(), live.Options{
		URL:      s.liveURL,
		User:     s.opts.Identity.User,
		Token:    s.opts.Identity.Token,
		Settings: s.settings.Live,
		Dialer:   s.opts.Dialer,
		Clock:    s.clock,
		Logger:   s.logger,
	})
	return s.live
}

// Live returns the attached ephemeral channel or nil.
func (s *Session) Live() *live.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// BroadcastLiveDrag streams the in-progress position of a dragged object.
// It reports false without an attached, open live channel.
func (s *Session) BroadcastLiveDrag(objectID string, pos geometry.LivePosition, points []float64) bool {
	ch := s.Live()
	if ch == nil {
		return false
	}
	return ch.SendLiveDrag(objectID, pos, points)
}

func (s *Session) ClearLiveDrag(objectID string) bool {
	ch := s.Live()
	if ch == nil {
		return false
	}
	return ch.SendLiveDragEnd(objectID)
}
