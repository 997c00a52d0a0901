// Package live is the low-latency ephemeral channel of a board: cursors and
// in-progress drags, relayed to every other participant without
// persistence or merging.
package live

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/astromechza/canvas-sync/pkg/clock"
	"github.com/astromechza/canvas-sync/pkg/geometry"
	"github.com/astromechza/canvas-sync/pkg/observer"
	"github.com/astromechza/canvas-sync/pkg/protocol"
	"github.com/astromechza/canvas-sync/pkg/transport"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var ErrClosed = errors.New("live channel closed")

type Settings struct {
	// CursorInterval is the minimum spacing of outbound cursor messages.
	CursorInterval    time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	Reconnect         transport.Policy
	// Binary sends CBOR frames instead of JSON text.
	Binary bool
}

func DefaultSettings() *Settings {
	return &Settings{
		CursorInterval:    4 * time.Millisecond,
		HeartbeatInterval: 15 * time.Second,
		WriteTimeout:      5 * time.Second,
		Reconnect:         transport.DefaultPolicy(),
	}
}

type Options struct {
	// URL is the ws(s) url of the board's live endpoint.
	URL      string
	User     protocol.User
	Token    string
	Settings *Settings
	Dialer   *websocket.Dialer
	Clock    clock.Clock
	Logger   *slog.Logger
}

const outboundBuffer = 64

// Channel keeps one live connection open, reconnecting with backoff until
// Close or until the attempt budget is spent.
type Channel struct {
	opts     Options
	settings *Settings
	clock    clock.Clock
	logger   *slog.Logger
	limiter  *rate.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	done      chan struct{}
	outbound  chan []byte
	closeOnce sync.Once

	mu            sync.Mutex
	state         State
	err           error
	disconnecting bool
	cursors       map[string]protocol.Message
	drags         map[protocol.DragKey]protocol.Message

	messages observer.List[*protocol.Message]
	states   observer.List[State]
}

// Dial starts connecting in the background and returns immediately.
func Dial(ctx context.Context, opts Options) *Channel {
	settings := opts.Settings
	if settings == nil {
		settings = DefaultSettings()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		opts:     opts,
		settings: settings,
		clock:    clock.OrReal(opts.Clock),
		logger:   logger.With("channel", "live"),
		limiter:  rate.NewLimiter(rate.Every(settings.CursorInterval), 1),
		done:     make(chan struct{}),
		outbound: make(chan []byte, outboundBuffer),
		cursors:  make(map[string]protocol.Message),
		drags:    make(map[protocol.DragKey]protocol.Message),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.done)
		c.run()
	}()
	return c
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns why the channel closed on its own, if it did.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the channel has stopped for good.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// OnMessage registers fn for every accepted inbound message, called on the
// reader goroutine after the channel state has been updated.
func (c *Channel) OnMessage(fn func(*protocol.Message)) (unsubscribe func()) {
	return c.messages.Add(fn)
}

func (c *Channel) OnStateChange(fn func(State)) (unsubscribe func()) {
	return c.states.Add(fn)
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.logger.Debug("live channel state", "state", s)
	c.states.Emit(s)
}

func (c *Channel) run() {
	b := c.settings.Reconnect.NewBackOff(c.clock)
	first := true
	for {
		if first {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
		}
		first = false

		conn, err := transport.Dial(c.ctx, c.opts.Dialer, c.opts.URL, c.opts.Token)
		if err == nil {
			b.Reset()
			c.setState(StateOpen)
			err = c.serve(conn)
			c.forgetRemote()
		}
		if c.ctx.Err() != nil {
			c.finish(nil)
			return
		}
		if errors.Is(err, transport.ErrUnauthorized) {
			c.finish(err)
			return
		}
		next := b.NextBackOff()
		if next == backoff.Stop {
			c.logger.Warn("giving up on live channel", "err", err)
			c.finish(err)
			return
		}
		c.logger.Info("live channel reconnecting", "in", next, "err", err)
		if !transport.Sleep(c.ctx, c.clock, next) {
			c.finish(nil)
			return
		}
	}
}

func (c *Channel) finish(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.setState(StateClosed)
}

// serve runs one connection until it fails or the channel is cancelled.
func (c *Channel) serve(conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		defer cancel()
		for {
			mt, p, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			c.receive(p, mt == websocket.BinaryMessage)
		}
	}()

	heartbeat := c.clock.NewTicker(c.settings.HeartbeatInterval)
	defer heartbeat.Stop()
	write := func(p []byte) error {
		mt := websocket.TextMessage
		if c.settings.Binary {
			mt = websocket.BinaryMessage
		}
		_ = conn.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
		return conn.WriteMessage(mt, p)
	}

	var err error
loop:
	for {
		select {
		case p := <-c.outbound:
			err = write(p)
		case <-heartbeat.C:
			var p []byte
			if p, err = c.encode(&protocol.Message{Type: protocol.TypePing, UserID: c.opts.User.ID}); err == nil {
				err = write(p)
			}
		case <-ctx.Done():
			break loop
		}
		if err != nil {
			break
		}
	}

	if c.ctx.Err() != nil {
		// drain what Close queued, typically the leave message
		for drained := false; !drained; {
			select {
			case p := <-c.outbound:
				_ = write(p)
			default:
				drained = true
			}
		}
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.settings.WriteTimeout),
		)
	}
	conn.Close()
	if err == nil {
		select {
		case err = <-readErr:
		case <-time.After(c.settings.WriteTimeout):
		}
	}
	return err
}

func (c *Channel) receive(p []byte, binary bool) {
	c.mu.Lock()
	if c.disconnecting {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	msg, err := protocol.Decode(p, binary)
	if err != nil {
		c.logger.Warn("dropping live message", "err", err)
		return
	}
	if msg.UserID == c.opts.User.ID && msg.Type != protocol.TypePing {
		return
	}

	c.mu.Lock()
	switch msg.Type {
	case protocol.TypeCursor:
		c.cursors[msg.UserID] = *msg
	case protocol.TypeLiveDrag:
		c.drags[msg.DragKey()] = *msg
	case protocol.TypeLiveDragEnd:
		delete(c.drags, msg.DragKey())
	case protocol.TypeLeave:
		delete(c.cursors, msg.UserID)
		for key := range c.drags {
			if key.UserID == msg.UserID {
				delete(c.drags, key)
			}
		}
	case protocol.TypePing:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.messages.Emit(msg)
}

// forgetRemote drops remote state when a connection ends, since the
// leave messages of other users may have been missed.
func (c *Channel) forgetRemote() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.cursors)
	clear(c.drags)
}

func (c *Channel) encode(m *protocol.Message) ([]byte, error) {
	if c.settings.Binary {
		return protocol.EncodeBinary(m)
	}
	return protocol.Encode(m)
}

// send queues m if the channel is open. Ephemeral messages are dropped
// rather than queued across reconnects.
func (c *Channel) send(m *protocol.Message) bool {
	c.mu.Lock()
	open := c.state == StateOpen && !c.disconnecting
	c.mu.Unlock()
	if !open {
		return false
	}
	m.UserID = c.opts.User.ID
	m.Timestamp = c.clock.Now().UnixMilli()
	p, err := c.encode(m)
	if err != nil {
		c.logger.Warn("failed to encode live message", "err", err)
		return false
	}
	select {
	case c.outbound <- p:
		return true
	default:
		c.logger.Debug("live outbound full, dropping", "type", m.Type)
		return false
	}
}

// SendCursor reports whether the update was sent; updates closer together
// than CursorInterval are dropped.
func (c *Channel) SendCursor(x, y float64) bool {
	if !c.limiter.AllowN(c.clock.Now(), 1) {
		return false
	}
	return c.send(&protocol.Message{Type: protocol.TypeCursor, UserName: c.opts.User.Name, X: x, Y: y})
}

// SendLiveDrag announces the in-progress position of objectID. points is
// only set for lines.
func (c *Channel) SendLiveDrag(objectID string, pos geometry.LivePosition, points []float64) bool {
	return c.send(&protocol.Message{
		Type:     protocol.TypeLiveDrag,
		ObjectID: objectID,
		X:        pos.X,
		Y:        pos.Y,
		Rotation: pos.Rotation,
		Width:    pos.Width,
		Height:   pos.Height,
		Radius:   pos.Radius,
		Points:   points,
	})
}

func (c *Channel) SendLiveDragEnd(objectID string) bool {
	return c.send(&protocol.Message{Type: protocol.TypeLiveDragEnd, ObjectID: objectID})
}

// Cursors returns the latest cursor of every other user.
func (c *Channel) Cursors() map[string]protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]protocol.Message, len(c.cursors))
	for k, v := range c.cursors {
		out[k] = v
	}
	return out
}

// LiveDrags returns the latest drag per object and user.
func (c *Channel) LiveDrags() map[protocol.DragKey]protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[protocol.DragKey]protocol.Message, len(c.drags))
	for k, v := range c.drags {
		out[k] = v
	}
	return out
}

// LivePositions returns one overlay position per dragged object, the most
// recent when several users drag the same object.
func (c *Channel) LivePositions() map[string]geometry.LivePosition {
	c.mu.Lock()
	defer c.mu.Unlock()
	latest := make(map[string]protocol.Message)
	for key, m := range c.drags {
		if prev, ok := latest[key.ObjectID]; !ok || m.Timestamp > prev.Timestamp {
			latest[key.ObjectID] = m
		}
	}
	out := make(map[string]geometry.LivePosition, len(latest))
	for id, m := range latest {
		out[id] = m.LivePosition()
	}
	return out
}

// Close announces leave, stops reconnecting and waits for the connection
// goroutines. Inbound messages arriving during teardown are dropped. It
// is safe to call more than once.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		open := c.state == StateOpen
		c.disconnecting = true
		c.mu.Unlock()
		if open {
			if p, err := c.encode(&protocol.Message{
				Type:      protocol.TypeLeave,
				UserID:    c.opts.User.ID,
				Timestamp: c.clock.Now().UnixMilli(),
			}); err == nil {
				select {
				case c.outbound <- p:
				default:
				}
			}
		}
		c.cancel()
	})
	c.wg.Wait()
}
