// Package provider opens a board session: a local document replica kept in
// sync with the relay, plus presence, offline resilience and durable
// saves. A Session serves one board for its whole life; switching boards
// means closing it and opening another.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/canvas-sync/pkg/cache"
	"github.com/astromechza/canvas-sync/pkg/clock"
	"github.com/astromechza/canvas-sync/pkg/doc"
	"github.com/astromechza/canvas-sync/pkg/docsync"
	"github.com/astromechza/canvas-sync/pkg/live"
	"github.com/astromechza/canvas-sync/pkg/observer"
	"github.com/astromechza/canvas-sync/pkg/offline"
	"github.com/astromechza/canvas-sync/pkg/protocol"
	"github.com/astromechza/canvas-sync/pkg/snapshot"
	"github.com/astromechza/canvas-sync/pkg/transport"
)

// ErrUnauthorized is returned by Err when the relay rejected the token.
var ErrUnauthorized = transport.ErrUnauthorized

type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

type Identity struct {
	User  protocol.User
	Token string
}

type Settings struct {
	// SaveInterval between durable saves while the document is dirty.
	SaveInterval time.Duration
	Reconnect    transport.Policy
	Sync         *docsync.Settings
	Offline      *offline.QueueSettings
	Live         *live.Settings
}

func DefaultSettings() *Settings {
	return &Settings{
		SaveInterval: 30 * time.Second,
		Reconnect:    transport.DefaultPolicy(),
		Sync:         docsync.DefaultSettings(),
		Offline:      offline.DefaultQueueSettings(),
		Live:         live.DefaultSettings(),
	}
}

type Options struct {
	// RelayURL is the http(s) base url of the relay.
	RelayURL string
	BoardID  string
	Identity Identity
	// Preload is a snapshot merged before connecting. When empty the
	// cache is consulted instead.
	Preload []byte
	Cache   *cache.Cache
	// Offline persists changes made while disconnected. Nil disables
	// offline resilience.
	Offline *offline.Store
	// Snapshots receives periodic durable saves. Nil disables them.
	Snapshots snapshot.Store
	// OnRecovering is called before connecting when unsynced offline
	// changes were restored, with their count.
	OnRecovering func(changes int)
	Settings     *Settings
	Clock        clock.Clock
	Logger       *slog.Logger
	Dialer       *websocket.Dialer
}

// AwarenessChange lists the remote client ids whose presence changed.
type AwarenessChange struct {
	Added   []string
	Updated []string
	Removed []string
}

// Session embeds the board document; every document operation is
// available on it directly.
type Session struct {
	*doc.Document

	opts     Options
	settings *Settings
	clock    clock.Clock
	logger   *slog.Logger
	clientID string
	syncURL  string
	liveURL  string

	queue *offline.Queue
	saver *snapshot.Saver

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu       sync.Mutex
	closed   bool
	status   Status
	err      error
	local    *protocol.AwarenessState
	remote   map[string]*protocol.AwarenessState
	outbound chan []byte
	live     *live.Channel

	statusSubs    observer.List[Status]
	awarenessSubs observer.List[AwarenessChange]
}

// Open builds the local replica, restores any unsynced offline changes and
// starts connecting in the background.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.BoardID == "" {
		return nil, errors.New("board id is required")
	}
	syncURL, err := transport.WebsocketURL(opts.RelayURL, "boards", opts.BoardID, "sync")
	if err != nil {
		return nil, err
	}
	liveURL, err := transport.WebsocketURL(opts.RelayURL, "boards", opts.BoardID, "live")
	if err != nil {
		return nil, err
	}
	settings := opts.Settings
	if settings == nil {
		settings = DefaultSettings()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("board", opts.BoardID)
	clk := clock.OrReal(opts.Clock)

	d, err := doc.New(doc.Options{Author: opts.Identity.User.ID, Clock: clk, Logger: logger})
	if err != nil {
		return nil, err
	}
	s := &Session{
		Document: d,
		opts:     opts,
		settings: settings,
		clock:    clk,
		logger:   logger,
		clientID: uuid.NewString(),
		syncURL:  syncURL,
		liveURL:  liveURL,
		done:     make(chan struct{}),
		local:    &protocol.AwarenessState{User: opts.Identity.User},
		remote:   make(map[string]*protocol.AwarenessState),
	}
	s.preload()

	s.queue = offline.NewQueue(opts.Offline, d, opts.BoardID, offline.QueueOptions{
		Settings: settings.Offline,
		Clock:    clk,
		Logger:   logger,
	})
	if n, err := s.queue.Recover(ctx); err != nil {
		logger.Warn("failed to recover offline changes", "err", err)
	} else if n > 0 && opts.OnRecovering != nil {
		opts.OnRecovering(n)
	}

	if opts.Snapshots != nil {
		s.saver = snapshot.NewSaver(opts.Snapshots, d, opts.BoardID, opts.Identity.User.ID, snapshot.SaverOptions{
			Interval: settings.SaveInterval,
			Clock:    clk,
			Logger:   logger,
		})
		s.saver.Start()
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	go func() {
		defer close(s.done)
		s.run()
	}()
	return s, nil
}

// preload merges the caller's snapshot or the cached one. Either already
// exists durably, so the result does not count as unsaved.
func (s *Session) preload() {
	raw := s.opts.Preload
	if len(raw) == 0 && s.opts.Cache != nil {
		cached, err := s.opts.Cache.Get(s.opts.BoardID)
		if err != nil {
			s.logger.Warn("failed to read cache", "err", err)
		}
		raw = cached
	}
	if len(raw) == 0 {
		return
	}
	if err := s.MergeSnapshot(raw); err != nil {
		s.logger.Warn("ignoring unreadable preload", "err", err)
		return
	}
	s.MarkSaved(s.Version())
}

func (s *Session) ClientID() string {
	return s.clientID
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns why the session stopped connecting, if it did.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session has stopped connecting for good, either
// through Close or a terminal error.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) OnStatusChange(fn func(Status)) (unsubscribe func()) {
	return s.statusSubs.Add(fn)
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()
	s.queue.SetOnline(status == StatusConnected)
	s.logger.Debug("session status", "status", status)
	s.statusSubs.Emit(status)
}

func (s *Session) run() {
	b := s.settings.Reconnect.NewBackOff(s.clock)
	for {
		s.setStatus(StatusConnecting)
		conn, err := transport.Dial(s.ctx, s.opts.Dialer, s.syncURL, s.opts.Identity.Token)
		if err == nil {
			b.Reset()
			err = s.serve(conn)
		}
		s.setStatus(StatusDisconnected)
		if s.ctx.Err() != nil {
			return
		}
		if errors.Is(err, transport.ErrUnauthorized) {
			s.fail(err)
			return
		}
		next := b.NextBackOff()
		if next == backoff.Stop {
			s.logger.Warn("giving up on relay", "err", err)
			s.fail(fmt.Errorf("failed to reach relay: %w", err))
			return
		}
		s.logger.Info("reconnecting", "in", next, "err", err)
		if !transport.Sleep(s.ctx, s.clock, next) {
			return
		}
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.logger.Error("session stopped", "err", err)
}

// serve syncs over one connection. The local awareness state is announced
// first on every connection.
func (s *Session) serve(conn *websocket.Conn) error {
	out := make(chan []byte, 64)
	s.mu.Lock()
	s.outbound = out
	s.mu.Unlock()
	s.announce()
	s.setStatus(StatusConnected)

	err := docsync.Run(s.ctx, conn, s.Document, docsync.Options{
		Settings: s.settings.Sync,
		Outbound: out,
		OnText:   s.onAwareness,
		OnSynced: func() { s.queue.Confirm(s.ctx) },
		Clock:    s.clock,
		Logger:   s.logger,
	})

	s.mu.Lock()
	s.outbound = nil
	change := AwarenessChange{}
	for id := range s.remote {
		change.Removed = append(change.Removed, id)
	}
	s.remote = make(map[string]*protocol.AwarenessState)
	s.mu.Unlock()
	if len(change.Removed) > 0 {
		s.awarenessSubs.Emit(change)
	}
	return err
}

// Close stops the transport and timers, makes a final durable save and
// writes the state to the cache. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		ch := s.live
		s.mu.Unlock()
		if ch != nil {
			ch.Close()
		}
		s.cancel()
		<-s.done
		s.queue.Close()

		var errs []error
		if s.saver != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			errs = append(errs, s.saver.Close(ctx))
			cancel()
		}
		if s.opts.Cache != nil {
			if err := s.opts.Cache.Put(s.opts.BoardID, s.Save()); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
