// Package docsync runs the automerge sync protocol for one document over
// one websocket connection. Binary frames carry sync messages; text frames
// carry opaque side-channel payloads such as awareness updates.
package docsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/canvas-sync/pkg/clock"
	"github.com/astromechza/canvas-sync/pkg/doc"
)

type Settings struct {
	// SyncInterval is how often pending sync messages are flushed even
	// without a local change.
	SyncInterval time.Duration
	PingInterval time.Duration
	// ReadTimeout must exceed PingInterval; any frame or pong extends it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultSettings() *Settings {
	return &Settings{
		SyncInterval: time.Second,
		PingInterval: 15 * time.Second,
		ReadTimeout:  45 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

type Options struct {
	Settings *Settings
	// Outbound text frames, written in order.
	Outbound <-chan []byte
	// OnText receives every inbound text frame on the reader goroutine.
	OnText func([]byte)
	// OnSynced is called after a received message shows both sides holding
	// the same changes.
	OnSynced func()
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Run syncs d over conn until ctx is cancelled or the connection fails. It
// closes conn before returning. A fresh sync session is created per call.
func Run(ctx context.Context, conn *websocket.Conn, d *doc.Document, opts Options) error {
	settings := opts.Settings
	if settings == nil {
		settings = DefaultSettings()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := clock.OrReal(opts.Clock)

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	peer := d.NewPeer()
	kick := make(chan struct{}, 1)
	poke := func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
	unsubscribe := d.OnUpdate(func(bool) { poke() })
	defer unsubscribe()

	var (
		errMu    sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		errMu.Lock()
		if firstErr == nil && ctx.Err() == nil {
			firstErr = err
		}
		errMu.Unlock()
		cancel()
	}

	extend := func() {
		_ = conn.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			mt, p, err := conn.ReadMessage()
			if err != nil {
				fail(fmt.Errorf("failed to read message: %w", err))
				return
			}
			extend()
			switch mt {
			case websocket.BinaryMessage:
				inSync, err := peer.Receive(p)
				if err != nil {
					fail(err)
					return
				}
				poke()
				if inSync && opts.OnSynced != nil {
					opts.OnSynced()
				}
			case websocket.TextMessage:
				if opts.OnText != nil {
					opts.OnText(p)
				}
			default:
			}
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		write := func(mt int, p []byte) error {
			_ = conn.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := conn.WriteMessage(mt, p); err != nil {
				return fmt.Errorf("failed to write message: %w", err)
			}
			return nil
		}
		flush := func() error {
			for {
				msg, ok := peer.Generate()
				if !ok {
					return nil
				}
				if err := write(websocket.BinaryMessage, msg); err != nil {
					return err
				}
			}
		}

		if err := flush(); err != nil {
			fail(err)
			return
		}
		syncTicker := clk.NewTicker(settings.SyncInterval)
		defer syncTicker.Stop()
		pingTicker := clk.NewTicker(settings.PingInterval)
		defer pingTicker.Stop()

		for {
			var err error
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(settings.WriteTimeout),
				)
				return
			case <-kick:
				err = flush()
			case <-syncTicker.C:
				err = flush()
			case text := <-opts.Outbound:
				err = write(websocket.TextMessage, text)
			case <-pingTicker.C:
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(settings.WriteTimeout))
			}
			if err != nil {
				fail(err)
				return
			}
		}
	}()

	<-ctx.Done()
	<-writerDone
	// the reader only returns once the connection is closed
	conn.Close()
	wg.Wait()

	errMu.Lock()
	defer errMu.Unlock()
	if firstErr != nil {
		logger.Debug("sync stopped", "err", firstErr)
		return firstErr
	}
	return parent.Err()
}
