package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/astromechza/canvas-sync/pkg/observer"
)

// Envelope is one live frame in flight between relay nodes.
type Envelope struct {
	// Origin is the id of the sending connection, which must not receive
	// its own frame back.
	Origin string `json:"origin"`
	Binary bool   `json:"binary,omitempty"`
	Data   []byte `json:"data"`
}

// Broker fans live frames out to every connection of a board, wherever
// the connection terminates.
type Broker interface {
	Publish(ctx context.Context, boardID string, env Envelope) error
	Subscribe(boardID string, fn func(Envelope)) (unsubscribe func())
	Close() error
}

type boardLists struct {
	mu     sync.Mutex
	boards map[string]*observer.List[Envelope]
}

func (b *boardLists) list(boardID string) *observer.List[Envelope] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.boards == nil {
		b.boards = make(map[string]*observer.List[Envelope])
	}
	l, ok := b.boards[boardID]
	if !ok {
		l = new(observer.List[Envelope])
		b.boards[boardID] = l
	}
	return l
}

func (b *boardLists) subscribe(boardID string, fn func(Envelope)) func() {
	l := b.list(boardID)
	stop := l.Add(fn)
	return func() {
		stop()
		b.mu.Lock()
		defer b.mu.Unlock()
		if l.Len() == 0 && b.boards[boardID] == l {
			delete(b.boards, boardID)
		}
	}
}

func (b *boardLists) deliver(boardID string, env Envelope) {
	b.mu.Lock()
	l, ok := b.boards[boardID]
	b.mu.Unlock()
	if ok {
		l.Emit(env)
	}
}

// LocalBroker delivers within this process only.
type LocalBroker struct {
	lists boardLists
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{}
}

func (b *LocalBroker) Publish(_ context.Context, boardID string, env Envelope) error {
	b.lists.deliver(boardID, env)
	return nil
}

func (b *LocalBroker) Subscribe(boardID string, fn func(Envelope)) func() {
	return b.lists.subscribe(boardID, fn)
}

func (b *LocalBroker) Close() error {
	return nil
}

// RedisBroker shares live frames between relay nodes through redis
// pub/sub, one channel per board. Local delivery also goes through redis
// so every node sees frames in the same order.
type RedisBroker struct {
	client *redis.Client
	prefix string
	pubsub *redis.PubSub
	lists  boardLists
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewRedisBroker(ctx context.Context, addr, prefix string, logger *slog.Logger) (*RedisBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	b := &RedisBroker{
		client: client,
		prefix: prefix,
		pubsub: client.PSubscribe(ctx, prefix+"*"),
		logger: logger,
	}
	// wait for the subscription to be confirmed so no early publish is lost
	if _, err := b.pubsub.Receive(ctx); err != nil {
		_ = b.pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range b.pubsub.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("dropping malformed broker message", "channel", msg.Channel, "err", err)
				continue
			}
			b.lists.deliver(strings.TrimPrefix(msg.Channel, b.prefix), env)
		}
	}()
	return b, nil
}

func (b *RedisBroker) Publish(ctx context.Context, boardID string, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.prefix+boardID, raw).Err(); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(boardID string, fn func(Envelope)) func() {
	return b.lists.subscribe(boardID, fn)
}

func (b *RedisBroker) Close() error {
	err := b.pubsub.Close()
	b.wg.Wait()
	if cerr := b.client.Close(); err == nil {
		err = cerr
	}
	return err
}
