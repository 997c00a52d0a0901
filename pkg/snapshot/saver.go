package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/astromechza/canvas-sync/pkg/clock"
)

// Source is the document side of a Saver.
type Source interface {
	Capture() ([]byte, uint64)
	MarkSaved(version uint64)
	HasUnsavedChanges() bool
}

type SaverOptions struct {
	// Interval between periodic saves. Zero disables the loop; Save and
	// Close still work.
	Interval time.Duration
	Timeout  time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Saver writes a Source to a Store while it has unsaved changes. A
// snapshot whose content hash matches the last successful save is not
// written again.
type Saver struct {
	store    Store
	source   Source
	boardID  string
	authorID string
	opts     SaverOptions
	logger   *slog.Logger

	saveMu sync.Mutex
	last   [32]byte
	saved  bool

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewSaver(store Store, source Source, boardID, authorID string, opts SaverOptions) *Saver {
	opts.Clock = clock.OrReal(opts.Clock)
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Saver{
		store:    store,
		source:   source,
		boardID:  boardID,
		authorID: authorID,
		opts:     opts,
		logger:   logger.With("board", boardID),
	}
}

// Start runs the periodic loop until Close.
func (s *Saver) Start() {
	if s.opts.Interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	t := s.opts.Clock.NewTicker(s.opts.Interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := s.Save(ctx); err != nil {
					s.logger.Error("failed to save snapshot", "err", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Save writes the current state if it has changed since the last save.
func (s *Saver) Save(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if !s.source.HasUnsavedChanges() {
		return nil
	}
	state, version := s.source.Capture()
	digest := blake3.Sum256(state)
	if s.saved && digest == s.last {
		s.source.MarkSaved(version)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	if err := s.store.Save(ctx, s.boardID, state, s.authorID); err != nil {
		return fmt.Errorf("failed to save %s: %w", s.boardID, err)
	}
	s.last, s.saved = digest, true
	s.source.MarkSaved(version)
	s.logger.Info("saved snapshot", "version", version, "bytes", len(state))
	return nil
}

// Close stops the loop and makes a final save if changes are pending. It
// is safe to call more than once.
func (s *Saver) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		err = s.Save(ctx)
	})
	return err
}
