// Package relay hosts the server replica of every open board. It syncs
// documents with clients, fans awareness and live traffic out between
// them and backs board state up to a snapshot store.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/canvas-sync/pkg/auth"
	"github.com/astromechza/canvas-sync/pkg/clock"
	"github.com/astromechza/canvas-sync/pkg/docsync"
	"github.com/astromechza/canvas-sync/pkg/snapshot"
)

// AuthorID is recorded against snapshots the relay saves on its own.
const AuthorID = "relay"

const maxSnapshotBytes = 64 << 20

type Settings struct {
	// BackupInterval is how often dirty rooms are saved to the store.
	BackupInterval time.Duration
	// IdleEviction is how long a room without connections stays loaded.
	IdleEviction time.Duration
	Sync         *docsync.Settings
}

func DefaultSettings() *Settings {
	return &Settings{
		BackupInterval: 5 * time.Second,
		IdleEviction:   time.Minute,
		Sync:           docsync.DefaultSettings(),
	}
}

type Options struct {
	Store snapshot.Store
	// Broker carries live frames. Defaults to an in-process broker.
	Broker   Broker
	Secret   []byte
	Settings *Settings
	Clock    clock.Clock
	Logger   *slog.Logger
}

type Server struct {
	store    snapshot.Store
	broker   Broker
	secret   []byte
	settings *Settings
	clock    clock.Clock
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	rooms map[string]*room
}

func New(opts Options) *Server {
	settings := opts.Settings
	if settings == nil {
		settings = DefaultSettings()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	broker := opts.Broker
	if broker == nil {
		broker = NewLocalBroker()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:    opts.Store,
		broker:   broker,
		secret:   opts.Secret,
		settings: settings,
		clock:    clock.OrReal(opts.Clock),
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]*room),
	}
	if settings.IdleEviction > 0 {
		s.wg.Add(1)
		go s.evictLoop()
	}
	return s
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL.Path, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	boards := r.PathPrefix("/boards/{board}").Subrouter()
	boards.Use(auth.Middleware(s.secret))
	boards.Methods(http.MethodGet).Path("/latest").HandlerFunc(s.getLatest)
	boards.Methods(http.MethodPut).Path("/snapshot").HandlerFunc(s.putSnapshot)
	boards.Methods(http.MethodGet).Path("/sync").HandlerFunc(s.syncBoard)
	boards.Methods(http.MethodGet).Path("/live").HandlerFunc(s.liveBoard)
	return r
}

// Rooms returns the number of loaded boards.
func (s *Server) Rooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// room returns the loaded room for boardID, loading it from the store on
// first use. A board the store has never seen starts empty.
func (s *Server) room(ctx context.Context, boardID string) (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm, ok := s.rooms[boardID]; ok {
		return rm, nil
	}
	if s.ctx.Err() != nil {
		return nil, errServerClosed
	}
	rm, err := loadRoom(ctx, s, boardID)
	if err != nil {
		return nil, err
	}
	s.rooms[boardID] = rm
	return rm, nil
}

var errServerClosed = errors.New("relay is shutting down")

func (s *Server) getLatest(w http.ResponseWriter, r *http.Request) {
	boardID := mux.Vars(r)["board"]
	s.mu.Lock()
	rm, ok := s.rooms[boardID]
	s.mu.Unlock()

	var state []byte
	if ok {
		state = rm.doc.Save()
	} else {
		raw, err := s.store.Load(r.Context(), boardID)
		if errors.Is(err, snapshot.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		} else if err != nil {
			s.logger.Error("failed to load board", "board", boardID, "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		state = raw
	}
	w.Header().Add("Content-Type", "application/octet-stream")
	if _, err := w.Write(state); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

// putSnapshot merges a client snapshot into the room and saves the result
// under the client's author id.
func (s *Server) putSnapshot(w http.ResponseWriter, r *http.Request) {
	boardID := mux.Vars(r)["board"]
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxSnapshotBytes))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	author := r.Header.Get(snapshot.AuthorHeader)
	if id, ok := auth.FromContext(r.Context()); ok {
		author = id.UserID
	}
	rm, err := s.room(r.Context(), boardID)
	if err != nil {
		s.logger.Error("failed to open board", "board", boardID, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	rm.touch()
	if err := rm.doc.MergeSnapshot(raw); err != nil {
		s.logger.Warn("rejected snapshot", "board", boardID, "err", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	state, version := rm.doc.Capture()
	if err := s.store.Save(r.Context(), boardID, state, author); err != nil {
		s.logger.Error("failed to save board", "board", boardID, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	rm.doc.MarkSaved(version)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) syncBoard(w http.ResponseWriter, r *http.Request) {
	boardID := mux.Vars(r)["board"]
	rm, err := s.room(r.Context(), boardID)
	if err != nil {
		s.logger.Error("failed to open board", "board", boardID, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}
	rm.serveSync(conn)
}

func (s *Server) liveBoard(w http.ResponseWriter, r *http.Request) {
	boardID := mux.Vars(r)["board"]
	rm, err := s.room(r.Context(), boardID)
	if err != nil {
		s.logger.Error("failed to open board", "board", boardID, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}
	var identity *auth.Identity
	if id, ok := auth.FromContext(r.Context()); ok {
		identity = id
	}
	rm.serveLive(conn, identity)
}

func (s *Server) evictLoop() {
	defer s.wg.Done()
	t := s.clock.NewTicker(s.settings.IdleEviction / 2)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.evictIdle()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) evictIdle() {
	now := s.clock.Now()
	var idle []*room
	s.mu.Lock()
	for id, rm := range s.rooms {
		if rm.idleSince(now) >= s.settings.IdleEviction {
			delete(s.rooms, id)
			idle = append(idle, rm)
		}
	}
	s.mu.Unlock()
	for _, rm := range idle {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := rm.close(ctx); err != nil {
			s.logger.Error("failed to save evicted board", "board", rm.id, "err", err)
		} else {
			s.logger.Info("evicted board", "board", rm.id)
		}
		cancel()
	}
}

// Close disconnects every client and makes a final save of every room.
func (s *Server) Close(ctx context.Context) error {
	s.cancel()
	s.wg.Wait()
	s.mu.Lock()
	rooms := s.rooms
	s.rooms = make(map[string]*room)
	s.mu.Unlock()

	var errs []error
	for _, rm := range rooms {
		if err := rm.close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
