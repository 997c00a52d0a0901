package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/canvas-sync/pkg/auth"
	"github.com/astromechza/canvas-sync/pkg/board"
	"github.com/astromechza/canvas-sync/pkg/cache"
	"github.com/astromechza/canvas-sync/pkg/config"
	"github.com/astromechza/canvas-sync/pkg/discovery"
	"github.com/astromechza/canvas-sync/pkg/doc"
	"github.com/astromechza/canvas-sync/pkg/geometry"
	"github.com/astromechza/canvas-sync/pkg/offline"
	"github.com/astromechza/canvas-sync/pkg/protocol"
	"github.com/astromechza/canvas-sync/pkg/provider"
	"github.com/astromechza/canvas-sync/pkg/snapshot"
	"github.com/astromechza/canvas-sync/pkg/viz"
)

func httpStore(cfg *config.ClientConfig) (*snapshot.HTTPStore, error) {
	u, err := url.Parse(cfg.RelayURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse relay url: %w", err)
	}
	return &snapshot.HTTPStore{BaseURL: u, Token: cfg.Token}, nil
}

// loadBoard reads a saved document from a local file when arg names one,
// otherwise fetches the board from the relay.
func loadBoard(ctx context.Context, cfg *config.ClientConfig, arg string) (*doc.Document, error) {
	raw, err := os.ReadFile(arg)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		store, err := httpStore(cfg)
		if err != nil {
			return nil, err
		}
		if raw, err = store.Load(ctx, arg); err != nil {
			return nil, err
		}
	}
	return doc.Load(raw, doc.Options{Author: cfg.User.ID})
}

func identity(cfg *config.ClientConfig) provider.Identity {
	u := protocol.User{ID: cfg.User.ID, Name: cfg.User.Name, Color: cfg.User.Color}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Name == "" {
		u.Name = u.ID
	}
	return provider.Identity{User: u, Token: cfg.Token}
}

func oneArg(fs interface{ NArg() int }, what string) error {
	if fs.NArg() != 1 {
		return fmt.Errorf("expected one positional argument: %s", what)
	}
	return nil
}

func runConnect(args []string) error {
	c := newFlags("connect")
	liveVar := c.fs.Bool("live", false, "attach the low-latency live channel")
	wanderVar := c.fs.Duration("wander", 0, "add a sticky at a random spot this often (0 disables)")
	cfg, err := c.parse(args)
	if err != nil {
		return err
	}
	if err := oneArg(c.fs, "the board id"); err != nil {
		return err
	}
	boardID := c.fs.Arg(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	boardCache, err := cache.Open(filepath.Join(cfg.DataDir, "cache.db"))
	if err != nil {
		slog.Warn("continuing without cache", "err", err)
		boardCache = nil
	} else {
		defer boardCache.Close()
	}
	pending, err := offline.Open(ctx, filepath.Join(cfg.DataDir, "offline.sqlite3"), slog.Default())
	if err != nil {
		slog.Warn("continuing without offline resilience", "err", err)
		pending = nil
	} else {
		defer pending.Close()
	}
	store, err := httpStore(cfg)
	if err != nil {
		return err
	}

	settings := provider.DefaultSettings()
	settings.SaveInterval = cfg.SaveInterval
	settings.Live.Binary = cfg.BinaryLive

	session, err := provider.Open(ctx, provider.Options{
		RelayURL:  cfg.RelayURL,
		BoardID:   boardID,
		Identity:  identity(cfg),
		Cache:     boardCache,
		Offline:   pending,
		Snapshots: store,
		OnRecovering: func(changes int) {
			slog.Info("recovering offline changes", "changes", changes)
		},
		Settings: settings,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Error("failed to close session", "err", err)
		}
	}()

	session.OnStatusChange(func(s provider.Status) {
		slog.Info("status", "status", s)
	})
	session.OnObjectsChange(func(ch doc.ObjectsChange) {
		slog.Info("objects changed", "added", ch.Added, "updated", ch.Updated, "removed", ch.Removed, "local", ch.Local, "total", session.Len())
	})
	session.OnAwarenessChange(func(ch provider.AwarenessChange) {
		slog.Info("presence changed", "added", ch.Added, "updated", ch.Updated, "removed", ch.Removed)
	})
	if *liveVar {
		session.AttachLive().OnMessage(func(m *protocol.Message) {
			slog.Debug("live", "type", m.Type, "user", m.UserID, "object", m.ObjectID)
		})
	}

	if *wanderVar > 0 {
		go wander(ctx, session, *wanderVar)
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
		return nil
	case <-session.Done():
		return session.Err()
	}
}

func wander(ctx context.Context, session *provider.Session, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			x, y := rand.Float64()*1000, rand.Float64()*1000
			session.UpdateCursor(x, y)
			sticky := &board.Sticky{
				Base: board.Base{X: x, Y: y},
				Box:  board.Box{Width: 120, Height: 120, Fill: "#fde68a"},
				Text: time.Now().Format(time.Kitchen),
			}
			if err := session.CreateObject(sticky); err != nil {
				slog.Error("failed to add sticky", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func runAdd(args []string) error {
	c := newFlags("add")
	xVar := c.fs.Float64("x", 0, "x position")
	yVar := c.fs.Float64("y", 0, "y position")
	widthVar := c.fs.Float64("width", 100, "width of box shapes, or x extent of a line")
	heightVar := c.fs.Float64("height", 100, "height of box shapes, or y extent of a line")
	radiusVar := c.fs.Float64("radius", 50, "radius of circles")
	textVar := c.fs.String("text", "", "text of stickies and text bubbles, title of frames")
	fillVar := c.fs.String("fill", "", "fill colour")
	cfg, err := c.parse(args)
	if err != nil {
		return err
	}
	if c.fs.NArg() != 2 {
		return errors.New("expected two positional arguments: the board id and the object type")
	}
	boardID, kind := c.fs.Arg(0), board.Kind(c.fs.Arg(1))

	o, err := board.New(kind)
	if err != nil {
		return fmt.Errorf("cannot add %q: %w", kind, err)
	}
	base := o.Common()
	base.ID = board.NewID()
	base.X, base.Y = *xVar, *yVar
	if box, ok := board.BoxOf(o); ok {
		box.Width, box.Height, box.Fill = *widthVar, *heightVar, *fillVar
	}
	switch v := o.(type) {
	case *board.Sticky:
		v.Text = *textVar
	case *board.TextBubble:
		v.Text = *textVar
	case *board.Frame:
		v.Title = *textVar
	case *board.Star:
		v.NumPoints = 5
	case *board.Circle:
		v.Radius, v.Fill = *radiusVar, *fillVar
	case *board.Line:
		v.Points = [4]float64{*xVar, *yVar, *xVar + *widthVar, *yVar + *heightVar}
	}

	ctx := context.Background()
	store, err := httpStore(cfg)
	if err != nil {
		return err
	}
	var d *doc.Document
	raw, err := store.Load(ctx, boardID)
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		d, err = doc.New(doc.Options{Author: cfg.User.ID})
	case err == nil:
		d, err = doc.Load(raw, doc.Options{Author: cfg.User.ID})
	}
	if err != nil {
		return err
	}
	if err := d.CreateObject(o); err != nil {
		return err
	}
	if err := store.Save(ctx, boardID, d.Save(), cfg.User.ID); err != nil {
		return err
	}
	fmt.Println(o.Common().ID)
	return nil
}

func runDump(args []string) error {
	c := newFlags("dump")
	cfg, err := c.parse(args)
	if err != nil {
		return err
	}
	if err := oneArg(c.fs, "the board id or a saved document"); err != nil {
		return err
	}
	d, err := loadBoard(context.Background(), cfg, c.fs.Arg(0))
	if err != nil {
		return err
	}
	objects := d.AllObjects()
	for _, o := range objects {
		raw, err := board.Marshal(o)
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
	}
	byID := geometry.Index(objects)
	for _, o := range objects {
		frame, ok := o.(*board.Frame)
		if !ok {
			continue
		}
		var inside []string
		for _, child := range geometry.ObjectsInFrame(frame, objects, byID) {
			inside = append(inside, child.Common().ID)
		}
		slog.Info("frame", "id", frame.ID, "title", frame.Title, "contains", inside)
	}
	return nil
}

func runInspect(args []string) error {
	c := newFlags("inspect")
	dotVar := c.fs.Bool("dot", false, "print the history as graphviz dot source")
	cfg, err := c.parse(args)
	if err != nil {
		return err
	}
	if err := oneArg(c.fs, "the board id or a saved document"); err != nil {
		return err
	}
	d, err := loadBoard(context.Background(), cfg, c.fs.Arg(0))
	if err != nil {
		return err
	}
	slog.Info("loaded doc", "objects", d.Len(), "heads", d.Heads())
	history, err := d.History()
	if err != nil {
		return err
	}
	if *dotVar {
		return viz.WriteDOT(history, os.Stdout)
	}
	for i, e := range history {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", e.Hash, "actor", e.Actor, "seq", e.Seq,
			"message", e.Message, "objects", e.Objects, "deps", e.Deps)
	}
	return nil
}

func runRender(args []string) error {
	c := newFlags("render")
	outVar := c.fs.StringP("out", "o", "", "output svg path (default a temp file)")
	cfg, err := c.parse(args)
	if err != nil {
		return err
	}
	if err := oneArg(c.fs, "the board id or a saved document"); err != nil {
		return err
	}
	d, err := loadBoard(context.Background(), cfg, c.fs.Arg(0))
	if err != nil {
		return err
	}
	path := *outVar
	if path == "" {
		if path, err = viz.RenderToTemp(d); err != nil {
			return err
		}
	} else if err := viz.RenderFile(d, path); err != nil {
		return err
	}
	slog.Info("rendered", "path", "file://"+path)
	return nil
}

func runDiscover(args []string) error {
	c := newFlags("discover")
	timeoutVar := c.fs.Duration("timeout", 2*time.Second, "how long to wait for answers")
	if _, err := c.parse(args); err != nil {
		return err
	}
	relays, err := discovery.Browse(*timeoutVar)
	if err != nil {
		return err
	}
	if len(relays) == 0 {
		slog.Info("no relays found")
	}
	for _, r := range relays {
		fmt.Printf("%s\t%s\t%s\n", r.Instance, r.URL(), r.Version)
	}
	return nil
}

func runToken(args []string) error {
	c := newFlags("token")
	secretVar := c.fs.String("secret", os.Getenv("CANVAS_SECRET"), "relay signing secret (default $CANVAS_SECRET)")
	userVar := c.fs.String("user", "", "user id (default the configured user)")
	nameVar := c.fs.String("name", "", "display name (default the configured name)")
	ttlVar := c.fs.Duration("ttl", 24*time.Hour, "token lifetime (0 never expires)")
	cfg, err := c.parse(args)
	if err != nil {
		return err
	}
	if *secretVar == "" {
		return errors.New("a secret is required")
	}
	id := auth.Identity{UserID: cfg.User.ID, Name: cfg.User.Name}
	if *userVar != "" {
		id.UserID = *userVar
	}
	if *nameVar != "" {
		id.Name = *nameVar
	}
	if id.UserID == "" {
		return errors.New("a user id is required")
	}
	token, err := auth.Issue([]byte(*secretVar), id, *ttlVar)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
