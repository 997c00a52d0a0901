package docsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/astromechza/canvas-sync/pkg/board"
	"github.com/astromechza/canvas-sync/pkg/doc"
	"github.com/astromechza/canvas-sync/pkg/testutil"
)

func fastSettings() *Settings {
	s := DefaultSettings()
	s.SyncInterval = 20 * time.Millisecond
	return s
}

// pair connects a server-side and a client-side Run over a real websocket.
func pair(t *testing.T, server, client *doc.Document, serverOpts, clientOpts Options) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	serverDone := make(chan error, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverDone <- Run(ctx, conn, server, serverOpts)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	assert.Equal(t, nil, err)
	clientDone := make(chan error, 1)
	go func() { clientDone <- Run(ctx, conn, client, clientOpts) }()
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, serverDone, 5*time.Second, "server stop")
	})
	return cancel, clientDone
}

func TestRunConverges(t *testing.T) {
	server, err := doc.New(doc.Options{ActorID: "aa"})
	assert.Equal(t, nil, err)
	client, err := doc.New(doc.Options{ActorID: "bb"})
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, server.CreateObject(&board.Rect{Base: board.Base{ID: "on-server"}}))

	synced := make(chan struct{}, 16)
	pair(t, server, client, Options{Settings: fastSettings()}, Options{
		Settings: fastSettings(),
		OnSynced: func() {
			select {
			case synced <- struct{}{}:
			default:
			}
		},
	})

	testutil.Eventually(t, func() bool { return client.Len() == 1 }, 5*time.Second, "initial state")
	testutil.RequireReceive(t, synced, 5*time.Second, "synced")

	assert.Equal(t, nil, client.CreateObject(&board.Rect{Base: board.Base{ID: "on-client"}}))
	testutil.Eventually(t, func() bool { return server.Len() == 2 }, 5*time.Second, "client change")
	assert.Equal(t, server.String(), client.String())
}

func TestRunCarriesTextFrames(t *testing.T) {
	server, _ := doc.New(doc.Options{})
	client, _ := doc.New(doc.Options{})

	outbound := make(chan []byte, 1)
	received := make(chan string, 1)
	pair(t, server, client,
		Options{Settings: fastSettings(), OnText: func(p []byte) { received <- string(p) }},
		Options{Settings: fastSettings(), Outbound: outbound},
	)

	outbound <- []byte(`{"states":{}}`)
	assert.Equal(t, `{"states":{}}`, testutil.RequireReceive(t, received, 5*time.Second, "text frame"))
}

func TestRunStopsOnCancel(t *testing.T) {
	server, _ := doc.New(doc.Options{})
	client, _ := doc.New(doc.Options{})
	cancel, clientDone := pair(t, server, client, Options{}, Options{})

	cancel()
	err := testutil.RequireReceive(t, clientDone, 5*time.Second, "client stop")
	assert.Equal(t, context.Canceled, err)
}
