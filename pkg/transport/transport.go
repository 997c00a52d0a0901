// Package transport holds the websocket dialing and reconnect policy shared
// by the document session and the live channel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/astromechza/canvas-sync/pkg/clock"
)

// ErrUnauthorized is returned when the relay rejects the credentials. It is
// terminal: retrying with the same token cannot succeed.
var ErrUnauthorized = errors.New("relay rejected credentials")

// Policy bounds reconnect attempts.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxAttempts is the number of consecutive failed attempts after which
	// the caller gives up. Zero retries forever.
	MaxAttempts uint64
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxAttempts:     10,
	}
}

// NewBackOff returns an exponential backoff with jitter that yields
// backoff.Stop once MaxAttempts is reached.
func (p Policy) NewBackOff(c clock.Clock) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	b.Clock = clock.OrReal(c)
	b.Reset()
	if p.MaxAttempts == 0 {
		return b
	}
	return backoff.WithMaxRetries(b, p.MaxAttempts)
}

// Sleep waits for d on c. It returns false if ctx ended first.
func Sleep(ctx context.Context, c clock.Clock, d time.Duration) bool {
	select {
	case <-clock.OrReal(c).After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// WebsocketURL turns an http(s) base url into the ws(s) url of path.
func WebsocketURL(base string, path ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("failed to parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	return u.JoinPath(path...).String(), nil
}

// Dial opens a websocket carrying token as a bearer credential. A 401 or
// 403 handshake response yields ErrUnauthorized.
func Dial(ctx context.Context, dialer *websocket.Dialer, rawURL, token string) (*websocket.Conn, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", rawURL, err)
	}
	return conn, nil
}
