package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// AuthorHeader carries the author id of a PUT snapshot.
const AuthorHeader = "X-Canvas-Author"

// HTTPStore saves and loads through a relay's REST endpoints.
type HTTPStore struct {
	BaseURL *url.URL
	Token   string
	Client  *http.Client
}

func (s *HTTPStore) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

func (s *HTTPStore) do(req *http.Request) (*http.Response, error) {
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to %s %s: %w", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

func (s *HTTPStore) Save(ctx context.Context, boardID string, state []byte, authorID string) error {
	u := s.BaseURL.JoinPath("boards", boardID, "snapshot")
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(state))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(AuthorHeader, authorID)
	resp, err := s.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPStore) Load(ctx context.Context, boardID string) ([]byte, error) {
	u := s.BaseURL.JoinPath("boards", boardID, "latest")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
		return raw, nil
	case http.StatusNotFound, http.StatusNoContent:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}
