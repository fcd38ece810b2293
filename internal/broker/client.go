package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a broker Server.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the broker rooted at base
// (for example "http://localhost:8080"). A nil hc uses a 10s timeout client.
func NewClient(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: strings.TrimSuffix(base, "/"), http: hc}
}

// Claim takes id for addr, or a random room code when id is empty.
func (c *Client) Claim(ctx context.Context, id, addr string) (Lease, error) {
	body, err := json.Marshal(claimRequest{Addr: addr})
	if err != nil {
		return Lease{}, err
	}

	method, path := http.MethodPut, "/peers/"+url.PathEscape(id)
	if id == "" {
		method, path = http.MethodPost, "/peers"
	}

	var lease Lease
	if err := c.do(ctx, method, path, "", body, http.StatusCreated, &lease); err != nil {
		return Lease{}, err
	}
	return lease, nil
}

// Refresh extends the lease on id.
func (c *Client) Refresh(ctx context.Context, id, token string) error {
	return c.do(ctx, http.MethodPut, "/peers/"+url.PathEscape(id)+"/lease", token, nil, http.StatusOK, nil)
}

// Release gives up the lease on id.
func (c *Client) Release(ctx context.Context, id, token string) error {
	return c.do(ctx, http.MethodDelete, "/peers/"+url.PathEscape(id), token, nil, http.StatusNoContent, nil)
}

// Lookup returns the address id listens on.
func (c *Client) Lookup(ctx context.Context, id string) (string, error) {
	var lease Lease
	if err := c.do(ctx, http.MethodGet, "/peers/"+url.PathEscape(id), "", nil, http.StatusOK, &lease); err != nil {
		return "", err
	}
	return lease.Addr, nil
}

// QRURL is where the broker renders a QR code for id.
func (c *Client) QRURL(id string) string {
	return c.base + "/peers/" + url.PathEscape(id) + "/qr"
}

func (c *Client) do(ctx context.Context, method, path, token string, body []byte, want int, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(LeaseHeader, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("broker: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e errorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&e)

		switch resp.StatusCode {
		case http.StatusConflict:
			return fmt.Errorf("%w: %s", ErrTaken, strings.TrimPrefix(path, "/peers/"))
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, strings.TrimPrefix(path, "/peers/"))
		case http.StatusForbidden:
			return ErrBadToken
		case http.StatusBadRequest:
			return fmt.Errorf("%w: %s", ErrInvalidID, e.Error)
		}
		return fmt.Errorf("broker: %s %s: unexpected status %d %s", method, path, resp.StatusCode, e.Error)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("broker: decode %s response: %w", path, err)
		}
	}
	return nil
}
