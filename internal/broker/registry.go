// Package broker is the rendezvous point peers use to exchange connection
// identifiers out of band. It never carries game traffic: it only maps a
// claimed identifier to the address its owner listens on, for as long as
// the owner keeps its lease alive.
package broker

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Seednode/whoisit/internal/metrics"
)

const (
	roomCodeLength = 8
	roomCodeChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// MaxIDLength bounds client-chosen identifiers.
	MaxIDLength = 64
)

var (
	ErrTaken     = errors.New("broker: identifier taken")
	ErrNotFound  = errors.New("broker: identifier not found")
	ErrBadToken  = errors.New("broker: lease token mismatch")
	ErrInvalidID = errors.New("broker: invalid identifier")
)

// Lease is a live claim on an identifier.
type Lease struct {
	ID      string    `json:"id"`
	Addr    string    `json:"addr"`
	Token   string    `json:"token,omitempty"`
	Expires time.Time `json:"expires"`
}

// Registry holds the identifier leases.
type Registry struct {
	mu      sync.Mutex
	leases  map[string]Lease
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
}

func NewRegistry(ttl time.Duration, m *metrics.Metrics) *Registry {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Registry{
		leases:  make(map[string]Lease),
		ttl:     ttl,
		now:     time.Now,
		metrics: m,
	}
}

func validID(id string) bool {
	if id == "" || len(id) > MaxIDLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

// Claim takes id for addr. An expired lease on the same id is replaced.
func (r *Registry) Claim(id, addr string) (Lease, error) {
	if !validID(id) {
		return Lease{}, ErrInvalidID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.claimLocked(id, addr)
}

// ClaimRandom assigns a fresh room code, retrying on collision.
func (r *Registry) ClaimRandom(addr string) (Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		id := randomRoomCode(roomCodeLength)
		if l, ok := r.leases[id]; ok && l.Expires.After(r.now()) {
			continue
		}
		return r.claimLocked(id, addr)
	}
}

func (r *Registry) claimLocked(id, addr string) (Lease, error) {
	now := r.now()

	if l, ok := r.leases[id]; ok && l.Expires.After(now) {
		r.metrics.LeaseConflicts.Inc()
		return Lease{}, ErrTaken
	}

	l := Lease{
		ID:      id,
		Addr:    addr,
		Token:   uuid.NewString(),
		Expires: now.Add(r.ttl),
	}
	r.leases[id] = l
	r.metrics.Leases.Set(float64(len(r.leases)))

	return l, nil
}

// Refresh extends a lease held by token.
func (r *Registry) Refresh(id, token string) (Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := r.ownedLocked(id, token)
	if err != nil {
		return Lease{}, err
	}

	l.Expires = r.now().Add(r.ttl)
	r.leases[id] = l

	return l, nil
}

// Release drops a lease held by token.
func (r *Registry) Release(id, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.ownedLocked(id, token); err != nil {
		return err
	}

	delete(r.leases, id)
	r.metrics.Leases.Set(float64(len(r.leases)))

	return nil
}

func (r *Registry) ownedLocked(id, token string) (Lease, error) {
	l, ok := r.leases[id]
	if !ok || !l.Expires.After(r.now()) {
		return Lease{}, ErrNotFound
	}
	if l.Token != token {
		return Lease{}, ErrBadToken
	}
	return l, nil
}

// Lookup returns the live lease for id, without its token.
func (r *Registry) Lookup(id string) (Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[id]
	if !ok || !l.Expires.After(r.now()) {
		return Lease{}, ErrNotFound
	}

	l.Token = ""
	return l, nil
}

// Reap removes expired leases and returns how many were dropped.
func (r *Registry) Reap() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	dropped := 0
	for id, l := range r.leases {
		if !l.Expires.After(now) {
			delete(r.leases, id)
			dropped++
		}
	}
	r.metrics.Leases.Set(float64(len(r.leases)))

	return dropped
}

// Len reports the number of stored leases, live or not yet reaped.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leases)
}

// Run reaps expired leases every half TTL until ctx ends.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap()
		}
	}
}

// randomRoomCode draws n characters from roomCodeChars without modulo bias.
func randomRoomCode(n int) string {
	const max = byte(255 - (256 % len(roomCodeChars)))

	out := make([]byte, 0, n)
	buf := make([]byte, n*2)

	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		for _, b := range buf {
			if b <= max {
				out = append(out, roomCodeChars[int(b)%len(roomCodeChars)])
				if len(out) == n {
					return string(out)
				}
			}
		}
	}

	return string(out)
}
