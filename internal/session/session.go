// Package session owns the single channel of one game session: claiming
// the local identifier, dialing (and re-dialing) the remote, discarding
// redundant channels, and turning channel activity into ordered events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Seednode/whoisit/internal/metrics"
	"github.com/Seednode/whoisit/internal/packet"
	"github.com/Seednode/whoisit/internal/transport"
)

const (
	DefaultRetryInterval = 2500 * time.Millisecond
	DefaultDialTimeout   = 5 * time.Second

	eventBuffer = 64
)

var (
	ErrNotConnected       = errors.New("session: no open channel")
	ErrDestroyed          = errors.New("session: destroyed")
	ErrAlreadyInitialized = errors.New("session: already initialized")
	ErrNotInitialized     = errors.New("session: not initialized")
)

// Config configures a Manager.
type Config struct {
	Network       transport.Network
	RetryInterval time.Duration
	DialTimeout   time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Manager is the lifecycle owner of one session's channel. Nothing else
// writes to the channel; everything goes through Send.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	listener     transport.Listener
	localID      string
	remoteID     string
	conn         transport.Conn
	connOutbound bool
	dialing      bool
	retrying     bool
	destroyed    bool

	events chan Event
	wg     sync.WaitGroup
	once   sync.Once
}

func New(cfg Config) *Manager {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan Event, eventBuffer),
	}
}

// Events is closed by Destroy, after the last event has been queued.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) LocalID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localID
}

// RemoteID is empty until the remote is either given to Connect/Retry or
// discovered from an inbound channel.
func (m *Manager) RemoteID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteID
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.conn != nil:
		return Connected
	case m.dialing || m.retrying:
		return Connecting
	}
	return Disconnected
}

// Initialize claims localID (or has one assigned when empty) and starts
// accepting inbound channels. It fails with transport.ErrIdentifierTaken
// when another live endpoint holds localID; that is never retried here.
func (m *Manager) Initialize(ctx context.Context, localID string) (string, error) {
	m.mu.Lock()
	switch {
	case m.destroyed:
		m.mu.Unlock()
		return "", ErrDestroyed
	case m.listener != nil:
		m.mu.Unlock()
		return "", ErrAlreadyInitialized
	}
	m.mu.Unlock()

	l, err := m.cfg.Network.Listen(ctx, localID)
	if err != nil {
		return "", fmt.Errorf("session: initialize %q: %w", localID, err)
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		_ = l.Close()
		return "", ErrDestroyed
	}
	m.listener = l
	m.localID = l.ID()
	m.wg.Add(1)
	m.mu.Unlock()

	go m.acceptLoop(l)

	m.logger.Info("session initialized", "id", l.ID())

	return l.ID(), nil
}

// Connect dials remoteID once. It is a no-op while a channel is open, so
// callers may invoke it repeatedly.
func (m *Manager) Connect(ctx context.Context, remoteID string) error {
	m.mu.Lock()
	switch {
	case m.destroyed:
		m.mu.Unlock()
		return ErrDestroyed
	case m.listener == nil:
		m.mu.Unlock()
		return ErrNotInitialized
	case m.conn != nil:
		m.mu.Unlock()
		return nil
	case m.dialing:
		m.mu.Unlock()
		return nil
	}
	m.remoteID = remoteID
	m.dialing = true
	localID := m.localID
	m.wg.Add(1)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.dialing = false
		m.mu.Unlock()
		m.wg.Done()
	}()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	c, err := m.cfg.Network.Dial(ctx, localID, remoteID)
	if err != nil {
		m.metrics.ConnectAttempts.WithLabelValues("failed").Inc()
		return err
	}
	m.metrics.ConnectAttempts.WithLabelValues("ok").Inc()

	m.adopt(c, true)
	return nil
}

// Retry remembers remoteID and keeps dialing it every RetryInterval while
// no channel is open, including after a channel closes. Only Destroy stops it.
func (m *Manager) Retry(remoteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return
	}
	m.remoteID = remoteID
	if m.retrying {
		return
	}
	m.retrying = true
	m.wg.Add(1)

	go m.retryLoop()
}

func (m *Manager) retryLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		m.mu.Lock()
		remoteID, open := m.remoteID, m.conn != nil
		m.mu.Unlock()

		if !open && remoteID != "" {
			if err := m.Connect(m.ctx, remoteID); err != nil && m.ctx.Err() == nil {
				m.logger.Debug("connect attempt failed", "remote", remoteID, "error", err)
			}
		}

		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) acceptLoop(l transport.Listener) {
	defer m.wg.Done()

	for {
		c, err := l.Accept(m.ctx)
		if err != nil {
			if m.ctx.Err() == nil {
				m.logger.Warn("accept loop stopped", "error", err)
			}
			return
		}
		m.adopt(c, false)
	}
}

// dialerOf names the peer that opened c.
func (m *Manager) dialerOf(c transport.Conn, outbound bool) string {
	if outbound {
		return m.localID
	}
	return c.RemoteID()
}

// adopt makes c the session channel unless one is already open. When two
// channels to the same remote race each other, both peers keep the one
// dialed by the identifier that sorts first, so they settle on the same
// channel; any other redundant channel is discarded.
func (m *Manager) adopt(c transport.Conn, outbound bool) {
	direction := "inbound"
	if outbound {
		direction = "outbound"
	}

	m.mu.Lock()

	if m.destroyed {
		m.mu.Unlock()
		_ = c.Close()
		return
	}

	if !outbound && m.remoteID != "" && c.RemoteID() != m.remoteID {
		m.mu.Unlock()
		m.logger.Warn("rejecting channel from unexpected peer", "peer", c.RemoteID(), "expected", m.remoteID)
		_ = c.Close()
		return
	}

	if old := m.conn; old != nil {
		oldDialer := m.dialerOf(old, m.connOutbound)
		newDialer := m.dialerOf(c, outbound)

		if old.RemoteID() != c.RemoteID() || oldDialer == newDialer || oldDialer < newDialer {
			m.mu.Unlock()
			m.logger.Debug("discarding redundant channel", "peer", c.RemoteID(), "direction", direction)
			_ = c.Close()
			return
		}

		// Packets the peer already wrote to the old channel are dropped with
		// it; the game's secret re-send on its timer brings the handshake back.
		m.conn = c
		m.connOutbound = outbound
		m.wg.Add(1)
		m.mu.Unlock()

		m.logger.Debug("replacing channel with the one dialed by the lower identifier", "peer", c.RemoteID(), "dialer", newDialer)
		_ = old.Close()

		go m.readLoop(c)
		return
	}

	m.conn = c
	m.connOutbound = outbound
	m.remoteID = c.RemoteID()
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.ChannelsOpened.WithLabelValues(direction).Inc()
	m.logger.Info("channel open", "peer", c.RemoteID(), "direction", direction)

	go m.readLoop(c)
	m.emit(Event{Kind: EventConnected, RemoteID: c.RemoteID()})
}

func (m *Manager) readLoop(c transport.Conn) {
	defer m.wg.Done()

	for {
		p, err := c.Receive()
		if err != nil {
			if errors.Is(err, packet.ErrMalformed) {
				m.metrics.PacketsDropped.Inc()
				m.logger.Debug("dropping malformed packet", "peer", c.RemoteID(), "error", err)
				continue
			}
			break
		}

		m.metrics.Packets.WithLabelValues("received", string(p.Kind)).Inc()
		m.emit(Event{Kind: EventData, RemoteID: c.RemoteID(), Packet: p})
	}

	_ = c.Close()

	m.mu.Lock()
	current := m.conn == c
	if current {
		m.conn = nil
	}
	notify := current && !m.destroyed
	m.mu.Unlock()

	if notify {
		m.metrics.ChannelsClosed.Inc()
		m.logger.Info("channel closed", "peer", c.RemoteID())
		m.emit(Event{Kind: EventClosed, RemoteID: c.RemoteID()})
	}
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	destroyed := m.destroyed
	m.mu.Unlock()
	if destroyed {
		return
	}

	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

// Send encodes and writes one packet. Without an open channel it logs a
// warning and returns ErrNotConnected; it never panics.
func (m *Manager) Send(kind packet.Kind, payload any) error {
	p, err := packet.New(kind, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()

	if c == nil {
		m.metrics.SendFailures.Inc()
		m.logger.Warn("cannot send, no open channel", "kind", kind)
		return ErrNotConnected
	}

	if err := c.Send(p); err != nil {
		m.metrics.SendFailures.Inc()
		m.logger.Warn("send failed", "kind", kind, "error", err)
		return fmt.Errorf("session: send %s: %w", kind, err)
	}

	m.metrics.Packets.WithLabelValues("sent", string(kind)).Inc()
	return nil
}

// Destroy stops the retry loop, closes the channel and the listener, waits
// for every session goroutine and then closes Events. Idempotent.
func (m *Manager) Destroy() {
	m.once.Do(func() {
		m.mu.Lock()
		m.destroyed = true
		c, l := m.conn, m.listener
		m.conn = nil
		m.retrying = false
		m.mu.Unlock()

		m.cancel()

		if c != nil {
			_ = c.Close()
		}
		if l != nil {
			_ = l.Close()
		}

		m.wg.Wait()
		close(m.events)

		m.logger.Info("session destroyed", "id", m.LocalID())
	})
}
