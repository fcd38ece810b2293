package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/Seednode/whoisit/internal/broker"
	"github.com/Seednode/whoisit/internal/packet"
)

// PeerHeader names the dialing peer's identifier on the upgrade request.
const PeerHeader = "X-Whoisit-Peer"

const channelPath = "/channel"

// WebSocketConfig configures a WebSocket network.
type WebSocketConfig struct {
	// Broker resolves and claims identifiers.
	Broker *broker.Client

	// ListenAddr is the local host:port to bind (":0" picks a free port).
	ListenAddr string

	// AdvertiseAddr is the host:port other peers dial. Defaults to the
	// bound listener address.
	AdvertiseAddr string

	LeaseRefresh time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// WebSocket is a Network whose channels are direct websocket connections
// between peers. The broker is only consulted to claim and look up
// identifiers.
type WebSocket struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
}

func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":0"
	}
	if cfg.LeaseRefresh <= 0 {
		cfg.LeaseRefresh = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	return &WebSocket{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
	}
}

func (w *WebSocket) Listen(ctx context.Context, id string) (Listener, error) {
	ln, err := net.Listen("tcp", w.cfg.ListenAddr)
	if err != nil {
		return nil, err
	}

	addr := w.cfg.AdvertiseAddr
	if addr == "" {
		addr = ln.Addr().String()
	}

	lease, err := w.cfg.Broker.Claim(ctx, id, addr)
	if err != nil {
		_ = ln.Close()
		if errors.Is(err, broker.ErrTaken) {
			return nil, fmt.Errorf("%w: %s", ErrIdentifierTaken, id)
		}
		return nil, err
	}

	l := &wsListener{
		net:    w,
		lease:  lease,
		addr:   addr,
		accept: make(chan Conn),
		done:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := httprouter.New()
	mux.GET(channelPath, l.serveChannel)

	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.cfg.Logger.Warn("channel listener stopped", "error", err)
		}
	}()
	go l.keepLease()

	w.cfg.Logger.Debug("listening for channels", "id", lease.ID, "addr", addr)

	return l, nil
}

func (w *WebSocket) Dial(ctx context.Context, localID, remoteID string) (Conn, error) {
	addr, err := w.cfg.Broker.Lookup(ctx, remoteID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     addr,
		Path:     channelPath,
		RawQuery: url.Values{"to": {remoteID}}.Encode(),
	}

	hdr := http.Header{}
	hdr.Set(PeerHeader, localID)

	conn, _, err := w.dialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrChannelUnavailable, remoteID, err)
	}

	return w.newConn(conn, remoteID), nil
}

type wsListener struct {
	net      *WebSocket
	srv      *http.Server
	upgrader websocket.Upgrader
	addr     string

	mu    sync.Mutex
	lease broker.Lease

	accept chan Conn
	done   chan struct{}
	once   sync.Once
}

func (l *wsListener) ID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lease.ID
}

func (l *wsListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.done:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *wsListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		_ = l.srv.Close()

		l.mu.Lock()
		lease := l.lease
		l.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.net.cfg.Broker.Release(ctx, lease.ID, lease.Token); err != nil {
			l.net.cfg.Logger.Debug("lease release failed", "id", lease.ID, "error", err)
		}
	})
	return nil
}

func (l *wsListener) serveChannel(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if r.URL.Query().Get("to") != l.ID() {
		http.Error(w, "unknown peer", http.StatusNotFound)
		return
	}

	from := r.Header.Get(PeerHeader)
	if from == "" {
		http.Error(w, "missing "+PeerHeader, http.StatusBadRequest)
		return
	}

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.net.cfg.Logger.Debug("upgrade failed", "from", from, "error", err)
		return
	}

	c := l.net.newConn(conn, from)

	select {
	case l.accept <- c:
	case <-l.done:
		_ = c.Close()
	case <-r.Context().Done():
		_ = c.Close()
	}
}

// keepLease refreshes the broker lease until the listener closes. A lease
// that expired anyway (broker restart, long pause) is claimed again under
// the same identifier.
func (l *wsListener) keepLease() {
	ticker := time.NewTicker(l.net.cfg.LeaseRefresh)
	defer ticker.Stop()

	logger := l.net.cfg.Logger

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
		}

		l.mu.Lock()
		lease := l.lease
		l.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), l.net.cfg.LeaseRefresh)
		err := l.net.cfg.Broker.Refresh(ctx, lease.ID, lease.Token)
		if errors.Is(err, broker.ErrNotFound) {
			var fresh broker.Lease
			fresh, err = l.net.cfg.Broker.Claim(ctx, lease.ID, l.addr)
			if err == nil {
				l.mu.Lock()
				l.lease = fresh
				l.mu.Unlock()
			}
		}
		cancel()

		if err != nil {
			logger.Warn("lease refresh failed", "id", lease.ID, "error", err)
		}
	}
}

// wsConn carries one JSON text frame per packet.
type wsConn struct {
	conn     *websocket.Conn
	remoteID string
	timeout  time.Duration

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func (w *WebSocket) newConn(conn *websocket.Conn, remoteID string) *wsConn {
	c := &wsConn{
		conn:     conn,
		remoteID: remoteID,
		timeout:  w.cfg.WriteTimeout,
		done:     make(chan struct{}),
	}

	pongWait := 2 * w.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.pingLoop(w.cfg.PingInterval)

	return c
}

func (c *wsConn) RemoteID() string { return c.remoteID }

func (c *wsConn) Send(p packet.Packet) error {
	b, err := p.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("%w: %w", ErrChannelClosed, err)
	}
	return nil
}

func (c *wsConn) Receive() (packet.Packet, error) {
	for {
		typ, msg, err := c.conn.ReadMessage()
		if err != nil {
			return packet.Packet{}, fmt.Errorf("%w: %w", ErrChannelClosed, err)
		}
		if typ != websocket.TextMessage {
			continue
		}
		return packet.Decode(msg)
	}
}

func (c *wsConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
	return nil
}

func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.timeout)); err != nil {
				return
			}
		}
	}
}
