package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/Seednode/whoisit/internal/packet"
)

// Memory is an in-process Network for tests. Each instance has its own
// registry, so independent tests never see each other's identifiers.
type Memory struct {
	mu        sync.Mutex
	listeners map[string]*memoryListener
	conns     map[*MemoryConn]struct{}
	nextID    int
}

// NewMemory creates an empty in-memory network.
func NewMemory() *Memory {
	return &Memory{
		listeners: make(map[string]*memoryListener),
		conns:     make(map[*MemoryConn]struct{}),
	}
}

func (m *Memory) Listen(ctx context.Context, id string) (Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id == "" {
		for {
			m.nextID++
			id = fmt.Sprintf("mem-%d", m.nextID)
			if _, taken := m.listeners[id]; !taken {
				break
			}
		}
	}

	if _, taken := m.listeners[id]; taken {
		return nil, fmt.Errorf("%w: %s", ErrIdentifierTaken, id)
	}

	l := &memoryListener{
		net:    m,
		id:     id,
		accept: make(chan Conn),
		done:   make(chan struct{}),
	}
	m.listeners[id] = l
	return l, nil
}

func (m *Memory) Dial(ctx context.Context, localID, remoteID string) (Conn, error) {
	m.mu.Lock()
	l, ok := m.listeners[remoteID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no peer with id %q", ErrChannelUnavailable, remoteID)
	}

	local, remote := m.pipe(localID, remoteID)

	select {
	case l.accept <- remote:
		return local, nil
	case <-l.done:
	case <-ctx.Done():
	}

	local.Close()
	return nil, fmt.Errorf("%w: %s stopped accepting", ErrChannelUnavailable, remoteID)
}

// Sever closes every open channel between a and b, as if the network dropped them.
func (m *Memory) Sever(a, b string) int {
	m.mu.Lock()
	var victims []*MemoryConn
	for c := range m.conns {
		if (c.localID == a && c.remoteID == b) || (c.localID == b && c.remoteID == a) {
			victims = append(victims, c)
		}
	}
	m.mu.Unlock()

	for _, c := range victims {
		c.Close()
	}
	return len(victims)
}

// OpenConns reports how many channel ends are currently open.
func (m *Memory) OpenConns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Memory) pipe(a, b string) (*MemoryConn, *MemoryConn) {
	shared := &pipeState{done: make(chan struct{})}

	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)

	left := &MemoryConn{net: m, state: shared, localID: a, remoteID: b, in: ba, out: ab}
	right := &MemoryConn{net: m, state: shared, localID: b, remoteID: a, in: ab, out: ba}

	m.mu.Lock()
	m.conns[left] = struct{}{}
	m.conns[right] = struct{}{}
	m.mu.Unlock()

	return left, right
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

// MemoryConn is one end of an in-memory channel. Packets are encoded on
// Send and decoded on Receive so the wire codec is exercised.
type MemoryConn struct {
	net      *Memory
	state    *pipeState
	localID  string
	remoteID string
	in       chan []byte
	out      chan []byte
}

func (c *MemoryConn) RemoteID() string { return c.remoteID }

func (c *MemoryConn) Send(p packet.Packet) error {
	b, err := p.Encode()
	if err != nil {
		return err
	}
	return c.SendRaw(b)
}

// SendRaw writes b unchanged, for tests feeding malformed input.
func (c *MemoryConn) SendRaw(b []byte) error {
	select {
	case <-c.state.done:
		return ErrChannelClosed
	default:
	}

	select {
	case c.out <- b:
		return nil
	case <-c.state.done:
		return ErrChannelClosed
	}
}

// Receive drains packets already in flight before reporting closure,
// like a socket delivering buffered bytes ahead of EOF.
func (c *MemoryConn) Receive() (packet.Packet, error) {
	select {
	case b := <-c.in:
		return packet.Decode(b)
	default:
	}

	select {
	case b := <-c.in:
		return packet.Decode(b)
	case <-c.state.done:
		return packet.Packet{}, ErrChannelClosed
	}
}

func (c *MemoryConn) Close() error {
	c.state.once.Do(func() {
		close(c.state.done)
	})

	c.net.mu.Lock()
	delete(c.net.conns, c)
	for other := range c.net.conns {
		if other.state == c.state {
			delete(c.net.conns, other)
		}
	}
	c.net.mu.Unlock()
	return nil
}

type memoryListener struct {
	net    *Memory
	id     string
	accept chan Conn
	done   chan struct{}
	once   sync.Once
}

func (l *memoryListener) ID() string { return l.id }

func (l *memoryListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.done:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memoryListener) Close() error {
	l.once.Do(func() {
		close(l.done)

		l.net.mu.Lock()
		if l.net.listeners[l.id] == l {
			delete(l.net.listeners, l.id)
		}
		l.net.mu.Unlock()
	})
	return nil
}
