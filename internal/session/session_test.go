package session

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/whoisit/internal/metrics"
	"github.com/Seednode/whoisit/internal/packet"
	"github.com/Seednode/whoisit/internal/transport"
)

const waitFor = 2 * time.Second

func newTestManager(t *testing.T, net transport.Network) *Manager {
	t.Helper()
	m := New(Config{
		Network:       net,
		RetryInterval: 10 * time.Millisecond,
		DialTimeout:   time.Second,
	})
	t.Cleanup(m.Destroy)
	return m
}

func nextEvent(t *testing.T, m *Manager) Event {
	t.Helper()
	select {
	case ev, ok := <-m.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for session event")
	}
	return Event{}
}

func expectKind(t *testing.T, m *Manager, kind EventKind) Event {
	t.Helper()
	ev := nextEvent(t, m)
	require.Equal(t, kind, ev.Kind)
	return ev
}

func connectedPair(t *testing.T) (*transport.Memory, *Manager, *Manager) {
	t.Helper()
	net := transport.NewMemory()
	ctx := context.Background()

	a := newTestManager(t, net)
	b := newTestManager(t, net)

	_, err := a.Initialize(ctx, "alice")
	require.NoError(t, err)
	_, err = b.Initialize(ctx, "bob")
	require.NoError(t, err)

	require.NoError(t, b.Connect(ctx, "alice"))

	expectKind(t, a, EventConnected)
	expectKind(t, b, EventConnected)

	return net, a, b
}

func TestInitializeIdentifierTaken(t *testing.T) {
	net := transport.NewMemory()
	ctx := context.Background()

	a := newTestManager(t, net)
	id, err := a.Initialize(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", id)

	b := newTestManager(t, net)
	_, err = b.Initialize(ctx, "alice")
	require.ErrorIs(t, err, transport.ErrIdentifierTaken)

	_, err = a.Initialize(ctx, "again")
	require.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestInitializeAssignsIdentifier(t *testing.T) {
	m := newTestManager(t, transport.NewMemory())

	id, err := m.Initialize(context.Background(), "")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, id, m.LocalID())
}

func TestConnectAndExchange(t *testing.T) {
	_, a, b := connectedPair(t)

	require.Equal(t, Connected, a.Status())
	require.Equal(t, "bob", a.RemoteID(), "host discovers the remote from the inbound channel")

	require.NoError(t, b.Send(packet.Message, "É um super-herói?"))

	ev := expectKind(t, a, EventData)
	require.Equal(t, packet.Message, ev.Packet.Kind)
	text, err := ev.Packet.Text()
	require.NoError(t, err)
	require.Equal(t, "É um super-herói?", text)
}

func TestConnectIsIdempotent(t *testing.T) {
	net, _, b := connectedPair(t)

	for range 5 {
		require.NoError(t, b.Connect(context.Background(), "alice"))
	}
	require.Equal(t, 2, net.OpenConns())
}

func TestSendWithoutChannel(t *testing.T) {
	m := New(Config{Network: transport.NewMemory(), Metrics: metrics.New(nil)})
	t.Cleanup(m.Destroy)

	err := m.Send(packet.Restart, nil)
	require.ErrorIs(t, err, ErrNotConnected)
	require.Equal(t, 1.0, testutil.ToFloat64(m.metrics.SendFailures))
}

func TestConnectUnavailable(t *testing.T) {
	m := newTestManager(t, transport.NewMemory())
	_, err := m.Initialize(context.Background(), "alice")
	require.NoError(t, err)

	err = m.Connect(context.Background(), "nobody")
	require.ErrorIs(t, err, transport.ErrChannelUnavailable)
	require.Equal(t, Disconnected, m.Status())
}

func TestRetryUntilRemoteAppears(t *testing.T) {
	net := transport.NewMemory()
	ctx := context.Background()

	b := newTestManager(t, net)
	_, err := b.Initialize(ctx, "bob")
	require.NoError(t, err)

	b.Retry("alice")
	require.Equal(t, Connecting, b.Status())

	time.Sleep(30 * time.Millisecond)

	a := newTestManager(t, net)
	_, err = a.Initialize(ctx, "alice")
	require.NoError(t, err)

	expectKind(t, b, EventConnected)
	expectKind(t, a, EventConnected)
}

func drain(m *Manager) {
	for {
		select {
		case <-m.Events():
		default:
			return
		}
	}
}

func TestBothSidesRetrySettleOnOneChannel(t *testing.T) {
	net := transport.NewMemory()
	ctx := context.Background()

	a := newTestManager(t, net)
	b := newTestManager(t, net)
	_, err := a.Initialize(ctx, "alice")
	require.NoError(t, err)
	_, err = b.Initialize(ctx, "bob")
	require.NoError(t, err)

	a.Retry("bob")
	b.Retry("alice")

	expectKind(t, a, EventConnected)
	expectKind(t, b, EventConnected)

	settled := func() bool {
		return net.OpenConns() == 2 && a.Status() == Connected && b.Status() == Connected
	}
	require.Eventually(t, settled, waitFor, 5*time.Millisecond)

	// Give the retry loops a few more ticks; they must not open more channels.
	time.Sleep(50 * time.Millisecond)
	require.True(t, settled())

	drain(a)
	drain(b)

	require.NoError(t, a.Send(packet.ExchangeSecret, "Coringa"))
	ev := expectKind(t, b, EventData)
	require.Equal(t, packet.ExchangeSecret, ev.Packet.Kind)
}

func TestRedundantInboundIsDiscarded(t *testing.T) {
	net, a, _ := connectedPair(t)

	// bob dials again over a second channel; alice keeps the first one.
	extra, err := net.Dial(context.Background(), "bob", "alice")
	require.NoError(t, err)

	_, err = extra.Receive()
	require.ErrorIs(t, err, transport.ErrChannelClosed)
	require.Equal(t, Connected, a.Status())

	select {
	case ev := <-a.Events():
		t.Fatalf("unexpected event %v", ev.Kind)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestLowerDialerReplacesChannel(t *testing.T) {
	net, a, b := connectedPair(t)

	// bob dialed first; a channel dialed by alice sorts first and wins.
	extra, err := net.Dial(context.Background(), "alice", "bob")
	require.NoError(t, err)

	expectKind(t, a, EventClosed)
	require.Equal(t, Connected, b.Status())

	require.NoError(t, b.Send(packet.ExchangeSecret, "Coringa"))
	p, err := extra.Receive()
	require.NoError(t, err)
	require.Equal(t, packet.ExchangeSecret, p.Kind)

	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected event %v", ev.Kind)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestUnexpectedPeerIsRejected(t *testing.T) {
	net := transport.NewMemory()
	ctx := context.Background()

	a := newTestManager(t, net)
	_, err := a.Initialize(ctx, "alice")
	require.NoError(t, err)
	a.Retry("bob")

	c, err := net.Dial(ctx, "mallory", "alice")
	require.NoError(t, err)

	_, err = c.Receive()
	require.ErrorIs(t, err, transport.ErrChannelClosed)
}

func TestClosedThenReconnect(t *testing.T) {
	net, a, b := connectedPair(t)
	b.Retry("alice")

	net.Sever("alice", "bob")

	expectKind(t, a, EventClosed)
	expectKind(t, b, EventClosed)

	expectKind(t, b, EventConnected)
	expectKind(t, a, EventConnected)
}

func TestMalformedPacketsAreDropped(t *testing.T) {
	net := transport.NewMemory()
	ctx := context.Background()

	reg := metrics.New(nil)
	a := New(Config{Network: net, Metrics: reg})
	t.Cleanup(a.Destroy)
	_, err := a.Initialize(ctx, "alice")
	require.NoError(t, err)

	c, err := net.Dial(ctx, "bob", "alice")
	require.NoError(t, err)
	expectKind(t, a, EventConnected)

	raw := c.(*transport.MemoryConn)
	require.NoError(t, raw.SendRaw([]byte(`garbage`)))
	require.NoError(t, raw.SendRaw([]byte(`{"kind":"QUESTION","payload":"old protocol"}`)))
	require.NoError(t, c.Send(mustPacket(t, packet.GameWon, nil)))

	ev := expectKind(t, a, EventData)
	require.Equal(t, packet.GameWon, ev.Packet.Kind)
	require.Equal(t, 2.0, testutil.ToFloat64(reg.PacketsDropped))
}

func TestDestroy(t *testing.T) {
	net, a, b := connectedPair(t)
	b.Retry("alice")

	a.Destroy()
	a.Destroy()

	_, ok := <-a.Events()
	require.False(t, ok, "events channel is closed by Destroy")

	require.ErrorIs(t, a.Send(packet.Restart, nil), ErrNotConnected)
	require.ErrorIs(t, a.Connect(context.Background(), "bob"), ErrDestroyed)

	expectKind(t, b, EventClosed)

	b.Destroy()
	for range b.Events() {
		t.Fatal("no events may be delivered after Destroy")
	}
	require.Equal(t, 0, net.OpenConns())
}

func mustPacket(t *testing.T, kind packet.Kind, payload any) packet.Packet {
	t.Helper()
	p, err := packet.New(kind, payload)
	require.NoError(t, err)
	return p
}
