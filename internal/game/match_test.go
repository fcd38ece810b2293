package game_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/whoisit/internal/game"
	"github.com/Seednode/whoisit/internal/history"
	"github.com/Seednode/whoisit/internal/metrics"
	"github.com/Seednode/whoisit/internal/packet"
	"github.com/Seednode/whoisit/internal/session"
	"github.com/Seednode/whoisit/internal/transport"
)

const waitFor = 2 * time.Second

type player struct {
	id      string
	game    *game.Game
	sess    *session.Manager
	store   *history.Store
	metrics *metrics.Metrics
}

func newPlayer(t *testing.T, net transport.Network, id, opponent string, host bool) *player {
	t.Helper()

	m := metrics.New(nil)
	sess := session.New(session.Config{
		Network:       net,
		RetryInterval: 10 * time.Millisecond,
		DialTimeout:   time.Second,
		Metrics:       m,
	})
	_, err := sess.Initialize(context.Background(), id)
	require.NoError(t, err)

	store, err := history.Open(filepath.Join(t.TempDir(), id+".db"), id, opponent)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	g := game.New(game.Config{
		Session:        sess,
		Host:           host,
		ResendInterval: 20 * time.Millisecond,
		Recorder:       store,
		Metrics:        m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = g.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-g.Done()
	})

	return &player{id: id, game: g, sess: sess, store: store, metrics: m}
}

func waitUntil(t *testing.T, p *player, cond func(game.Snapshot) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(p.game.Snapshot()) }, waitFor, 5*time.Millisecond, "%s: %s", p.id, msg)
}

// expectSequence reads updates until each condition has been seen, in order.
func expectSequence(t *testing.T, updates <-chan game.Snapshot, conds ...func(game.Snapshot) bool) {
	t.Helper()

	timeout := time.After(waitFor)
	for i := 0; i < len(conds); {
		select {
		case s, ok := <-updates:
			require.True(t, ok, "updates closed")
			if conds[i](s) {
				i++
			}
		case <-timeout:
			t.Fatalf("condition %d not reached", i)
		}
	}
}

func inPhase(phase game.Phase) func(game.Snapshot) bool {
	return func(s game.Snapshot) bool { return s.Phase == phase }
}

func newMatch(t *testing.T) (*transport.Memory, *player, *player) {
	t.Helper()

	net := transport.NewMemory()
	alice := newPlayer(t, net, "alice", "bob", true)
	bob := newPlayer(t, net, "bob", "alice", false)

	bob.sess.Retry("alice")

	waitUntil(t, alice, inPhase(game.Setup), "setup")
	waitUntil(t, bob, inPhase(game.Setup), "setup")

	return net, alice, bob
}

func TestFullRound(t *testing.T) {
	_, alice, bob := newMatch(t)

	// Alice assigns Homem-Aranha to Bob, Bob assigns Coringa to Alice.
	require.NoError(t, alice.game.ChooseSecret("Homem-Aranha"))
	require.NoError(t, bob.game.ChooseSecret("Coringa"))

	waitUntil(t, alice, inPhase(game.Playing), "playing")
	waitUntil(t, bob, inPhase(game.Playing), "playing")

	require.Equal(t, game.Mine, alice.game.Snapshot().Turn)
	require.Equal(t, game.Theirs, bob.game.Snapshot().Turn)

	require.NoError(t, alice.game.AskOrGuess("É um super-herói?"))
	waitUntil(t, bob, game.Snapshot.CanAnswer, "question arrives")

	require.NoError(t, bob.game.Answer(packet.Yes))
	waitUntil(t, alice, func(s game.Snapshot) bool { return len(s.Log) == 2 && !s.AwaitingAnswer }, "answer arrives")

	require.NoError(t, bob.game.AskOrGuess("homem aranha"))
	waitUntil(t, alice, game.Snapshot.CanAnswer, "near miss is a question")
	require.NoError(t, alice.game.Answer(packet.No))
	waitUntil(t, bob, func(s game.Snapshot) bool { return s.Turn == game.Theirs && !s.AwaitingAnswer }, "answer arrives")

	require.NoError(t, alice.game.AskOrGuess("Sou um vilão?"))
	waitUntil(t, bob, game.Snapshot.CanAnswer, "question arrives")
	require.NoError(t, bob.game.Answer(packet.Probably))
	waitUntil(t, bob, game.Snapshot.CanAsk, "bob holds the turn")

	require.NoError(t, bob.game.AskOrGuess("Homem-Aranha"))

	b := bob.game.Snapshot()
	require.Equal(t, game.GameOver, b.Phase)
	require.Equal(t, game.Victory, b.Result)
	require.Equal(t, "Homem-Aranha", b.Identity)

	waitUntil(t, alice, inPhase(game.GameOver), "game over")
	a := alice.game.Snapshot()
	require.Equal(t, game.Defeat, a.Result)
	require.Equal(t, "Coringa", a.Identity)
	require.Len(t, a.Log, len(b.Log))

	for _, p := range []*player{alice, bob} {
		h, err := p.store.LoadHistory(0)
		require.NoError(t, err)
		require.Equal(t, map[string]int{"bob": 1}, h.Counts, p.id)
		require.Len(t, h.RecentMatches, 1)
		require.Equal(t, "Homem-Aranha", h.RecentMatches[0].Secret)
	}

	require.Equal(t, 1.0, testutil.ToFloat64(bob.metrics.Rounds.WithLabelValues(game.Victory.String())))
	require.Equal(t, 1.0, testutil.ToFloat64(alice.metrics.Rounds.WithLabelValues(game.Defeat.String())))
}

func TestRestartAcrossPeers(t *testing.T) {
	_, alice, bob := newMatch(t)

	require.NoError(t, alice.game.ChooseSecret("Batman"))
	require.NoError(t, bob.game.ChooseSecret("Robin"))
	waitUntil(t, bob, inPhase(game.Playing), "playing")
	waitUntil(t, alice, inPhase(game.Playing), "playing")

	require.NoError(t, alice.game.AskOrGuess("Robin"))
	waitUntil(t, bob, inPhase(game.GameOver), "game over")

	require.NoError(t, bob.game.Restart())
	waitUntil(t, alice, inPhase(game.Setup), "restart arrives")

	for _, p := range []*player{alice, bob} {
		s := p.game.Snapshot()
		require.Empty(t, s.Log, p.id)
		require.Empty(t, s.MySecret, p.id)
		require.Equal(t, game.NoResult, s.Result, p.id)
	}

	require.NoError(t, alice.game.ChooseSecret("Mulher-Maravilha"))
	require.NoError(t, bob.game.ChooseSecret("Flash"))
	waitUntil(t, alice, inPhase(game.Playing), "second round")
	waitUntil(t, bob, inPhase(game.Playing), "second round")
	require.Equal(t, game.Mine, alice.game.Snapshot().Turn, "host opens every round")
}

func TestChangeSecretAcrossPeers(t *testing.T) {
	_, alice, bob := newMatch(t)

	require.NoError(t, bob.game.ChooseSecret("Coringa"))
	waitUntil(t, alice, chosen, "first choice arrives")

	require.NoError(t, bob.game.ChangeSecret())
	waitUntil(t, alice, notChosen, "choice withdrawn")

	playAfterWithdraw(t, alice, bob)
}

func TestRestartFromSetupAcrossPeers(t *testing.T) {
	_, alice, bob := newMatch(t)

	require.NoError(t, bob.game.ChooseSecret("Coringa"))
	waitUntil(t, alice, chosen, "first choice arrives")

	require.NoError(t, bob.game.Restart())
	waitUntil(t, alice, notChosen, "restart arrives")

	playAfterWithdraw(t, alice, bob)
}

func chosen(s game.Snapshot) bool { return s.OpponentChose }
func notChosen(s game.Snapshot) bool { return !s.OpponentChose }

// playAfterWithdraw has alice choose while bob has nothing on the table, then
// bob choose again, and checks that the round that follows can be played.
func playAfterWithdraw(t *testing.T, alice, bob *player) {
	t.Helper()

	require.NoError(t, alice.game.ChooseSecret("Homem-Aranha"))
	require.Equal(t, game.Setup, alice.game.Snapshot().Phase, "the withdrawn secret must not start the round")
	require.ErrorIs(t, alice.game.AskOrGuess("É um super-herói?"), game.ErrWrongPhase)

	waitUntil(t, bob, chosen, "alice's choice arrives")
	require.NoError(t, bob.game.ChooseSecret("Batman"))

	waitUntil(t, alice, inPhase(game.Playing), "playing")
	waitUntil(t, bob, inPhase(game.Playing), "playing")

	a, b := alice.game.Snapshot(), bob.game.Snapshot()
	require.True(t, a.CanAsk())
	require.False(t, b.CanAsk())
	require.False(t, b.CanAnswer())

	require.NoError(t, alice.game.AskOrGuess("É um super-herói?"))
	waitUntil(t, bob, game.Snapshot.CanAnswer, "question arrives")
	require.NoError(t, bob.game.Answer(packet.Yes))
	waitUntil(t, alice, func(s game.Snapshot) bool { return len(s.Log) == 2 && !s.AwaitingAnswer }, "answer arrives")

	require.NoError(t, bob.game.AskOrGuess("Homem-Aranha"))
	require.Equal(t, game.Victory, bob.game.Snapshot().Result)

	waitUntil(t, alice, inPhase(game.GameOver), "game over")
	a = alice.game.Snapshot()
	require.Equal(t, game.Defeat, a.Result)
	require.Equal(t, "Batman", a.Identity, "the withdrawn choice is gone")
}

func TestRoundSurvivesDroppedChannel(t *testing.T) {
	net, alice, bob := newMatch(t)

	require.NoError(t, alice.game.ChooseSecret("Homem-Aranha"))
	require.NoError(t, bob.game.ChooseSecret("Coringa"))
	waitUntil(t, bob, inPhase(game.Playing), "playing")
	waitUntil(t, alice, inPhase(game.Playing), "playing")

	require.NoError(t, alice.game.AskOrGuess("É um super-herói?"))
	waitUntil(t, bob, game.Snapshot.CanAnswer, "question arrives")

	aliceUpdates, cancelAlice := alice.game.Subscribe()
	defer cancelAlice()
	bobUpdates, cancelBob := bob.game.Subscribe()
	defer cancelBob()

	require.Positive(t, net.Sever("alice", "bob"))

	resumed := func(s game.Snapshot) bool { return s.Phase == game.Playing && s.Status == session.Connected }
	expectSequence(t, bobUpdates, func(s game.Snapshot) bool { return s.Reconnecting }, resumed)
	expectSequence(t, aliceUpdates, func(s game.Snapshot) bool { return s.Reconnecting }, resumed)

	s := bob.game.Snapshot()
	require.True(t, s.PendingQuestion)
	require.Equal(t, "Coringa", s.MySecret)

	require.NoError(t, bob.game.Answer(packet.Yes))
	waitUntil(t, alice, func(s game.Snapshot) bool { return len(s.Log) == 2 }, "answer after reconnect")
}

func TestLeaveEndsBothSides(t *testing.T) {
	_, alice, bob := newMatch(t)

	require.NoError(t, bob.game.Leave())
	<-bob.game.Done()

	waitUntil(t, alice, inPhase(game.Connecting), "peer gone")
	require.True(t, alice.game.Snapshot().Reconnecting)
}
