// Package game is the per-peer protocol state machine: it moves a peer
// through CONNECTING, SETUP, PLAYING and GAME_OVER in response to local
// commands and packets from the opponent.
//
// All state is owned by the goroutine running Run. UI commands are queued
// to it and answered synchronously; observers receive snapshots.
package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Seednode/whoisit/internal/metrics"
	"github.com/Seednode/whoisit/internal/packet"
	"github.com/Seednode/whoisit/internal/session"
)

const DefaultResendInterval = 3 * time.Second

var (
	ErrWrongPhase          = errors.New("game: not allowed in this phase")
	ErrNotYourTurn         = errors.New("game: not your turn")
	ErrNoPendingQuestion   = errors.New("game: no question to answer")
	ErrEmptyText           = errors.New("game: empty text")
	ErrInvalidAnswer       = errors.New("game: invalid answer")
	ErrSecretAlreadyChosen = errors.New("game: secret already chosen")
	ErrClosed              = errors.New("game: closed")
	ErrInternal            = errors.New("game: internal error")
)

// Session is what the state machine needs from the session manager.
type Session interface {
	Send(kind packet.Kind, payload any) error
	Events() <-chan session.Event
	Retry(remoteID string)
	Status() session.Status
	LocalID() string
	RemoteID() string
	Destroy()
}

// Recorder is the match history sink. The game never reads it back.
type Recorder interface {
	RecordVictory(winnerID, secret string) error
}

// Config configures a Game.
type Config struct {
	Session Session

	// Host decides who asks first in every round; exactly one of the two
	// peers must be the host.
	Host bool

	ResendInterval time.Duration
	Normalize      NormalizeOptions
	Recorder       Recorder

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type command struct {
	name  string
	fn    func() error
	reply chan error
}

// Game is one peer's view of a match.
type Game struct {
	cfg     Config
	sess    Session
	logger  *slog.Logger
	metrics *metrics.Metrics

	cmds chan command
	done chan struct{}

	// Owned by the Run goroutine.
	phase           Phase
	connectedOnce   bool
	remoteID        string
	mySecret        string
	opponentSecret  string
	myTurn          bool
	pendingQuestion bool
	awaitingAnswer  bool
	roundStarted    bool
	log             []Entry
	result          Result
	left            bool

	snapMu sync.RWMutex
	snap   Snapshot

	subMu sync.Mutex
	subs  map[chan Snapshot]struct{}
}

func New(cfg Config) *Game {
	if cfg.ResendInterval <= 0 {
		cfg.ResendInterval = DefaultResendInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	g := &Game{
		cfg:     cfg,
		sess:    cfg.Session,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		cmds:    make(chan command),
		done:    make(chan struct{}),
		phase:   Connecting,
		myTurn:  cfg.Host,
		subs:    make(map[chan Snapshot]struct{}),
	}
	g.snap = g.snapshot()

	return g
}

// Run processes session events, commands and the secret resend timer until
// ctx ends, Leave is called or the session is destroyed underneath it.
func (g *Game) Run(ctx context.Context) error {
	defer close(g.done)
	defer g.closeSubscribers()

	ticker := time.NewTicker(g.cfg.ResendInterval)
	defer ticker.Stop()

	events := g.sess.Events()

	for {
		select {
		case <-ctx.Done():
			g.sess.Destroy()
			g.publish()
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				g.left = true
				g.publish()
				return nil
			}
			g.guard("event "+ev.Kind.String(), func() error {
				g.handleEvent(ev)
				return nil
			})

		case cmd := <-g.cmds:
			cmd.reply <- g.guard(cmd.name, cmd.fn)

		case <-ticker.C:
			g.resendSecret()
			continue
		}

		g.publish()

		if g.left {
			return nil
		}
	}
}

// guard keeps a panic inside the state machine from reaching the caller.
func (g *Game) guard(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("recovered from panic", "op", name, "panic", r)
			err = fmt.Errorf("%w: %s: %v", ErrInternal, name, r)
		}
	}()
	return fn()
}

func (g *Game) do(name string, fn func() error) error {
	cmd := command{name: name, fn: fn, reply: make(chan error, 1)}

	select {
	case g.cmds <- cmd:
	case <-g.done:
		return ErrClosed
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-g.done:
		return ErrClosed
	}
}

func (g *Game) handleEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventConnected:
		g.onConnected(ev.RemoteID)
	case session.EventData:
		g.onPacket(ev.Packet)
	case session.EventClosed:
		g.onClosed(ev.RemoteID)
	}
}

func (g *Game) onConnected(remoteID string) {
	g.remoteID = remoteID

	if g.phase == Connecting {
		if g.result != NoResult {
			g.phase = GameOver
		} else {
			g.phase = Setup
			g.tryStart()
		}
		g.connectedOnce = true
		g.logger.Info("connected", "peer", remoteID, "phase", g.phase)
	}

	if g.mySecret != "" {
		g.sendSecret()
	}

	// The GAME_WON of the last round may have been lost with the channel;
	// the loser ignores a repeat once it is out of PLAYING.
	if g.result == Victory {
		if err := g.send(packet.GameWon, nil); err != nil {
			g.logger.Debug("game won not re-sent", "error", err)
		}
	}
}

// onClosed keeps secrets, log and turn so the round resumes on reconnect.
func (g *Game) onClosed(remoteID string) {
	if g.phase != Connecting {
		g.logger.Info("channel lost, reconnecting", "peer", remoteID, "phase", g.phase)
	}
	g.phase = Connecting

	if remoteID != "" {
		g.sess.Retry(remoteID)
	}
}

// onPacket ignores anything that does not fit the current phase; the two
// peers' phases are not synchronized, so reordering is expected.
func (g *Game) onPacket(p packet.Packet) {
	switch p.Kind {
	case packet.ExchangeSecret:
		if g.phase != Setup && g.phase != Playing {
			break
		}
		secret, err := p.Text()
		if err != nil {
			g.logger.Debug("dropping packet", "kind", p.Kind, "error", err)
			return
		}
		g.receiveSecret(secret)
		return

	case packet.Message:
		if g.phase != Playing {
			break
		}
		text, err := p.Text()
		if err != nil || strings.TrimSpace(text) == "" {
			g.logger.Debug("dropping packet", "kind", p.Kind, "error", err)
			return
		}
		g.receiveQuestion(text)
		return

	case packet.AnswerKind:
		if g.phase != Playing || !g.awaitingAnswer {
			break
		}
		a, err := p.Answer()
		if err != nil {
			g.logger.Debug("dropping packet", "kind", p.Kind, "error", err)
			return
		}
		g.receiveAnswer(a)
		return

	case packet.GameWon:
		if g.phase != Playing {
			break
		}
		g.conclude(Defeat)
		return

	case packet.WithdrawSecret:
		if g.phase != Setup && g.phase != Playing {
			break
		}
		g.logger.Info("opponent withdrew their secret", "phase", g.phase)
		g.opponentWithdrew()
		return

	case packet.Restart:
		if g.phase == Setup {
			// Already between rounds: only the opponent's choice is void.
			g.opponentWithdrew()
			return
		}
		if g.phase != Playing && g.phase != GameOver {
			break
		}
		g.logger.Info("opponent restarted the round")
		g.reset()

		// A secret of ours may still be in flight to the opponent.
		if err := g.send(packet.WithdrawSecret, nil); err != nil {
			g.logger.Debug("withdraw not sent", "error", err)
		}
		return
	}

	g.logger.Debug("ignoring packet", "kind", p.Kind, "phase", g.phase)
}

func (g *Game) send(kind packet.Kind, payload any) error {
	return g.sess.Send(kind, payload)
}

func (g *Game) appendLog(from Sender, kind EntryKind, content string, answer packet.Answer) {
	g.log = append(g.log, Entry{
		Sender:    from,
		Kind:      kind,
		Content:   content,
		Answer:    answer,
		Timestamp: g.cfg.Now(),
	})
}

// conclude ends the round and reports it to the history sink once.
func (g *Game) conclude(result Result) {
	g.result = result
	g.phase = GameOver
	g.pendingQuestion = false
	g.awaitingAnswer = false
	g.metrics.Rounds.WithLabelValues(result.String()).Inc()

	winner, secret := g.sess.LocalID(), g.opponentSecret
	if result == Defeat {
		winner, secret = g.remoteID, g.mySecret
	}

	g.logger.Info("round over", "result", result, "winner", winner)

	if g.cfg.Recorder == nil {
		return
	}
	if err := g.cfg.Recorder.RecordVictory(winner, secret); err != nil {
		g.logger.Warn("could not record victory", "winner", winner, "error", err)
	}
}

func (g *Game) wrongPhase(want ...Phase) error {
	return fmt.Errorf("%w: %s (want %v)", ErrWrongPhase, g.phase, want)
}

func (g *Game) snapshot() Snapshot {
	s := Snapshot{
		Phase:              g.phase,
		Status:             g.sess.Status(),
		LocalID:            g.sess.LocalID(),
		RemoteID:           g.remoteID,
		Host:               g.cfg.Host,
		Turn:               Theirs,
		PendingQuestion:    g.pendingQuestion,
		AwaitingAnswer:     g.awaitingAnswer,
		MySecret:           g.mySecret,
		WaitingForOpponent: g.mySecret != "" && g.opponentSecret == "",
		OpponentChose:      g.opponentSecret != "",
		Reconnecting:       g.phase == Connecting && g.connectedOnce,
		Log:                append([]Entry(nil), g.log...),
		Result:             g.result,
	}
	if g.myTurn {
		s.Turn = Mine
	}
	if s.RemoteID == "" {
		s.RemoteID = g.sess.RemoteID()
	}
	if g.phase == GameOver {
		s.Identity = g.opponentSecret
	}
	return s
}

func (g *Game) publish() {
	s := g.snapshot()

	g.snapMu.Lock()
	g.snap = s
	g.snapMu.Unlock()

	g.subMu.Lock()
	defer g.subMu.Unlock()

	for ch := range g.subs {
		select {
		case ch <- s:
		default:
			// Slow subscriber: replace the stale snapshot with the latest one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

func (g *Game) closeSubscribers() {
	g.subMu.Lock()
	defer g.subMu.Unlock()

	for ch := range g.subs {
		close(ch)
		delete(g.subs, ch)
	}
	g.subs = nil
}

// Snapshot returns the most recently published state.
func (g *Game) Snapshot() Snapshot {
	g.snapMu.RLock()
	defer g.snapMu.RUnlock()
	return g.snap
}

// Subscribe delivers the current snapshot and then every change. The
// channel closes when the game stops or cancel is called.
func (g *Game) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)

	g.subMu.Lock()
	if g.subs == nil {
		g.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	g.subs[ch] = struct{}{}
	ch <- g.Snapshot()
	g.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			g.subMu.Lock()
			defer g.subMu.Unlock()
			if _, ok := g.subs[ch]; ok {
				delete(g.subs, ch)
				close(ch)
			}
		})
	}

	return ch, cancel
}

// Done is closed once Run has returned.
func (g *Game) Done() <-chan struct{} {
	return g.done
}
