package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/Seednode/whoisit/internal/game"
	"github.com/Seednode/whoisit/internal/history"
	"github.com/Seednode/whoisit/internal/packet"
)

var errQuit = errors.New("quit")

const helpText = `Commands:
  <text>              ask a question or guess who you are (on your turn)
  /secret <name>      choose who your opponent is
  /change             take back your choice before the round starts
  /answer <answer>    answer the pending question
  /yes /no /maybe /probably /probably-not /dont-know
  /restart            start a new round
  /status             show the current state
  /history            show past rounds against this opponent
  /quit               leave the game`

var (
	mine    = color.New(color.FgCyan).SprintFunc()
	theirs  = color.New(color.FgYellow).SprintFunc()
	notice  = color.New(color.Faint).SprintFunc()
	won     = color.New(color.FgGreen, color.Bold).SprintFunc()
	lost    = color.New(color.FgRed, color.Bold).SprintFunc()
	failure = color.New(color.FgRed).SprintFunc()
)

// player is the part of *game.Game the console drives.
type player interface {
	ChooseSecret(text string) error
	ChangeSecret() error
	AskOrGuess(text string) error
	Answer(a packet.Answer) error
	Restart() error
	Leave() error
	Snapshot() game.Snapshot
}

type historyLoader interface {
	LoadHistory(limit int) (history.History, error)
}

// lineReader is satisfied by *liner.State and by scannerReader.
type lineReader interface {
	Prompt(prompt string) (string, error)
	Close() error
}

type scannerReader struct {
	sc *bufio.Scanner
}

func newScannerReader(r io.Reader) *scannerReader {
	return &scannerReader{sc: bufio.NewScanner(r)}
}

func (s *scannerReader) Prompt(string) (string, error) {
	if s.sc.Scan() {
		return s.sc.Text(), nil
	}
	if err := s.sc.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (s *scannerReader) Close() error { return nil }

type console struct {
	g       player
	history historyLoader
	limit   int

	mu  sync.Mutex
	out io.Writer
}

func newConsole(g player, h historyLoader, limit int, out io.Writer) *console {
	return &console{g: g, history: h, limit: limit, out: out}
}

func (c *console) println(lines ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, l := range lines {
		fmt.Fprintln(c.out, l)
	}
}

// run reads commands until the input ends, /quit, ctx ends or the game stops.
func (c *console) run(ctx context.Context, in lineReader, done <-chan struct{}) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)
		for {
			line, err := in.Prompt("> ")
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-done:
			return nil

		case line, ok := <-lines:
			if !ok {
				_ = c.g.Leave()

				select {
				case err := <-readErr:
					if !errors.Is(err, io.EOF) {
						return err
					}
				default:
				}
				return nil
			}

			err := c.handle(line)
			switch {
			case errors.Is(err, errQuit):
				return nil
			case err != nil:
				c.println(failure("! " + describeError(err)))
			}
		}
	}
}

func (c *console) handle(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if !strings.HasPrefix(line, "/") {
		s := c.g.Snapshot()
		if s.Phase == game.Setup && s.MySecret == "" {
			return c.g.ChooseSecret(line)
		}
		return c.g.AskOrGuess(line)
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "secret":
		return c.g.ChooseSecret(arg)
	case "change":
		return c.g.ChangeSecret()
	case "answer", "a":
		return c.answer(arg)
	case "yes", "no", "maybe", "probably", "probably-not", "dont-know":
		return c.answer(name)
	case "ask":
		return c.g.AskOrGuess(arg)
	case "restart":
		return c.g.Restart()
	case "status":
		c.println(statusLine(c.g.Snapshot()))
		return nil
	case "history":
		return c.printHistory()
	case "help", "?":
		c.println(helpText)
		return nil
	case "quit", "exit":
		_ = c.g.Leave()
		return errQuit
	}

	return fmt.Errorf("unknown command /%s, try /help", name)
}

func (c *console) answer(text string) error {
	a, err := packet.ParseAnswer(text)
	if err != nil {
		return fmt.Errorf("%w: %q", game.ErrInvalidAnswer, text)
	}
	return c.g.Answer(a)
}

func (c *console) printHistory() error {
	if c.history == nil {
		return errors.New("no history file configured, start with --history")
	}

	h, err := c.history.LoadHistory(c.limit)
	if err != nil {
		return err
	}

	if len(h.Counts) == 0 {
		c.println("No rounds played yet.")
		return nil
	}

	lines := []string{"Wins:"}
	for _, id := range slices.Sorted(maps.Keys(h.Counts)) {
		lines = append(lines, fmt.Sprintf("  %-12s %d", id, h.Counts[id]))
	}
	lines = append(lines, "Recent rounds:")
	for _, m := range h.RecentMatches {
		lines = append(lines, fmt.Sprintf("  %s  %-12s guessed %s", m.Date.Format("2006-01-02 15:04"), m.WinnerID, m.Secret))
	}
	c.println(lines...)

	return nil
}

// watch prints what changed between consecutive snapshots until updates
// closes.
func (c *console) watch(updates <-chan game.Snapshot) {
	var prev game.Snapshot
	first := true

	for cur := range updates {
		if first {
			c.println(describe(game.Snapshot{Phase: -1}, cur)...)
			first = false
		} else {
			c.println(describe(prev, cur)...)
		}
		prev = cur
	}
}

// describe turns a state change into the lines the player should see.
func describe(prev, cur game.Snapshot) []string {
	var lines []string

	if len(cur.Log) > len(prev.Log) {
		for _, e := range cur.Log[len(prev.Log):] {
			lines = append(lines, logLine(e))
		}
	}

	switch {
	case cur.Phase != prev.Phase:
		lines = append(lines, phaseLine(cur))
	case cur.Phase == game.Setup && prev.OpponentChose && !cur.OpponentChose:
		lines = append(lines, notice("Your opponent is changing their choice."))
	case cur.Phase == game.Setup && cur.WaitingForOpponent && !prev.WaitingForOpponent:
		lines = append(lines, notice("Waiting for your opponent to choose."))
	case cur.Phase == game.Playing && (cur.Turn != prev.Turn || cur.PendingQuestion != prev.PendingQuestion):
		lines = append(lines, turnLine(cur))
	}

	return lines
}

func logLine(e game.Entry) string {
	who := mine("you")
	if e.Sender == game.Opponent {
		who = theirs("them")
	}
	if e.Kind == game.AnswerText {
		return fmt.Sprintf("%s answered: %s", who, e.Content)
	}
	return fmt.Sprintf("%s: %s", who, e.Content)
}

func phaseLine(s game.Snapshot) string {
	switch s.Phase {
	case game.Connecting:
		if s.Reconnecting {
			return notice("Connection lost, reconnecting...")
		}
		return notice("Waiting for an opponent...")
	case game.Setup:
		return notice(fmt.Sprintf("Connected to %s. Choose who they are: type a name or /secret <name>.", s.RemoteID))
	case game.Playing:
		return turnLine(s)
	case game.GameOver:
		if s.Result == game.Victory {
			return won(fmt.Sprintf("You got it! You were %s.", s.Identity)) + notice(" /restart for another round.")
		}
		return lost(fmt.Sprintf("Your opponent got it first. You were %s.", s.Identity)) + notice(" /restart for another round.")
	}
	return ""
}

func turnLine(s game.Snapshot) string {
	switch {
	case s.PendingQuestion:
		return notice("Answer with /yes, /no, /maybe, /probably, /probably-not or /dont-know.")
	case s.Turn == game.Mine:
		return notice("Your turn: ask a question or guess who you are.")
	}
	return notice("Their turn.")
}

func statusLine(s game.Snapshot) string {
	parts := []string{
		"phase=" + s.Phase.String(),
		"status=" + s.Status.String(),
		"you=" + s.LocalID,
	}
	if s.RemoteID != "" {
		parts = append(parts, "opponent="+s.RemoteID)
	}
	if s.MySecret != "" {
		parts = append(parts, "their identity="+s.MySecret)
	}
	if s.Phase == game.Playing {
		turn := "theirs"
		if s.Turn == game.Mine {
			turn = "yours"
		}
		parts = append(parts, "turn="+turn)
	}
	if s.Result != game.NoResult {
		parts = append(parts, "result="+s.Result.String())
	}
	return strings.Join(parts, " ")
}

func describeError(err error) string {
	switch {
	case errors.Is(err, game.ErrNotYourTurn):
		return "it is not your turn"
	case errors.Is(err, game.ErrNoPendingQuestion):
		return "there is no question to answer"
	case errors.Is(err, game.ErrSecretAlreadyChosen):
		return "you already chose; /change to pick again"
	case errors.Is(err, game.ErrEmptyText):
		return "say something"
	}
	return err.Error()
}
