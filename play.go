package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/peterh/liner"
	"github.com/skip2/go-qrcode"

	"github.com/Seednode/whoisit/internal/broker"
	"github.com/Seednode/whoisit/internal/game"
	"github.com/Seednode/whoisit/internal/history"
	"github.com/Seednode/whoisit/internal/metrics"
	"github.com/Seednode/whoisit/internal/session"
	"github.com/Seednode/whoisit/internal/transport"
)

// Play claims an identifier through the broker and runs one interactive
// match from the terminal until the player quits.
func Play(ctx context.Context, cfg *Config, in io.Reader, out io.Writer) error {
	logger := newLogger(cfg, os.Stderr)

	client := broker.NewClient(cfg.brokerURL, &http.Client{Timeout: timeout})

	network := transport.NewWebSocket(transport.WebSocketConfig{
		Broker:        client,
		ListenAddr:    cfg.listen,
		AdvertiseAddr: cfg.advertise,
		Logger:        logger,
	})

	return play(ctx, cfg, network, client.QRURL, newLineReader(in), out, logger)
}

func play(ctx context.Context, cfg *Config, network transport.Network, qrURL func(string) string, in lineReader, out io.Writer, logger *slog.Logger) error {
	defer in.Close()

	m := metrics.New(nil)

	sess := session.New(session.Config{
		Network:       network,
		RetryInterval: cfg.retryInterval,
		Logger:        logger,
		Metrics:       m,
	})
	defer sess.Destroy()

	localID, err := sess.Initialize(ctx, cfg.id)
	switch {
	case errors.Is(err, transport.ErrIdentifierTaken):
		return fmt.Errorf("identifier %q is already in use, pick another with --id", cfg.id)
	case err != nil:
		return err
	}

	logf(cfg, "PLAY: Listening as %s", localID)

	host, remoteID := true, ""
	switch {
	case cfg.join != "":
		host, remoteID = false, cfg.join
	case cfg.peer != "":
		host, remoteID = localID < cfg.peer, cfg.peer
	}

	if err := announce(out, cfg, localID, remoteID, host, qrURL); err != nil {
		return err
	}

	var g *game.Game

	gcfg := game.Config{
		Session:        sess,
		Host:           host,
		ResendInterval: cfg.resendInterval,
		Normalize:      game.NormalizeOptions{IgnoreSpace: cfg.ignoreSpaces},
		Logger:         logger,
		Metrics:        m,
	}

	var hist *pairHistory
	if cfg.historyPath != "" {
		hist = &pairHistory{
			path:  cfg.historyPath,
			local: localID,
			remote: func() string {
				if remoteID != "" {
					return remoteID
				}
				return g.Snapshot().RemoteID
			},
		}
		defer hist.Close()

		gcfg.Recorder = hist
	}

	g = game.New(gcfg)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := g.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("game stopped", "error", err)
		}
	}()

	var loader historyLoader
	if hist != nil {
		loader = hist
	}
	c := newConsole(g, loader, cfg.historyLimit, out)

	updates, stop := g.Subscribe()
	defer stop()

	watched := make(chan struct{})
	go func() {
		defer close(watched)
		c.watch(updates)
	}()

	if remoteID != "" {
		sess.Retry(remoteID)
	}

	err = c.run(runCtx, in, g.Done())

	cancel()
	<-g.Done()
	<-watched

	return err
}

func announce(out io.Writer, cfg *Config, localID, remoteID string, host bool, qrURL func(string) string) error {
	switch {
	case cfg.join != "":
		fmt.Fprintf(out, "You are %s. Joining %s...\n", localID, remoteID)
		return nil

	case cfg.peer != "":
		first := "they ask first"
		if host {
			first = "you ask first"
		}
		fmt.Fprintf(out, "You are %s, playing against %s (%s).\n", localID, remoteID, first)
		return nil
	}

	fmt.Fprintf(out, "Room code: %s\nYour opponent joins with: whoisit play --join %s\n", localID, localID)

	if cfg.qr {
		q, err := qrcode.New(localID, qrcode.Medium)
		if err != nil {
			return fmt.Errorf("qr code: %w", err)
		}
		fmt.Fprint(out, q.ToSmallString(false))
		fmt.Fprintf(out, "QR image: %s\n", qrURL(localID))
	}

	return nil
}

// pairHistory opens the store on first use: a host only learns who the
// opponent is once they connect.
type pairHistory struct {
	path   string
	local  string
	remote func() string

	mu    sync.Mutex
	store *history.Store
}

var errNoOpponent = errors.New("no opponent yet")

func (p *pairHistory) open() (*history.Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.store != nil {
		return p.store, nil
	}

	remote := p.remote()
	if remote == "" {
		return nil, errNoOpponent
	}

	s, err := history.Open(p.path, p.local, remote)
	if err != nil {
		return nil, err
	}
	p.store = s

	return s, nil
}

func (p *pairHistory) RecordVictory(winnerID, secret string) error {
	s, err := p.open()
	if err != nil {
		return err
	}
	return s.RecordVictory(winnerID, secret)
}

func (p *pairHistory) LoadHistory(limit int) (history.History, error) {
	s, err := p.open()
	if errors.Is(err, errNoOpponent) {
		return history.History{}, nil
	}
	if err != nil {
		return history.History{}, err
	}
	return s.LoadHistory(limit)
}

func (p *pairHistory) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.store == nil {
		return nil
	}
	err := p.store.Close()
	p.store = nil
	return err
}

// linerReader adds line editing and in-session command history when stdin
// is a terminal.
type linerReader struct {
	*liner.State
}

func newLineReader(in io.Reader) lineReader {
	if in == io.Reader(os.Stdin) && liner.TerminalSupported() {
		l := liner.NewLiner()
		l.SetCtrlCAborts(true)
		return linerReader{l}
	}
	return newScannerReader(in)
}

func (l linerReader) Prompt(prompt string) (string, error) {
	line, err := l.State.Prompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", io.EOF
	}
	if err == nil && strings.TrimSpace(line) != "" {
		l.AppendHistory(line)
	}
	return line, err
}
