package game

import (
	"strings"

	"github.com/Seednode/whoisit/internal/packet"
)

// ChooseSecret sets the identity the opponent has to discover and sends it.
func (g *Game) ChooseSecret(text string) error {
	return g.do("choose secret", func() error {
		secret := strings.TrimSpace(text)
		switch {
		case g.phase != Setup:
			return g.wrongPhase(Setup)
		case secret == "":
			return ErrEmptyText
		case g.mySecret != "":
			return ErrSecretAlreadyChosen
		}

		if err := g.send(packet.ExchangeSecret, secret); err != nil {
			return err
		}

		g.mySecret = secret
		g.tryStart()
		return nil
	})
}

// ChangeSecret withdraws the local choice before the round starts, so
// ChooseSecret can be called again. The opponent is told with
// WITHDRAW_SECRET and drops the old value until the new one arrives.
func (g *Game) ChangeSecret() error {
	return g.do("change secret", func() error {
		if g.phase != Setup {
			return g.wrongPhase(Setup)
		}

		if err := g.send(packet.WithdrawSecret, nil); err != nil {
			return err
		}

		g.mySecret = ""
		return nil
	})
}

// opponentWithdrew forgets the opponent's secret and re-sends ours, which the
// opponent may have dropped along with its own. A round that only one side
// had entered is rolled back to SETUP.
func (g *Game) opponentWithdrew() {
	if g.phase == Playing {
		g.log = nil
		g.pendingQuestion = false
		g.awaitingAnswer = false
		g.myTurn = g.cfg.Host
		g.roundStarted = false
		g.phase = Setup
	}

	g.opponentSecret = ""

	if g.mySecret != "" {
		g.sendSecret()
	}
}

// receiveSecret is idempotent: a repeat of the stored value changes
// nothing, a new value overwrites it and is answered with our own secret so
// a peer that missed our first send still converges.
func (g *Game) receiveSecret(secret string) {
	secret = strings.TrimSpace(secret)
	if secret == "" || secret == g.opponentSecret {
		return
	}

	g.opponentSecret = secret

	if g.mySecret != "" {
		g.sendSecret()
	}

	g.tryStart()
}

func (g *Game) sendSecret() {
	if err := g.send(packet.ExchangeSecret, g.mySecret); err != nil {
		g.logger.Debug("secret not sent", "error", err)
	}
}

// resendSecret runs on the resend timer while we still wait for the
// opponent's choice.
func (g *Game) resendSecret() {
	if g.phase == Setup && g.mySecret != "" && g.opponentSecret == "" {
		g.sendSecret()
	}
}

// tryStart enters PLAYING once both secrets are known. The first entry in a
// round hands the turn to the host; re-entry after a reconnect keeps the
// turn state that was in effect.
func (g *Game) tryStart() {
	if g.phase != Setup || g.mySecret == "" || g.opponentSecret == "" {
		return
	}

	if !g.roundStarted {
		g.roundStarted = true
		g.myTurn = g.cfg.Host
		g.pendingQuestion = false
		g.awaitingAnswer = false
	}

	g.phase = Playing
	g.logger.Info("round started", "myTurn", g.myTurn)
}
