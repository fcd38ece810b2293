package game

import (
	"strings"

	"github.com/Seednode/whoisit/internal/packet"
)

// Turn rule: any answer hands the turn to the player who gave it. Asking
// (or guessing wrong) gives it up, and the answer's content never changes
// who asks next.

// AskOrGuess sends free text to the opponent. If it names the identity the
// opponent assigned to us the round is won; otherwise it is a question the
// opponent has to answer.
func (g *Game) AskOrGuess(text string) error {
	return g.do("ask or guess", func() error {
		text = strings.TrimSpace(text)
		switch {
		case g.phase != Playing:
			return g.wrongPhase(Playing)
		case !g.myTurn:
			return ErrNotYourTurn
		case text == "":
			return ErrEmptyText
		}

		if err := g.send(packet.Message, text); err != nil {
			return err
		}
		g.appendLog(Me, Text, text, "")

		if Matches(text, g.opponentSecret, g.cfg.Normalize) {
			if err := g.send(packet.GameWon, nil); err != nil {
				g.logger.Warn("victory not delivered", "error", err)
			}
			g.myTurn = false
			g.conclude(Victory)
			return nil
		}

		g.myTurn = false
		g.awaitingAnswer = true
		return nil
	})
}

// Answer replies to the opponent's pending question and takes the turn.
func (g *Game) Answer(a packet.Answer) error {
	return g.do("answer", func() error {
		switch {
		case g.phase != Playing:
			return g.wrongPhase(Playing)
		case !a.Valid():
			return ErrInvalidAnswer
		case !g.pendingQuestion:
			return ErrNoPendingQuestion
		}

		if err := g.send(packet.AnswerKind, a); err != nil {
			return err
		}
		g.appendLog(Me, AnswerText, a.Label(), a)

		g.pendingQuestion = false
		g.myTurn = true
		return nil
	})
}

// receiveQuestion records the opponent's question; we must answer before
// asking.
func (g *Game) receiveQuestion(text string) {
	g.appendLog(Opponent, Text, text, "")
	g.pendingQuestion = true
	g.myTurn = false
}

// receiveAnswer closes our question. The turn now belongs to the answerer.
func (g *Game) receiveAnswer(a packet.Answer) {
	g.appendLog(Opponent, AnswerText, a.Label(), a)
	g.awaitingAnswer = false
	g.myTurn = false
}
