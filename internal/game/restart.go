package game

import "github.com/Seednode/whoisit/internal/packet"

// Restart starts a new round and tells the opponent. Only the initiating
// side sends RESTART; the receiving side resets silently.
func (g *Game) Restart() error {
	return g.do("restart", func() error {
		if g.phase == Connecting {
			return g.wrongPhase(Setup, Playing, GameOver)
		}

		if err := g.send(packet.Restart, nil); err != nil {
			return err
		}

		g.reset()
		return nil
	})
}

// Leave tears the session down; Run returns right after. No packet is
// processed once Leave has returned.
func (g *Game) Leave() error {
	return g.do("leave", func() error {
		g.sess.Destroy()
		g.left = true
		g.phase = Connecting
		return nil
	})
}

func (g *Game) reset() {
	g.log = nil
	g.mySecret = ""
	g.opponentSecret = ""
	g.pendingQuestion = false
	g.awaitingAnswer = false
	g.result = NoResult
	g.myTurn = g.cfg.Host
	g.roundStarted = false
	g.phase = Setup
}
