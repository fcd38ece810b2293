package game

import (
	"time"

	"github.com/Seednode/whoisit/internal/packet"
	"github.com/Seednode/whoisit/internal/session"
)

// Phase is the local stage of the protocol.
type Phase int

const (
	Connecting Phase = iota
	Setup
	Playing
	GameOver
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "CONNECTING"
	case Setup:
		return "SETUP"
	case Playing:
		return "PLAYING"
	case GameOver:
		return "GAME_OVER"
	}
	return "UNKNOWN"
}

// Result of a concluded round, from the local point of view.
type Result int

const (
	NoResult Result = iota
	Victory
	Defeat
)

func (r Result) String() string {
	switch r {
	case Victory:
		return "VICTORY"
	case Defeat:
		return "DEFEAT"
	}
	return "NONE"
}

// TurnOwner is the local belief about who may ask next.
type TurnOwner int

const (
	Theirs TurnOwner = iota
	Mine
)

func (t TurnOwner) String() string {
	if t == Mine {
		return "MINE"
	}
	return "THEIRS"
}

// Sender of a log entry.
type Sender string

const (
	Me       Sender = "me"
	Opponent Sender = "opponent"
)

// EntryKind distinguishes free text (questions, guesses) from answers.
type EntryKind string

const (
	Text       EntryKind = "text"
	AnswerText EntryKind = "answer"
)

// Entry is one line of the round's message log.
type Entry struct {
	Sender    Sender        `json:"sender"`
	Kind      EntryKind     `json:"kind"`
	Content   string        `json:"content"`
	Answer    packet.Answer `json:"answer,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Snapshot is the read-only view the UI renders.
type Snapshot struct {
	Phase    Phase
	Status   session.Status
	LocalID  string
	RemoteID string
	Host     bool

	Turn            TurnOwner
	PendingQuestion bool // the opponent asked and I have not answered
	AwaitingAnswer  bool // I asked and the answer has not arrived

	// MySecret is the identity I assigned to the opponent. The identity
	// assigned to me is only exposed as Identity once the round is over.
	MySecret           string
	WaitingForOpponent bool
	OpponentChose      bool // the opponent's secret has arrived
	Reconnecting       bool

	Log      []Entry
	Result   Result
	Identity string
}

// CanAsk reports whether AskOrGuess would be accepted.
func (s Snapshot) CanAsk() bool {
	return s.Phase == Playing && s.Turn == Mine
}

// CanAnswer reports whether Answer would be accepted.
func (s Snapshot) CanAnswer() bool {
	return s.Phase == Playing && s.PendingQuestion
}
