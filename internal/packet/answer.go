package packet

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Answer is one of the fixed responses to a question.
type Answer string

const (
	Yes         Answer = "YES"
	No          Answer = "NO"
	DontKnow    Answer = "DONT_KNOW"
	Maybe       Answer = "MAYBE"
	Probably    Answer = "PROBABLY"
	ProbablyNot Answer = "PROBABLY_NOT"
)

// Answers lists every valid answer in display order.
var Answers = []Answer{Yes, No, DontKnow, Maybe, Probably, ProbablyNot}

func (a Answer) Valid() bool {
	for _, v := range Answers {
		if a == v {
			return true
		}
	}
	return false
}

// Label is the human-readable form used by the terminal client.
func (a Answer) Label() string {
	switch a {
	case Yes:
		return "Yes"
	case No:
		return "No"
	case DontKnow:
		return "Don't know"
	case Maybe:
		return "Maybe"
	case Probably:
		return "Probably"
	case ProbablyNot:
		return "Probably not"
	}
	return string(a)
}

// ParseAnswer accepts the wire value or a loose spelling ("yes", "probably-not").
func ParseAnswer(s string) (Answer, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_", "'", "").Replace(norm)

	a := Answer(norm)
	if !a.Valid() {
		return "", fmt.Errorf("%w: unknown answer %q", ErrMalformed, s)
	}
	return a, nil
}

func (a *Answer) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v := Answer(s)
	if !v.Valid() {
		return fmt.Errorf("unknown answer %q", s)
	}
	*a = v
	return nil
}
