package domain

import (
	"time"

	"github.com/louisbranch/sketchrelay/internal/errors"
)

// Mode identifies a game mode. Modes parameterize round count, per-round
// time limits, slot capacity, and prompts.
type Mode string

// Built-in game modes.
const (
	ModeRoss      Mode = "ross"
	ModeEvolution Mode = "evolution"
)

// Logic supplies the pure per-mode policy functions consulted by the
// allocator and forwarder.
type Logic interface {
	// LastRound is the highest round number the mode plays (0-based).
	LastRound() int
	// TimeLimit is how long an attempt on the given round stays Active.
	TimeLimit(roundNo int) time.Duration
	// Multiplex is the max number of concurrent attempts a round admits.
	Multiplex(roundNo int) int
	// Prompt is the instruction shown to the round's occupant.
	Prompt(roundNo int) string
}

// Registry maps modes to their policy.
type Registry map[Mode]Logic

// DefaultRegistry returns the built-in game modes.
func DefaultRegistry() Registry {
	return Registry{
		ModeRoss:      rossLogic{},
		ModeEvolution: evolutionLogic{},
	}
}

// Logic resolves the policy for a mode.
func (r Registry) Logic(mode Mode) (Logic, error) {
	logic, ok := r[mode]
	if !ok {
		return nil, errors.New(errors.CodeModeUnknown, "unknown game mode")
	}
	return logic, nil
}

const rossLastRound = 4

// rossLogic plays four attribute rounds and one final composition round.
type rossLogic struct{}

func (rossLogic) LastRound() int { return rossLastRound }

func (rossLogic) TimeLimit(roundNo int) time.Duration {
	if roundNo < rossLastRound {
		return 900 * time.Second
	}
	return 5200 * time.Second
}

func (rossLogic) Multiplex(int) int { return 1 }

func (rossLogic) Prompt(roundNo int) string {
	if roundNo < rossLastRound {
		return "Draw an attribute."
	}
	return "Draw a character using the attributes."
}

// evolutionLogic plays three escalating evolution rounds.
type evolutionLogic struct{}

func (evolutionLogic) LastRound() int { return 2 }

func (evolutionLogic) TimeLimit(roundNo int) time.Duration {
	switch roundNo {
	case 0:
		return 1800 * time.Second
	case 1:
		return 2700 * time.Second
	default:
		return 3600 * time.Second
	}
}

func (evolutionLogic) Multiplex(int) int { return 1 }

func (evolutionLogic) Prompt(roundNo int) string {
	switch roundNo {
	case 0:
		return "Draw the first, base evolution."
	case 1:
		return "Draw the second evolution."
	default:
		return "Draw the third, final evolution."
	}
}
