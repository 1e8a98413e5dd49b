// Package strategy defines strategies, the declarative step lists that the
// runner executes, and the catalog they're kept in.
package strategy

import (
	"strings"

	"gopkg.in/guregu/null.v3"
)

// Action is what a step does.
type Action string

// Actions.
const (
	ActionGoto  Action = "GOTO"
	ActionClick Action = "CLICK"
	ActionType  Action = "TYPE"
	ActionRead  Action = "READ"
	ActionWait  Action = "WAIT"
)

// Known reports whether a is one of the defined actions.
func (a Action) Known() bool {
	switch a {
	case ActionGoto, ActionClick, ActionType, ActionRead, ActionWait:
		return true
	default:
		return false
	}
}

// Params are a step's parameters. Which ones are required depends on the
// action.
type Params struct {
	URL         null.String `json:"url"`
	X           null.Float  `json:"x"`
	Y           null.Float  `json:"y"`
	Selector    null.String `json:"selector"`
	Description null.String `json:"description"`
	Text        null.String `json:"text"`
	Timeout     null.Int    `json:"timeout"`
}

// Step is one instruction of a strategy.
type Step struct {
	ID     string `json:"id"`
	Action Action `json:"action"`
	Params Params `json:"params"`
	// Next names the following step. Steps always run in order; it's kept
	// so definitions round-trip.
	Next string `json:"next,omitempty"`
}

const readKeyPrefix = "read-"

// ReadKey is the variable a READ step stores its value in: the step ID
// without its "read-" prefix.
func (s Step) ReadKey() string {
	return strings.Replace(s.ID, readKeyPrefix, "", 1)
}

// Strategy is a named, ordered list of steps.
type Strategy struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Steps       []Step `json:"steps"`
}

// Clone returns a copy of s that shares nothing with it.
func (s Strategy) Clone() Strategy {
	c := s
	c.Steps = append([]Step(nil), s.Steps...)
	return c
}

// Vars maps variable names to values. Runs are seeded with input vars,
// READ steps add to them, and TYPE steps substitute them into their text.
type Vars map[string]string

// Clone returns a copy of v.
func (v Vars) Clone() Vars {
	c := make(Vars, len(v))
	for k, val := range v {
		c[k] = val
	}
	return c
}
