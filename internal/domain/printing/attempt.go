package printing

import (
	"github.com/clinic/auditcore/internal/platform/apperr"
)

// State is the stage of one print attempt.
type State string

const (
	StateConfiguring State = "configuring"
	StateValidated   State = "validated"
	StatePreviewing  State = "previewing"
	StateSubmitted   State = "submitted"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

var transitions = map[State][]State{
	StateConfiguring: {StateValidated},
	StateValidated:   {StatePreviewing, StateSubmitted},
	StatePreviewing:  {StatePreviewing, StateSubmitted},
	StateSubmitted:   {StateCompleted, StateFailed},
}

// Attempt tracks one print attempt. It is not safe for concurrent use.
type Attempt struct {
	state   State
	request Request
	factID  string
}

func NewAttempt(req Request) *Attempt {
	return &Attempt{state: StateConfiguring, request: req.normalize()}
}

func (a *Attempt) State() State     { return a.state }
func (a *Attempt) Request() Request { return a.request }
func (a *Attempt) FactID() string   { return a.factID }
func (a *Attempt) Terminal() bool   { return a.state == StateCompleted || a.state == StateFailed }

func (a *Attempt) move(to State) error {
	for _, s := range transitions[a.state] {
		if s == to {
			a.state = to
			return nil
		}
	}
	return &apperr.TransitionError{Entity: "print attempt", ID: a.factID, Current: string(a.state), Target: string(to)}
}

// Validate checks the request against p. A rejected attempt stays in
// configuring.
func (a *Attempt) Validate(p Policy) error {
	if a.state != StateConfiguring {
		return &apperr.TransitionError{Entity: "print attempt", ID: a.factID, Current: string(a.state), Target: string(StateValidated)}
	}
	if err := p.Check(a.request); err != nil {
		return err
	}
	return a.move(StateValidated)
}

func (a *Attempt) Preview() error { return a.move(StatePreviewing) }

func (a *Attempt) Submit() error { return a.move(StateSubmitted) }

func (a *Attempt) complete() error { return a.move(StateCompleted) }

func (a *Attempt) fail() error { return a.move(StateFailed) }
