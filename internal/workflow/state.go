package workflow

import (
	"errors"
	"fmt"
)

// Step is a position in the flashing sequence.
type Step int

const (
	StepAcquire Step = iota
	StepPatch
	StepWrite
	StepDone

	stepCount = 4
)

func (s Step) String() string {
	switch s {
	case StepAcquire:
		return "acquire"
	case StepPatch:
		return "patch"
	case StepWrite:
		return "write"
	case StepDone:
		return "done"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// Mode selects the branch of the workflow.
type Mode string

const (
	// ModeNormal reads the box, patches the image and writes it back.
	ModeNormal Mode = "normal"
	// ModeResetToStock writes a previously saved image back without patching.
	ModeResetToStock Mode = "reset"
)

// ParseMode parses "normal" or "reset".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeNormal, ModeResetToStock:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Action is an asynchronous step action.
type Action string

const (
	ActionRead         Action = "read"
	ActionLoadFile     Action = "load"
	ActionPatch        Action = "patch"
	ActionCertificates Action = "certificates"
	ActionWrite        Action = "write"
)

// Kind tags the variant of State.
type Kind string

const (
	KindAwaiting Kind = "awaiting"
	KindRunning  Kind = "running"
	KindErrored  Kind = "errored"
	KindDone     Kind = "done"
)

// State is the workflow's tagged state. Action is set only while Running,
// Failure only while Errored.
type State struct {
	Kind    Kind
	Step    Step
	Action  Action
	Failure *Failure
}

// StepStatus is the per-step indicator shown by the UI.
type StepStatus string

const (
	StatusWait    StepStatus = "wait"
	StatusProcess StepStatus = "process"
	StatusError   StepStatus = "error"
	StatusFinish  StepStatus = "finish"
)

var (
	ErrBusy             = errors.New("another operation is in progress")
	ErrActionNotAllowed = errors.New("action not available in the current step")
)

type eventKind int

const (
	evStart eventKind = iota
	evSucceed
	evFail
	evGoto
	evRestart
)

type event struct {
	kind    eventKind
	action  Action
	failure *Failure
	to      Step
}

// transition is the only place State changes.
func transition(s State, ev event) (State, error) {
	running := s.Kind == KindRunning

	switch ev.kind {
	case evStart:
		if running {
			return s, ErrBusy
		}
		if s.Kind == KindDone {
			return s, ErrActionNotAllowed
		}
		return State{Kind: KindRunning, Step: s.Step, Action: ev.action}, nil

	case evSucceed:
		if !running {
			return s, fmt.Errorf("no running action to complete")
		}
		return State{Kind: KindAwaiting, Step: s.Step}, nil

	case evFail:
		if !running {
			return s, fmt.Errorf("no running action to fail")
		}
		return State{Kind: KindErrored, Step: s.Step, Failure: ev.failure}, nil

	case evGoto:
		if running {
			return s, ErrBusy
		}
		if ev.to < StepAcquire || ev.to > StepDone {
			return s, fmt.Errorf("invalid step %d", ev.to)
		}
		if ev.to == StepDone {
			return State{Kind: KindDone, Step: StepDone}, nil
		}
		return State{Kind: KindAwaiting, Step: ev.to}, nil

	case evRestart:
		if running {
			return s, ErrBusy
		}
		return State{Kind: KindAwaiting, Step: StepAcquire}, nil
	}

	return s, fmt.Errorf("unknown event %d", ev.kind)
}

// allowed reports whether action may run at step in mode.
func allowed(action Action, step Step, mode Mode) bool {
	switch action {
	case ActionRead:
		return step == StepAcquire && mode == ModeNormal
	case ActionLoadFile:
		return step == StepAcquire
	case ActionPatch, ActionCertificates:
		return step == StepPatch && mode == ModeNormal
	case ActionWrite:
		return step == StepWrite
	default:
		return false
	}
}
