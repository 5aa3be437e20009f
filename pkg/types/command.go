package types

import (
	"time"

	"github.com/google/uuid"
)

// Command is one inbound instruction. It is never mutated after NewCommand.
type Command struct {
	ID         string    `json:"id"`
	RawText    string    `json:"rawText"`
	ReceivedAt time.Time `json:"receivedAt"`
	Source     string    `json:"source,omitempty"` // "stdin", "http", "mcp", "cli"
}

// NewCommand stamps a command with an id and the current time
func NewCommand(rawText, source string) Command {
	return Command{
		ID:         uuid.New().String(),
		RawText:    rawText,
		ReceivedAt: time.Now(),
		Source:     source,
	}
}

// ActionKind tags the Action variant
type ActionKind string

const (
	ActionClick     ActionKind = "click"
	ActionBack      ActionKind = "back"
	ActionUnhandled ActionKind = "unhandled"
)

// Action is the decision produced for a command.
// Target is set for click, Reason for unhandled.
type Action struct {
	Kind   ActionKind `json:"kind"`
	Target string     `json:"target,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// Click returns a click action on the element labelled target
func Click(target string) Action {
	return Action{Kind: ActionClick, Target: target}
}

// Back returns the global back action
func Back() Action {
	return Action{Kind: ActionBack}
}

// Unhandled returns an action that only reports reason
func Unhandled(reason string) Action {
	return Action{Kind: ActionUnhandled, Reason: reason}
}

func (a Action) String() string {
	switch a.Kind {
	case ActionClick:
		return "Click(" + a.Target + ")"
	case ActionBack:
		return "Back"
	case ActionUnhandled:
		return "Unhandled(" + a.Reason + ")"
	}
	return string(a.Kind)
}

// ActionResult is the outcome of executing an Action
type ActionResult struct {
	Action  Action `json:"action"`
	Success bool   `json:"success"`
	Detail  string `json:"detail"`
}
