package executor

import (
	"context"
	"errors"
	"fmt"

	"Tapline/pkg/logger"
	"Tapline/pkg/types"
	"Tapline/pkg/uitree"
)

// ErrTargetNotFound prefixes the detail of a click whose label matched nothing
var ErrTargetNotFound = errors.New("target not found")

// Actuator performs gestures on the device
type Actuator interface {
	Click(ctx context.Context, node *uitree.Node) error
	Back(ctx context.Context) error
}

// Snapshotter captures the current screen
type Snapshotter interface {
	Snapshot(ctx context.Context) (*uitree.Snapshot, error)
}

// Executor turns an Action into a gesture and reports the outcome.
// It holds no state between calls.
type Executor struct {
	screen   Snapshotter
	actuator Actuator
}

// New creates an executor
func New(screen Snapshotter, actuator Actuator) *Executor {
	return &Executor{screen: screen, actuator: actuator}
}

// Execute performs action and always returns a result
func (e *Executor) Execute(ctx context.Context, action types.Action) types.ActionResult {
	switch action.Kind {
	case types.ActionClick:
		return e.click(ctx, action)
	case types.ActionBack:
		return e.back(ctx, action)
	case types.ActionUnhandled:
		return types.ActionResult{Action: action, Success: false, Detail: action.Reason}
	}
	return types.ActionResult{Action: action, Success: false, Detail: fmt.Sprintf("unknown action %q", action.Kind)}
}

func (e *Executor) click(ctx context.Context, action types.Action) types.ActionResult {
	timer := logger.StartOperation("executor", "click").AddDetail("target", action.Target)

	snap, err := e.screen.Snapshot(ctx)
	if err != nil {
		timer.EndWithError(err)
		if !errors.Is(err, uitree.ErrNoActiveWindow) {
			logger.LogWarn("executor").Err(err).Msg("Screen snapshot failed")
		}
		return types.ActionResult{Action: action, Detail: uitree.ErrNoActiveWindow.Error()}
	}
	defer snap.Release()

	found := uitree.Find(snap, action.Target)
	if found == nil {
		timer.AddDetail("nodes", snap.Len()).End()
		return types.ActionResult{Action: action, Detail: fmt.Sprintf("%v: %s", ErrTargetNotFound, action.Target)}
	}

	target := uitree.ClickableAncestor(snap, found)
	if target == nil {
		target = found
	}
	timer.AddDetail("node", int(target.ID)).AddDetail("bounds", target.Bounds.String())

	if err := e.actuator.Click(ctx, target); err != nil {
		timer.EndWithError(err)
		return types.ActionResult{Action: action, Detail: fmt.Sprintf("click failed: %v", err)}
	}

	timer.End()
	return types.ActionResult{Action: action, Success: true, Detail: "clicked " + describe(target)}
}

func (e *Executor) back(ctx context.Context, action types.Action) types.ActionResult {
	if err := e.actuator.Back(ctx); err != nil {
		logger.LogWarn("executor").Err(err).Msg("Back gesture failed")
	}
	return types.ActionResult{Action: action, Success: true, Detail: "back"}
}

func describe(n *uitree.Node) string {
	if n.Label != "" {
		return n.Label
	}
	if n.Description != "" {
		return n.Description
	}
	return fmt.Sprintf("node %d", n.ID)
}
