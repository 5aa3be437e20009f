package interpreter

import (
	"context"
	"strings"

	"Tapline/pkg/inference"
	"Tapline/pkg/logger"
	"Tapline/pkg/types"
)

// Input is what every rule sees for one command
type Input struct {
	Command types.Command
	Text    string // trimmed RawText
	State   inference.State
}

// Rule is one classifier step. A rule that does not apply returns false
// and the next rule is tried.
type Rule interface {
	Name() string
	Apply(ctx context.Context, in Input) (types.Action, bool)
}

// Interpreter maps command text to exactly one Action by walking its rules
// in order and falling back to Unhandled.
type Interpreter struct {
	rules []Rule
}

// New builds the default chain: prefix, back, scripts, then the model
func New(model Model, scripts ...*ScriptRule) *Interpreter {
	rules := []Rule{PrefixRule{}, BackRule{}}
	for _, s := range scripts {
		rules = append(rules, s)
	}
	if model != nil {
		rules = append(rules, &ModelRule{Model: model})
	}
	return WithRules(rules...)
}

// WithRules builds an interpreter over an explicit chain
func WithRules(rules ...Rule) *Interpreter {
	return &Interpreter{rules: rules}
}

// Rules returns the rule names in evaluation order
func (i *Interpreter) Rules() []string {
	names := make([]string, len(i.rules))
	for n, r := range i.rules {
		names[n] = r.Name()
	}
	return names
}

// Interpret classifies cmd given the runtime state observed by the caller.
// It never blocks on the load pipeline.
func (i *Interpreter) Interpret(ctx context.Context, cmd types.Command, state inference.State) types.Action {
	in := Input{
		Command: cmd,
		Text:    strings.TrimSpace(cmd.RawText),
		State:   state,
	}

	if in.Text == "" {
		return types.Unhandled("empty command")
	}

	for _, r := range i.rules {
		if action, ok := r.Apply(ctx, in); ok {
			logger.LogDebug("interpreter").
				Str("command_id", cmd.ID).
				Str("rule", r.Name()).
				Str("action", action.String()).
				Msg("Command classified")
			return action
		}
	}

	return types.Unhandled("model not ready")
}
