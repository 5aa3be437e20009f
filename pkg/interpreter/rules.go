package interpreter

import (
	"context"
	"fmt"
	"strings"

	"Tapline/pkg/logger"
	"Tapline/pkg/types"
)

// Prompt markers understood by the model
const (
	userMarker      = "<user>"
	endMarker       = "<end>"
	assistantMarker = "<assistant>"
)

var clickPrefixes = []string{"click ", "press "}

// hasPrefixFold is strings.HasPrefix ignoring ASCII and Unicode case
func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// PrefixRule turns "click X" / "press X" into Click(X), keeping X's casing
type PrefixRule struct{}

func (PrefixRule) Name() string { return "prefix" }

func (PrefixRule) Apply(_ context.Context, in Input) (types.Action, bool) {
	for _, p := range clickPrefixes {
		if hasPrefixFold(in.Text, p) {
			target := strings.TrimSpace(in.Text[len(p):])
			if target == "" {
				return types.Action{}, false
			}
			return types.Click(target), true
		}
	}
	return types.Action{}, false
}

// BackRule matches "back" alone or followed by a space
type BackRule struct{}

func (BackRule) Name() string { return "back" }

func (BackRule) Apply(_ context.Context, in Input) (types.Action, bool) {
	if strings.EqualFold(in.Text, "back") || hasPrefixFold(in.Text, "back ") {
		return types.Back(), true
	}
	return types.Action{}, false
}

// Model is the slice of the inference runtime the model rule needs
type Model interface {
	Encode(text string) ([]int64, error)
	Infer(ctx context.Context, ids []int64) ([]int64, error)
	Decode(ids []int64) (string, error)
}

// ModelRule asks the model for a target label. It only runs when the
// observed state is Ready.
type ModelRule struct {
	Model Model
}

func (*ModelRule) Name() string { return "model" }

// Prompt wraps raw command text in the chat markers
func Prompt(raw string) string {
	return userMarker + raw + endMarker + assistantMarker
}

func (r *ModelRule) Apply(ctx context.Context, in Input) (types.Action, bool) {
	if !in.State.Ready() {
		return types.Action{}, false
	}

	ids, err := r.Model.Encode(Prompt(in.Command.RawText))
	if err != nil {
		return inferenceError(in, err), true
	}
	out, err := r.Model.Infer(ctx, ids)
	if err != nil {
		return inferenceError(in, err), true
	}
	text, err := r.Model.Decode(out)
	if err != nil {
		return inferenceError(in, err), true
	}

	target := completion(text)
	if target == "" {
		return types.Unhandled("model produced no target"), true
	}
	return types.Click(target), true
}

// completion cuts decoded output at the first end marker
func completion(decoded string) string {
	if i := strings.Index(decoded, endMarker); i >= 0 {
		decoded = decoded[:i]
	}
	return strings.TrimSpace(decoded)
}

func inferenceError(in Input, err error) types.Action {
	logger.LogWarn("interpreter").
		Str("command_id", in.Command.ID).
		Err(err).
		Msg("Model rule failed")
	return types.Unhandled(fmt.Sprintf("inference error: %v", err))
}
