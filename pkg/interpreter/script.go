package interpreter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"Tapline/pkg/logger"
	"Tapline/pkg/types"
)

// DefaultScriptTimeout bounds one classify call
const DefaultScriptTimeout = 500 * time.Millisecond

// ScriptRule runs a user JavaScript classifier. The script defines
//
//	function classify(text, state) { ... }
//
// returning null/undefined to pass, or {action: "click", target: "..."},
// {action: "back"} or {action: "unhandled", reason: "..."}.
type ScriptRule struct {
	name     string
	timeout  time.Duration
	mu       sync.Mutex // goja.Runtime is not goroutine safe
	vm       *goja.Runtime
	classify goja.Callable
}

type scriptResult struct {
	Action string `json:"action"`
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// NewScriptRule compiles source and resolves its classify function
func NewScriptRule(name, source string) (*ScriptRule, error) {
	vm := goja.New()
	injectHelpers(vm, name)

	if _, err := vm.RunScript(name, source); err != nil {
		return nil, fmt.Errorf("script %s: %w", name, err)
	}

	fn, ok := goja.AssertFunction(vm.Get("classify"))
	if !ok {
		return nil, fmt.Errorf("script %s: classify function not defined", name)
	}

	return &ScriptRule{
		name:     name,
		timeout:  DefaultScriptTimeout,
		vm:       vm,
		classify: fn,
	}, nil
}

// LoadScriptRules compiles every path in order
func LoadScriptRules(paths []string) ([]*ScriptRule, error) {
	var rules []*ScriptRule
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read script: %w", err)
		}
		rule, err := NewScriptRule(filepath.Base(p), string(data))
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
		logger.LogInfo("interpreter").Str("script", p).Msg("Script rule loaded")
	}
	return rules, nil
}

// SetTimeout changes the per-call limit
func (s *ScriptRule) SetTimeout(d time.Duration) {
	s.timeout = d
}

func (s *ScriptRule) Name() string { return "script:" + s.name }

func (s *ScriptRule) Apply(ctx context.Context, in Input) (types.Action, bool) {
	result, err := s.run(ctx, in)
	if err != nil {
		logger.LogWarn("interpreter").
			Str("script", s.name).
			Str("command_id", in.Command.ID).
			Err(err).
			Msg("Script rule failed, skipping")
		return types.Action{}, false
	}
	if result == nil {
		return types.Action{}, false
	}

	switch strings.ToLower(result.Action) {
	case "click":
		if strings.TrimSpace(result.Target) == "" {
			return types.Action{}, false
		}
		return types.Click(strings.TrimSpace(result.Target)), true
	case "back":
		return types.Back(), true
	case "unhandled":
		reason := result.Reason
		if reason == "" {
			reason = "rejected by " + s.name
		}
		return types.Unhandled(reason), true
	}

	logger.LogWarn("interpreter").
		Str("script", s.name).
		Str("action", result.Action).
		Msg("Script returned unknown action")
	return types.Action{}, false
}

func (s *ScriptRule) run(ctx context.Context, in Input) (result *scriptResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic("interpreter", r, string(debug.Stack()))
			result, err = nil, fmt.Errorf("script panic: %v", r)
		}
	}()

	// a previous timeout may have left the interrupt flag set
	s.vm.ClearInterrupt()

	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	timer := time.AfterFunc(timeout, func() {
		s.vm.Interrupt("timeout")
	})
	defer timer.Stop()

	stop := context.AfterFunc(ctx, func() {
		s.vm.Interrupt("cancelled")
	})
	defer stop()

	val, err := s.classify(goja.Undefined(), s.vm.ToValue(in.Text), s.vm.ToValue(in.State.Status.String()))
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("script interrupted: %v", interrupted.Value())
		}
		return nil, err
	}
	if goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}

	data, err := json.Marshal(val.Export())
	if err != nil {
		return nil, fmt.Errorf("failed to encode script result: %w", err)
	}
	var out scriptResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse script result: %w", err)
	}
	return &out, nil
}

func injectHelpers(vm *goja.Runtime, name string) {
	vm.Set("matchRegex", func(pattern, text string) interface{} {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil
		}
		matches := re.FindStringSubmatch(text)
		if matches == nil {
			return nil
		}
		return matches
	})

	vm.Set("log", func(msg string) {
		logger.LogDebug("interpreter").Str("script", name).Msg(msg)
	})
}
