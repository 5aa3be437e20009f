// Package inference owns the tokenizer and model session and their
// lifecycle.
package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"Tapline/pkg/logger"
)

// Paths locates the files a load reads
type Paths struct {
	Tokenizer string `json:"tokenizer"`
	Model     string `json:"model"`
}

// Info describes the loaded generation
type Info struct {
	State     State  `json:"state"`
	Engine    string `json:"engine"`
	Model     *Model `json:"model,omitempty"`
	VocabSize int    `json:"vocabSize,omitempty"`
	Paths     Paths  `json:"paths"`
}

// generation is one successful load. Infer holds a reference for the
// duration of a forward pass; close waits for those to drain.
type generation struct {
	tokenizer *Tokenizer
	model     *Model
	session   Session
	inflight  sync.WaitGroup
	closeOnce sync.Once
}

func (g *generation) close() {
	g.closeOnce.Do(func() {
		g.inflight.Wait()
		if err := g.session.Close(); err != nil {
			logger.LogWarn("inference").Err(err).Msg("Session close failed")
		}
	})
}

// Runtime is the process-wide inference state:
//
//	Uninitialized -> Loading -> Ready | Failed
//
// Load starts a pipeline in the background; only one runs at a time.
// Unload returns to Uninitialized from any state. Once Unload begins new
// Encode and Infer calls fail with ErrNotReady, and the session is closed
// only after in-flight Infer calls return.
type Runtime struct {
	engine Engine

	// transitionMu orders every state write together with its notification
	transitionMu sync.Mutex
	mu           sync.RWMutex
	state        State
	current      *generation
	paths        Paths
	attempt      uint64
	cancelLoad   context.CancelFunc
	observers    []func(State)
}

// NewRuntime creates an Uninitialized runtime that builds sessions with engine
func NewRuntime(engine Engine) *Runtime {
	return &Runtime{engine: engine}
}

// OnTransition registers fn to receive every committed state in order.
// fn runs synchronously and must not call Load or Unload.
func (r *Runtime) OnTransition(fn func(State)) {
	r.transitionMu.Lock()
	defer r.transitionMu.Unlock()
	r.observers = append(r.observers, fn)
}

// State returns the latest committed state
func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Info returns the current state and, when Ready, what is loaded
func (r *Runtime) Info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info := Info{State: r.state, Paths: r.paths}
	if r.engine != nil {
		info.Engine = r.engine.Name()
	}
	if r.current != nil {
		info.Model = r.current.model
		info.VocabSize = r.current.tokenizer.VocabSize()
	}
	return info
}

// commit must be called with transitionMu held
func (r *Runtime) commit(s State, gen *generation) (old *generation) {
	r.mu.Lock()
	old = r.current
	r.current = gen
	r.state = s
	r.mu.Unlock()

	for _, fn := range r.observers {
		fn(s)
	}
	return old
}

// Load starts a load pipeline for paths and returns a channel closed when
// it finishes. It returns ErrLoadInProgress while another pipeline runs.
// The pipeline outlives ctx's cancellation; use Unload to abort it.
func (r *Runtime) Load(ctx context.Context, paths Paths) (<-chan struct{}, error) {
	r.transitionMu.Lock()
	if r.State().Status == Loading {
		r.transitionMu.Unlock()
		return nil, ErrLoadInProgress
	}

	r.attempt++
	attempt := r.attempt
	loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancelLoad = cancel
	r.mu.Lock()
	r.paths = paths
	r.mu.Unlock()
	previous := r.commit(State{Status: Loading}, nil)
	r.transitionMu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		if previous != nil {
			previous.close()
		}
		r.run(loadCtx, attempt, paths)
	}()
	return done, nil
}

// LoadSync runs a load pipeline and waits for it. It returns the failure
// cause when the pipeline ends in Failed.
func (r *Runtime) LoadSync(ctx context.Context, paths Paths) error {
	done, err := r.Load(ctx, paths)
	if err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s := r.State()
	switch s.Status {
	case Ready:
		return nil
	case Failed:
		return s.Err
	}
	return fmt.Errorf("load superseded: runtime is %s", s.Status)
}

func (r *Runtime) run(ctx context.Context, attempt uint64, paths Paths) {
	timer := logger.StartOperation("inference", "load").
		AddDetail("tokenizer", paths.Tokenizer).
		AddDetail("model", paths.Model)

	gen, err := r.build(ctx, paths)

	r.transitionMu.Lock()
	defer r.transitionMu.Unlock()

	if r.attempt != attempt {
		// Unload ran while building; the result belongs to nobody.
		if gen != nil {
			gen.close()
		}
		logger.LogInfo("inference").Msg("Load discarded after unload")
		return
	}
	r.cancelLoad = nil

	if err != nil {
		timer.EndWithError(err)
		r.commit(failed(err), nil)
		return
	}
	timer.AddDetail("vocab", gen.tokenizer.VocabSize()).
		AddDetail("format", string(gen.model.Format)).
		End()
	r.commit(State{Status: Ready}, gen)
}

func (r *Runtime) build(ctx context.Context, paths Paths) (*generation, error) {
	tok, err := LoadTokenizer(paths.Tokenizer)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	model, err := OpenModel(paths.Model)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if r.engine == nil {
		return nil, fmt.Errorf("%w: no engine configured", ErrSessionInit)
	}
	session, err := r.engine.NewSession(ctx, model, tok)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionInit, err)
	}
	return &generation{tokenizer: tok, model: model, session: session}, nil
}

// Unload drops the tokenizer and session and returns to Uninitialized.
// It cancels a running load and blocks until in-flight Infer calls have
// released the session. Safe to call repeatedly and from any state.
func (r *Runtime) Unload() {
	r.transitionMu.Lock()
	r.attempt++
	if r.cancelLoad != nil {
		r.cancelLoad()
		r.cancelLoad = nil
	}
	var old *generation
	if r.State().Status != Uninitialized {
		old = r.commit(State{Status: Uninitialized}, nil)
	}
	r.transitionMu.Unlock()

	if old != nil {
		old.close()
	}
}

// acquire takes a reference on the Ready generation
func (r *Runtime) acquire() (*generation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state.Status != Ready || r.current == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, r.state)
	}
	r.current.inflight.Add(1)
	return r.current, nil
}

// Encode tokenizes text
func (r *Runtime) Encode(text string) ([]int64, error) {
	gen, err := r.acquire()
	if err != nil {
		return nil, err
	}
	defer gen.inflight.Done()
	return gen.tokenizer.Encode(text), nil
}

// Decode converts ids back to text
func (r *Runtime) Decode(ids []int64) (string, error) {
	gen, err := r.acquire()
	if err != nil {
		return "", err
	}
	defer gen.inflight.Done()
	return gen.tokenizer.Decode(ids), nil
}

// Infer runs one forward pass over ids shaped [1, len(ids)]. Failures are
// wrapped in ErrInference and leave the state untouched.
func (r *Runtime) Infer(ctx context.Context, ids []int64) ([]int64, error) {
	gen, err := r.acquire()
	if err != nil {
		return nil, err
	}
	defer gen.inflight.Done()

	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInference)
	}

	out, err := gen.session.Run(ctx, InputTensor(ids))
	if err != nil {
		if errors.Is(err, ErrInference) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}
	return out, nil
}
