package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"Tapline/pkg/logger"
)

// ========================================
// llama.cpp server engine
// ========================================

// LlamaCppEngine runs inference against a llama.cpp compatible server.
// Prompts are sent as token ids and the generated ids are read back, so
// the local tokenizer stays the single source of truth for text.
type LlamaCppEngine struct {
	Endpoint     string
	Client       *http.Client
	MaxNewTokens int
	Stop         []string
}

// NewLlamaCppEngine creates an engine for endpoint
func NewLlamaCppEngine(endpoint string, timeout time.Duration, maxNewTokens int) *LlamaCppEngine {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if maxNewTokens <= 0 {
		maxNewTokens = 32
	}
	return &LlamaCppEngine{
		Endpoint:     strings.TrimRight(endpoint, "/"),
		Client:       &http.Client{Timeout: timeout},
		MaxNewTokens: maxNewTokens,
		Stop:         []string{"<end>"},
	}
}

func (e *LlamaCppEngine) Name() string {
	return "llamacpp"
}

// NewSession validates the model and checks the server is healthy
func (e *LlamaCppEngine) NewSession(ctx context.Context, model *Model, tok *Tokenizer) (Session, error) {
	if err := model.Validate(); err != nil {
		return nil, err
	}
	if e.Endpoint == "" {
		return nil, errors.New("no engine endpoint configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.Endpoint+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build health request: %w", err)
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine unreachable: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	logger.LogInfo("inference").
		Str("endpoint", e.Endpoint).
		Str("format", string(model.Format)).
		Int("vocab", tok.VocabSize()).
		Msg("llama.cpp session ready")

	return &llamaSession{engine: e}, nil
}

type llamaSession struct {
	engine *LlamaCppEngine
	mu     sync.Mutex
	closed bool
}

type completionRequest struct {
	Prompt       []int64  `json:"prompt"`
	NPredict     int      `json:"n_predict"`
	ReturnTokens bool     `json:"return_tokens"`
	Stream       bool     `json:"stream"`
	CachePrompt  bool     `json:"cache_prompt"`
	Stop         []string `json:"stop,omitempty"`
}

func (s *llamaSession) Run(ctx context.Context, input Tensor) ([]int64, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errors.New("session closed")
	}
	if len(input.Shape) != 2 || input.Shape[0] != 1 || input.Shape[1] != int64(len(input.Data)) {
		return nil, fmt.Errorf("unsupported input shape %v", input.Shape)
	}

	payload, err := json.Marshal(completionRequest{
		Prompt:       input.Data,
		NPredict:     s.engine.MaxNewTokens,
		ReturnTokens: true,
		CachePrompt:  true,
		Stop:         s.engine.Stop,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.engine.Endpoint+"/completion", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.engine.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return nil, fmt.Errorf("completion failed: status %d: %s", resp.StatusCode, msg)
	}

	tokens := gjson.GetBytes(body, "tokens")
	if !tokens.IsArray() {
		return nil, errors.New("completion response carries no tokens")
	}
	var out []int64
	tokens.ForEach(func(_, v gjson.Result) bool {
		out = append(out, v.Int())
		return true
	})
	return out, nil
}

func (s *llamaSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
