// Package server exposes the agent over HTTP
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tidwall/gjson"

	"Tapline/pkg/agent"
	"Tapline/pkg/inference"
	"Tapline/pkg/logger"
	"Tapline/pkg/types"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 64 << 10

// Agent is what the HTTP bridge drives
type Agent interface {
	Submit(ctx context.Context, cmd types.Command) (types.ActionResult, error)
	HandleMessage(ctx context.Context, raw []byte, source string) (*types.Command, error)
	State() inference.Info
	History(n int) ([]types.HistoryEntry, error)
	RecentEvents(n int) []types.StateEvent
	LoadModel(ctx context.Context) (<-chan struct{}, error)
	Stats() map[string]string
}

// Server serves the bridge routes
type Server struct {
	agent   Agent
	metrics http.Handler
	streams *StreamManager

	mu         sync.Mutex
	httpServer *http.Server
	addr       string
}

// New creates a server. metrics may be nil.
func New(a Agent, metrics http.Handler) *Server {
	return &Server{agent: a, metrics: metrics, streams: NewStreamManager()}
}

// Streams returns the event broadcaster; register it as a reporter sink
func (s *Server) Streams() *StreamManager {
	return s.streams
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(accessLog)

	r.Get("/v1/health", s.health)
	r.Post("/v1/commands", s.postCommand)
	r.Post("/v1/messages", s.postMessage)
	r.Get("/v1/state", s.getState)
	r.Get("/v1/history", s.getHistory)
	r.Get("/v1/events", s.getEvents)
	r.Get("/v1/events/stream", s.streamEvents)
	r.Post("/v1/model/load", s.loadModel)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

// Start listens on addr in the background
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("server already running")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.addr = ln.Addr().String()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := s.httpServer
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.LogError("server").Err(err).Msg("HTTP server stopped")
		}
	}()
	logger.LogInfo("server").Str("addr", s.addr).Msg("HTTP bridge listening")
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown stops accepting requests and closes event streams
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	s.streams.CloseAll()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.LogDebug("server").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.LogWarn("server").Err(err).Msg("Response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// agentStatus maps service errors to HTTP codes
func agentStatus(err error) int {
	switch {
	case errors.Is(err, agent.ErrMalformedMessage):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrStopped), errors.Is(err, agent.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, inference.ErrLoadInProgress):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func limitParam(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type commandResponse struct {
	CommandID string             `json:"commandId"`
	Result    types.ActionResult `json:"result"`
}

// postCommand runs {"commandText": "..."} and waits for the result
func (s *Server) postCommand(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	text := gjson.GetBytes(body, "commandText")
	if !text.Exists() {
		writeError(w, http.StatusBadRequest, errors.New("commandText is required"))
		return
	}

	cmd := types.NewCommand(text.String(), "http")
	result, err := s.agent.Submit(r.Context(), cmd)
	if err != nil {
		writeError(w, agentStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{CommandID: cmd.ID, Result: result})
}

// postMessage accepts a raw host message and queues it
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cmd, err := s.agent.HandleMessage(r.Context(), body, "http")
	if err != nil {
		writeError(w, agentStatus(err), err)
		return
	}
	if cmd == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"ignored": true})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"commandId": cmd.ID})
}

type stateResponse struct {
	inference.Info
	Stats map[string]string `json:"stats"`
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse{Info: s.agent.State(), Stats: s.agent.Stats()})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.agent.History(limitParam(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []types.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) getEvents(w http.ResponseWriter, r *http.Request) {
	recent := s.agent.RecentEvents(limitParam(r, 100))
	if recent == nil {
		recent = []types.StateEvent{}
	}
	writeJSON(w, http.StatusOK, recent)
}

// loadModel starts a load; ?wait=true blocks until it finishes
func (s *Server) loadModel(w http.ResponseWriter, r *http.Request) {
	done, err := s.agent.LoadModel(r.Context())
	if err != nil {
		writeError(w, agentStatus(err), err)
		return
	}
	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, s.agent.State())
		return
	}
	select {
	case <-done:
		writeJSON(w, http.StatusOK, s.agent.State())
	case <-r.Context().Done():
		writeError(w, http.StatusGatewayTimeout, r.Context().Err())
	}
}

// streamEvents relays outbound messages as server-sent events
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.streams.Subscribe()
	defer cancel()

	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}
