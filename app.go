package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"Tapline/pkg/adb"
	"Tapline/pkg/agent"
	"Tapline/pkg/cache"
	"Tapline/pkg/config"
	"Tapline/pkg/events"
	"Tapline/pkg/executor"
	"Tapline/pkg/inference"
	"Tapline/pkg/interpreter"
	"Tapline/pkg/journal"
	"Tapline/pkg/logger"
	"Tapline/pkg/metrics"
	"Tapline/pkg/server"
	"Tapline/pkg/types"
	"Tapline/pkg/uitree"
)

// journalRetention bounds how long commands and events are kept
const journalRetention = 30 * 24 * time.Hour

// App struct
type App struct {
	cfg     *config.Config
	version string

	// Device
	cache     *cache.Service
	client    *adb.Client
	device    *adb.Device
	extractor *uitree.Extractor // used by the executor
	inspector *uitree.Extractor // used by read-only screen queries

	// Agent
	runtime  *inference.Runtime
	reporter *events.Reporter
	journal  *journal.Store
	redis    *events.RedisSink
	metrics  *metrics.Metrics
	agent    *agent.Service
	server   *server.Server
}

// NewApp creates a new App instance
func NewApp(cfg *config.Config, version string) *App {
	return &App{cfg: cfg, version: version}
}

// GetAppVersion returns the application version
func (a *App) GetAppVersion() string {
	return a.version
}

// initDevice picks the device and builds the screen pipeline over it
func (a *App) initDevice(ctx context.Context) error {
	if a.device != nil {
		return nil
	}

	c, err := cache.New(cache.Config{ConfigDir: a.cfg.DataDir})
	if err != nil {
		return fmt.Errorf("failed to open settings: %w", err)
	}
	a.cache = c
	a.client = adb.NewClient(a.cfg.Device.AdbPath)

	devices, err := a.client.Devices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	selected, err := adb.SelectDevice(devices, a.cfg.Device.Serial, a.cache.LastDevice())
	if err != nil {
		return err
	}

	device, err := adb.NewDevice(a.client, selected.Serial, adb.Options{TapsPerSecond: a.cfg.Device.TapsPerSecond})
	if err != nil {
		return err
	}
	a.device = device
	a.cache.TouchDevice(selected.Serial, time.Now().Unix())

	source := uitree.NewXMLSource(a.dumpWithTimeout)
	a.extractor = uitree.NewExtractor(source)
	a.inspector = uitree.NewExtractor(source)
	a.extractor.SetMaxNodes(a.cfg.Device.MaxNodes)
	a.inspector.SetMaxNodes(a.cfg.Device.MaxNodes)

	logger.LogInfo("app").
		Str("serial", selected.Serial).
		Str("model", selected.Model).
		Str("type", selected.Type).
		Msg("Device selected")
	return nil
}

func (a *App) dumpWithTimeout(ctx context.Context) (string, error) {
	if a.cfg.Device.DumpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Device.DumpTimeout)
		defer cancel()
	}
	return a.device.DumpHierarchy(ctx)
}

// openJournal opens the command journal when enabled
func (a *App) openJournal() error {
	if !a.cfg.Events.Journal || a.journal != nil {
		return nil
	}
	store, err := journal.Open(a.cfg.DataDir)
	if err != nil {
		return err
	}
	a.journal = store
	if n, err := store.Cleanup(journalRetention); err != nil {
		logger.LogWarn("app").Err(err).Msg("Journal cleanup failed")
	} else if n > 0 {
		logger.LogInfo("app").Int("removed", n).Msg("Old journal entries removed")
	}
	return nil
}

// newEngine builds the inference engine named in the config
func (a *App) newEngine() (inference.Engine, error) {
	m := a.cfg.Model
	switch m.Engine {
	case "llamacpp":
		return inference.NewLlamaCppEngine(m.Endpoint, m.Timeout, m.MaxTokens), nil
	}
	return nil, fmt.Errorf("unknown engine %q", m.Engine)
}

// startupOptions select the outer surfaces of one run
type startupOptions struct {
	Events   io.Writer // outbound JSON lines, nil to disable
	HTTPAddr string
}

// startup wires the agent and starts it. The first model load runs in the
// background.
func (a *App) startup(ctx context.Context, opts startupOptions) error {
	if err := a.initDevice(ctx); err != nil {
		return err
	}
	if err := a.openJournal(); err != nil {
		return err
	}

	engine, err := a.newEngine()
	if err != nil {
		return err
	}
	a.runtime = inference.NewRuntime(engine)

	scripts, err := interpreter.LoadScriptRules(a.cfg.Interpreter.Scripts)
	if err != nil {
		return err
	}

	a.metrics = metrics.New()
	a.reporter = events.NewReporter(events.DefaultQueueSize, events.LogSink{})
	a.reporter.OnDrop(func(types.StateEvent) { a.metrics.EventsDropped.Inc() })
	if opts.Events != nil && a.cfg.Events.Stdout {
		a.reporter.AddSink(events.NewWriterSink(opts.Events))
	}
	if a.journal != nil {
		a.reporter.AddSink(a.journal)
	}
	if r := a.cfg.Events.Redis; r.Address != "" {
		sink, err := events.NewRedisSink(ctx, events.RedisSinkConfig{
			Address:  r.Address,
			Password: r.Password,
			DB:       r.DB,
			Channel:  r.Channel,
			StateKey: r.StateKey,
		})
		if err != nil {
			logger.LogWarn("app").Err(err).Str("address", r.Address).Msg("Redis sink disabled")
		} else {
			a.redis = sink
			a.reporter.AddSink(sink)
		}
	}

	deps := agent.Deps{
		Runtime:     a.runtime,
		Interpreter: interpreter.New(a.runtime, scripts...),
		Executor:    executor.New(a.extractor, a.device),
		Reporter:    a.reporter,
		Metrics:     a.metrics,
	}
	if a.journal != nil {
		deps.Journal = a.journal
	}
	a.agent = agent.New(deps, agent.Options{
		QueueSize:      a.cfg.Agent.QueueSize,
		RetryOnCommand: a.cfg.Agent.RetryOnCommand,
		Paths:          a.cfg.Paths(),
		Watch:          a.cfg.Model.Watch,
	})

	if opts.HTTPAddr != "" {
		a.server = server.New(a.agent, a.metrics.Handler())
		a.reporter.AddSink(a.server.Streams())
		if err := a.server.Start(opts.HTTPAddr); err != nil {
			return err
		}
	}

	return a.agent.Start(ctx)
}

// Shutdown stops the agent and flushes every sink
func (a *App) Shutdown(ctx context.Context) {
	if a.agent != nil {
		a.agent.Stop()
	}
	if a.reporter != nil {
		a.reporter.Close()
	}
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			logger.LogWarn("app").Err(err).Msg("HTTP server shutdown failed")
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.journal != nil {
		a.journal.Close()
	}
	if a.cache != nil {
		a.cache.Close()
	}
}

// === MCP surface ===

var (
	errAgentNotRunning = errors.New("agent is not running")
	errNoDevice        = errors.New("device not initialized")
)

// RunCommand submits text and waits for its result
func (a *App) RunCommand(ctx context.Context, text string) (types.Command, types.ActionResult, error) {
	return a.submit(ctx, text, "mcp")
}

func (a *App) submit(ctx context.Context, text, source string) (types.Command, types.ActionResult, error) {
	if a.agent == nil {
		return types.Command{}, types.ActionResult{}, errAgentNotRunning
	}
	cmd := types.NewCommand(text, source)
	result, err := a.agent.Submit(ctx, cmd)
	return cmd, result, err
}

// waitForModel blocks until the first load settles or timeout passes
func (a *App) waitForModel(ctx context.Context, timeout time.Duration) inference.Info {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		info := a.GetState()
		if s := info.State.Status; s == inference.Ready || s == inference.Failed {
			return info
		}
		select {
		case <-ctx.Done():
			return a.GetState()
		case <-ticker.C:
		}
	}
}

// GetHistory returns recent commands, oldest first
func (a *App) GetHistory(limit int) ([]types.HistoryEntry, error) {
	if a.agent != nil {
		return a.agent.History(limit)
	}
	if a.journal != nil {
		return a.journal.Recent(limit)
	}
	return nil, nil
}

// GetRecentEvents returns the last dispatched events
func (a *App) GetRecentEvents(limit int) []types.StateEvent {
	if a.agent == nil {
		return nil
	}
	return a.agent.RecentEvents(limit)
}

// GetState returns the inference state
func (a *App) GetState() inference.Info {
	if a.agent == nil {
		return inference.Info{}
	}
	return a.agent.State()
}

// LoadModel starts a load and optionally waits for it
func (a *App) LoadModel(ctx context.Context, wait bool) (inference.Info, error) {
	if a.agent == nil {
		return inference.Info{}, errAgentNotRunning
	}
	done, err := a.agent.LoadModel(ctx)
	if err != nil {
		return a.agent.State(), err
	}
	if wait {
		select {
		case <-done:
		case <-ctx.Done():
			return a.agent.State(), ctx.Err()
		}
	}
	return a.agent.State(), nil
}

// GetUIHierarchy snapshots the active window
func (a *App) GetUIHierarchy(ctx context.Context) (*types.UIHierarchyResult, error) {
	if a.inspector == nil {
		return nil, errNoDevice
	}
	snap, err := a.inspector.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer snap.Release()
	return uitree.View(snap), nil
}

// FindElement resolves query against the active window
func (a *App) FindElement(ctx context.Context, query string) (types.FindResult, error) {
	if a.inspector == nil {
		return types.FindResult{}, errNoDevice
	}
	snap, err := a.inspector.Snapshot(ctx)
	if err != nil {
		return types.FindResult{}, err
	}
	defer snap.Release()
	return uitree.Lookup(snap, query), nil
}
