package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"Tapline/mcp"
	"Tapline/pkg/inference"
	"Tapline/pkg/logger"
	"Tapline/pkg/types"
	"Tapline/pkg/uitree"
)

// maxMessageSize bounds one inbound JSON line
const maxMessageSize = 1 << 20

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent over the JSON line bridge",
	Long: `Reads {"action":"COMMAND","commandText":"..."} messages from stdin, one per line,
and writes {"action":"SERVICE_STATE_CHANGED","state":"...","message":"..."} messages to stdout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app := NewApp(cfg, version)
		defer shutdown(app)
		if err := app.startup(ctx, startupOptions{Events: os.Stdout, HTTPAddr: httpAddr(cmd)}); err != nil {
			return err
		}

		err := serveLines(ctx, os.Stdin, func(ctx context.Context, line []byte) error {
			_, err := app.agent.HandleMessage(ctx, line, "stdin")
			return err
		})
		if err != nil {
			return err
		}
		// answer what was read before input closed, unless interrupted
		app.agent.Idle(ctx)
		return nil
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the agent as an MCP server on stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
		defer stop()

		app := NewApp(cfg, version)
		defer shutdown(app)
		// stdout carries the protocol, so no event lines there
		if err := app.startup(ctx, startupOptions{HTTPAddr: httpAddr(cmd)}); err != nil {
			return err
		}
		return mcp.NewMCPServer(app).Serve(ctx, os.Stdin, os.Stdout)
	},
}

var runCmd = &cobra.Command{
	Use:   "run <command text>",
	Short: "Run a single command and print its result",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app := NewApp(cfg, version)
		defer shutdown(app)
		if err := app.startup(ctx, startupOptions{}); err != nil {
			return err
		}

		if wait, _ := cmd.Flags().GetDuration("wait"); wait > 0 {
			info := app.waitForModel(ctx, wait)
			logger.LogInfo("main").Str("state", info.State.String()).Msg("Model wait finished")
		}

		_, result, err := app.submit(ctx, strings.Join(args, " "), "cli")
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("command failed: %s", result.Detail)
		}
		return nil
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the active window's UI tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, release, err := snapshotFor(cmd)
		if err != nil {
			return err
		}
		defer release()
		return printJSON(cmd.OutOrStdout(), uitree.View(snap))
	},
}

var findCmd = &cobra.Command{
	Use:   "find <label>",
	Short: "Resolve a label the way a click would, without tapping",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, release, err := snapshotFor(cmd)
		if err != nil {
			return err
		}
		defer release()

		query := strings.Join(args, " ")
		found := uitree.Lookup(snap, query)
		if err := printJSON(cmd.OutOrStdout(), found); err != nil {
			return err
		}
		if !found.Found {
			return fmt.Errorf("no element matching %q", query)
		}
		return nil
	},
}

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load the configured tokenizer and model once and report the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := NewApp(cfg, version)
		engine, err := app.newEngine()
		if err != nil {
			return err
		}
		rt := inference.NewRuntime(engine)
		defer rt.Unload()

		loadErr := rt.LoadSync(cmd.Context(), cfg.Paths())
		if err := printJSON(cmd.OutOrStdout(), rt.Info()); err != nil {
			return err
		}
		return loadErr
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recent commands from the journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := NewApp(cfg, version)
		defer shutdown(app)
		cfg.Events.Journal = true
		if err := app.openJournal(); err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := app.GetHistory(limit)
		if err != nil {
			return err
		}
		if entries == nil {
			entries = []types.HistoryEntry{}
		}
		return printJSON(cmd.OutOrStdout(), entries)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "tapline "+version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, mcpCmd, runCmd, dumpCmd, findCmd, loadCmd, historyCmd, versionCmd)

	serveCmd.Flags().String("http", "", "Also serve the HTTP bridge on this address (overrides server.http_addr)")
	mcpCmd.Flags().String("http", "", "Also serve the HTTP bridge on this address (overrides server.http_addr)")
	runCmd.Flags().Duration("wait", 0, "Wait this long for the model to load before interpreting")
	dumpCmd.Flags().String("xml", "", "Read a uiautomator dump from this file instead of the device")
	findCmd.Flags().String("xml", "", "Read a uiautomator dump from this file instead of the device")
	historyCmd.Flags().IntP("limit", "n", 20, "Number of commands")
}

func httpAddr(cmd *cobra.Command) string {
	if addr, _ := cmd.Flags().GetString("http"); addr != "" {
		return addr
	}
	return cfg.Server.HTTPAddr
}

func shutdown(app *App) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.Shutdown(ctx)
}

// snapshotFor takes one snapshot from --xml or the selected device
func snapshotFor(cmd *cobra.Command) (*uitree.Snapshot, func(), error) {
	var (
		extractor *uitree.Extractor
		cleanup   = func() {}
	)
	if path, _ := cmd.Flags().GetString("xml"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read dump: %w", err)
		}
		extractor = uitree.NewExtractor(uitree.StaticXMLSource(string(raw)))
	} else {
		app := NewApp(cfg, version)
		if err := app.initDevice(cmd.Context()); err != nil {
			shutdown(app)
			return nil, nil, err
		}
		extractor = app.inspector
		cleanup = func() { shutdown(app) }
	}

	snap, err := extractor.Snapshot(cmd.Context())
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return snap, func() {
		snap.Release()
		cleanup()
	}, nil
}

// serveLines feeds each non-empty line of r to handle until r ends or ctx
// is cancelled. Malformed lines are logged and skipped.
func serveLines(ctx context.Context, r io.Reader, handle func(context.Context, []byte) error) error {
	lines := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxMessageSize)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- append([]byte(nil), line...):
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				logger.LogInfo("main").Msg("Input closed")
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			if err := handle(ctx, line); err != nil {
				logger.LogWarn("main").Err(err).Int("bytes", len(line)).Msg("Message rejected")
			}
		}
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
