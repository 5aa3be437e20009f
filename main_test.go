package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"Tapline/mcp"
	"Tapline/pkg/config"
	"Tapline/pkg/types"
	"Tapline/pkg/uitree"
)

const sampleDump = `<?xml version='1.0' encoding='UTF-8' standalone='yes' ?><hierarchy rotation="0">
  <node index="0" text="" class="android.widget.FrameLayout" content-desc="" clickable="false" bounds="[0,0][1080,2400]">
    <node index="0" text="Settings" class="android.widget.TextView" content-desc="" clickable="false" bounds="[42,160][400,240]" />
    <node index="1" text="" class="android.widget.LinearLayout" content-desc="" clickable="true" bounds="[0,300][1080,450]">
      <node index="0" text="Wi-Fi" class="android.widget.TextView" content-desc="" clickable="false" bounds="[180,330][900,390]" />
    </node>
  </node>
</hierarchy>`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := config.Default()
	c.DataDir = t.TempDir()
	c.Model.Dir = filepath.Join(c.DataDir, "models")
	return c
}

func xmlCommand(t *testing.T) *cobra.Command {
	t.Helper()
	path := filepath.Join(t.TempDir(), "view.xml")
	if err := os.WriteFile(path, []byte(sampleDump), 0644); err != nil {
		t.Fatal(err)
	}
	cmd := &cobra.Command{}
	cmd.Flags().String("xml", "", "")
	cmd.Flags().Set("xml", path)
	cmd.SetContext(context.Background())
	return cmd
}

func TestAppImplementsAgentApp(t *testing.T) {
	var _ mcp.AgentApp = (*App)(nil)
}

func TestSnapshotForXMLFile(t *testing.T) {
	snap, release, err := snapshotFor(xmlCommand(t))
	if err != nil {
		t.Fatalf("snapshotFor failed: %v", err)
	}
	defer release()

	if res := uitree.Lookup(snap, "Wi-Fi"); !res.Found || res.Tier != "label" {
		t.Errorf("Expected Wi-Fi node in snapshot, got %+v", res)
	}
}

func TestFindCommandOffline(t *testing.T) {
	cmd := xmlCommand(t)
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := findCmd.RunE(cmd, []string{"wi-fi"}); err != nil {
		t.Fatalf("find failed: %v", err)
	}
	var res types.FindResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("Output is not JSON: %v\n%s", err, out.String())
	}
	if !res.Found || res.Tier != "label" || res.Target == nil || !res.Target.Clickable {
		t.Errorf("Unexpected result %+v", res)
	}

	out.Reset()
	if err := findCmd.RunE(cmd, []string{"Airplane", "mode"}); err == nil {
		t.Error("Expected an error when nothing matches")
	}
	if !strings.Contains(out.String(), `"query": "Airplane mode"`) {
		t.Errorf("Expected the joined query in output, got %s", out.String())
	}
}

func TestDumpCommandOffline(t *testing.T) {
	cmd := xmlCommand(t)
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := dumpCmd.RunE(cmd, nil); err != nil {
		t.Fatalf("dump failed: %v", err)
	}
	var view types.UIHierarchyResult
	if err := json.Unmarshal(out.Bytes(), &view); err != nil {
		t.Fatalf("Output is not JSON: %v", err)
	}
	if view.NodeCount < 4 || !strings.Contains(out.String(), `"label": "Wi-Fi"`) {
		t.Errorf("Unexpected dump %s", out.String())
	}
}

func TestServeLines(t *testing.T) {
	input := strings.NewReader("{\"action\":\"COMMAND\",\"commandText\":\"back\"}\n\n   \nnot json\n{\"action\":\"PING\"}")

	var mu sync.Mutex
	var got []string
	err := serveLines(context.Background(), input, func(_ context.Context, line []byte) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(line))
		if !json.Valid(line) {
			return errors.New("malformed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("serveLines failed: %v", err)
	}
	if len(got) != 3 || got[1] != "not json" {
		t.Errorf("Expected 3 non-empty lines, got %q", got)
	}
}

func TestServeLinesStopsOnCancel(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveLines(ctx, r, func(context.Context, []byte) error { return nil })
	}()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serveLines did not return after cancel")
	}
}

func TestAppBeforeStartup(t *testing.T) {
	app := NewApp(testConfig(t), "1.2.3")
	ctx := context.Background()

	if app.GetAppVersion() != "1.2.3" {
		t.Errorf("Unexpected version %q", app.GetAppVersion())
	}
	if _, _, err := app.RunCommand(ctx, "back"); !errors.Is(err, errAgentNotRunning) {
		t.Errorf("Expected errAgentNotRunning, got %v", err)
	}
	if _, err := app.LoadModel(ctx, true); !errors.Is(err, errAgentNotRunning) {
		t.Errorf("Expected errAgentNotRunning, got %v", err)
	}
	if _, err := app.GetUIHierarchy(ctx); !errors.Is(err, errNoDevice) {
		t.Errorf("Expected errNoDevice, got %v", err)
	}
	if _, err := app.FindElement(ctx, "Wi-Fi"); !errors.Is(err, errNoDevice) {
		t.Errorf("Expected errNoDevice, got %v", err)
	}
	if entries, err := app.GetHistory(10); err != nil || entries != nil {
		t.Errorf("Expected no history, got %v %v", entries, err)
	}
	if got := app.GetState().State.Status.String(); got != "uninitialized" {
		t.Errorf("Expected uninitialized, got %s", got)
	}
}

func TestAppHistoryFromJournal(t *testing.T) {
	app := NewApp(testConfig(t), "dev")
	if err := app.openJournal(); err != nil {
		t.Fatalf("openJournal failed: %v", err)
	}
	defer app.Shutdown(context.Background())

	entry := types.HistoryEntry{
		CommandID:  "c1",
		RawText:    "click Wi-Fi",
		ReceivedAt: time.Now(),
		Action:     types.Click("Wi-Fi"),
		Success:    true,
		Detail:     "clicked Wi-Fi",
	}
	if err := app.journal.RecordCommand(entry); err != nil {
		t.Fatalf("RecordCommand failed: %v", err)
	}

	entries, err := app.GetHistory(5)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(entries) != 1 || entries[0].CommandID != "c1" {
		t.Errorf("Unexpected history %+v", entries)
	}
}

func TestNewEngine(t *testing.T) {
	c := testConfig(t)
	app := NewApp(c, "dev")
	engine, err := app.newEngine()
	if err != nil || engine.Name() != "llamacpp" {
		t.Fatalf("Expected llamacpp engine, got %v %v", engine, err)
	}

	c.Model.Engine = "onnx"
	if _, err := app.newEngine(); err == nil {
		t.Error("Expected error for unknown engine")
	}
}
