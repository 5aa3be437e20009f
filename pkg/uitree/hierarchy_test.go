package uitree

import (
	"context"
	"errors"
	"testing"
)

// Sample uiautomator dump, with the adb banner some devices print first
const testDumpXML = `UI hierchary dumped to: /dev/tty
<?xml version='1.0' encoding='UTF-8' standalone='yes' ?><hierarchy rotation="0">
  <node index="0" text="" resource-id="" class="android.widget.FrameLayout"
        package="com.android.settings" content-desc="" clickable="false" enabled="true"
        bounds="[0,0][1080,2400]">
    <node index="0" text="Settings" resource-id="android:id/title" class="android.widget.TextView"
          package="com.android.settings" content-desc="" clickable="false" enabled="true"
          bounds="[42,160][400,240]" />
    <node index="1" text="" resource-id="com.android.settings:id/row" class="android.widget.LinearLayout"
          package="com.android.settings" content-desc="" clickable="true" enabled="true"
          bounds="[0,300][1080,450]">
      <node index="0" text="Network & internet" resource-id="android:id/title" class="android.widget.TextView"
            package="com.android.settings" content-desc="" clickable="false" enabled="true"
            bounds="[180,330][900,390]" />
    </node>
    <node index="2" text="" resource-id="" class="android.widget.ImageButton"
          package="com.android.settings" content-desc="Navigate up" clickable="true" enabled="true"
          bounds="[0,60][140,200]" />
  </node>
</hierarchy>
trailing noise`

func TestParseHierarchy(t *testing.T) {
	root, err := ParseHierarchy(testDumpXML)
	if err != nil {
		t.Fatalf("ParseHierarchy failed: %v", err)
	}
	if root.Class != "android.widget.FrameLayout" {
		t.Errorf("Class: expected FrameLayout, got %q", root.Class)
	}
	if len(root.Nodes) != 3 {
		t.Fatalf("Expected 3 children, got %d", len(root.Nodes))
	}
	if got := root.Nodes[1].Nodes[0].Text; got != "Network & internet" {
		t.Errorf("Expected unescaped ampersand, got %q", got)
	}
}

func TestParseHierarchyMultipleWindows(t *testing.T) {
	raw := `<hierarchy><node text="a" package="p" /><node text="b" package="p" /></hierarchy>`
	root, err := ParseHierarchy(raw)
	if err != nil {
		t.Fatalf("ParseHierarchy failed: %v", err)
	}
	if len(root.Nodes) != 2 || root.Package != "p" {
		t.Errorf("Expected synthetic container over 2 windows, got %+v", root)
	}
}

func TestParseHierarchyEmpty(t *testing.T) {
	_, err := ParseHierarchy(`<hierarchy rotation="0"></hierarchy>`)
	if !errors.Is(err, ErrNoActiveWindow) {
		t.Errorf("Expected ErrNoActiveWindow, got %v", err)
	}
}

func TestParseHierarchyInvalid(t *testing.T) {
	if _, err := ParseHierarchy(`<hierarchy><node`); err == nil {
		t.Error("Expected parse error")
	}
}

func TestXMLSourceSnapshot(t *testing.T) {
	src := StaticXMLSource(testDumpXML)
	ext := NewExtractor(src)

	snap, err := ext.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.Len() != 5 {
		t.Errorf("Expected 5 nodes, got %d", snap.Len())
	}

	n := Find(snap, "network & INTERNET")
	if n == nil {
		t.Fatal("Expected to find network row label")
	}
	target := ClickableAncestor(snap, n)
	if target.Bounds != (Rect{Left: 0, Top: 300, Right: 1080, Bottom: 450}) {
		t.Errorf("Expected clickable row bounds, got %v", target.Bounds)
	}

	up := Find(snap, "navigate up")
	if up == nil || !up.Clickable {
		t.Errorf("Expected description match on clickable button, got %+v", up)
	}

	snap.Release()
	if src.Live() != 0 {
		t.Errorf("Expected all XML handles released, %d live", src.Live())
	}
}

func TestXMLSourceBlankDump(t *testing.T) {
	ext := NewExtractor(StaticXMLSource("   "))
	if _, err := ext.Snapshot(context.Background()); !errors.Is(err, ErrNoActiveWindow) {
		t.Errorf("Expected ErrNoActiveWindow, got %v", err)
	}
}

func TestParseBounds(t *testing.T) {
	r, err := ParseBounds("[10,20][110,220]")
	if err != nil {
		t.Fatalf("ParseBounds failed: %v", err)
	}
	if x, y := r.Center(); x != 60 || y != 120 {
		t.Errorf("Center: expected (60,120), got (%d,%d)", x, y)
	}
	if r.String() != "[10,20][110,220]" {
		t.Errorf("String round-trip failed: %s", r.String())
	}
	if r.Empty() {
		t.Error("Rect should not be empty")
	}
	if _, err := ParseBounds("10,20,110,220"); err == nil {
		t.Error("Expected error for malformed bounds")
	}
}
