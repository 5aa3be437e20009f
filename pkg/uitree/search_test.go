package uitree

import (
	"context"
	"testing"
)

func snapshotOf(t *testing.T, root *Element) *Snapshot {
	t.Helper()
	snap, err := NewExtractor(NewTreeSource(root)).Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	t.Cleanup(snap.Release)
	return snap
}

func TestFindExactBeatsEarlierSubstring(t *testing.T) {
	// The substring match is shallower and visited first; the exact
	// match sits two levels deeper.
	root := El("", false,
		El("Back button area", true),
		El("", false,
			El("", false,
				El("Back", true),
			),
		),
	)
	snap := snapshotOf(t, root)

	n := Find(snap, "Back")
	if n == nil {
		t.Fatal("Expected a match")
	}
	if n.Label != "Back" {
		t.Errorf("Expected exact match node, got %q", n.Label)
	}
}

func TestFindTierOrder(t *testing.T) {
	tests := []struct {
		name     string
		root     *Element
		query    string
		wantTier MatchTier
		want     string
	}{
		{
			name: "description exact beats label substring",
			root: El("", false,
				El("Send message now", false),
				&Element{Description: "send"},
			),
			query:    "SEND",
			wantTier: TierDescriptionExact,
			want:     "send",
		},
		{
			name: "label substring beats description substring",
			root: El("", false,
				&Element{Description: "Open settings panel"},
				El("Settings and privacy", false),
			),
			query:    "settings",
			wantTier: TierLabelContains,
			want:     "Settings and privacy",
		},
		{
			name: "description substring as last resort",
			root: El("", false,
				&Element{Description: "Navigate up"},
			),
			query:    "up",
			wantTier: TierDescriptionContains,
			want:     "Navigate up",
		},
		{
			name: "label exact is case-insensitive",
			root: El("", false,
				El("submit", false),
			),
			query:    "SUBMIT",
			wantTier: TierLabelExact,
			want:     "submit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := snapshotOf(t, tt.root)
			m := FindMatch(snap, tt.query)
			if m.Node == nil {
				t.Fatal("Expected a match")
			}
			if m.Tier != tt.wantTier {
				t.Errorf("Expected tier %v, got %v", tt.wantTier, m.Tier)
			}
			got := m.Node.Label
			if got == "" {
				got = m.Node.Description
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestFindBreadthFirstWithinTier(t *testing.T) {
	root := El("", false,
		El("", false,
			El("OK", false),
		),
		El("OK", true),
	)
	snap := snapshotOf(t, root)

	n := Find(snap, "ok")
	if n == nil || !n.Clickable {
		t.Errorf("Expected the shallower OK node, got %+v", n)
	}
}

func TestFindDeterministic(t *testing.T) {
	snap := snapshotOf(t, sampleTree())
	first := Find(snap, "c")
	for i := 0; i < 10; i++ {
		if got := Find(snap, "c"); got != first {
			t.Fatalf("Find returned a different node on call %d", i)
		}
	}
}

func TestFindNoMatch(t *testing.T) {
	snap := snapshotOf(t, sampleTree())
	if n := Find(snap, "Nonexistent"); n != nil {
		t.Errorf("Expected nil, got %+v", n)
	}
	if n := Find(snap, ""); n != nil {
		t.Errorf("Expected nil for empty query, got %+v", n)
	}
	if n := Find(nil, "OK"); n != nil {
		t.Errorf("Expected nil for nil snapshot, got %+v", n)
	}
}

func TestClickableAncestor(t *testing.T) {
	root := El("", true,
		El("", false,
			El("Row", false,
				El("Label", false),
			),
		),
		El("Plain", false),
	)
	snap := snapshotOf(t, root)

	label := Find(snap, "Label")
	if got := ClickableAncestor(snap, label); got != snap.Root() {
		t.Errorf("Expected clickable root, got %+v", got)
	}

	self := El("", false, El("Button", true))
	snap2 := snapshotOf(t, self)
	button := Find(snap2, "Button")
	if got := ClickableAncestor(snap2, button); got != button {
		t.Error("A clickable node should be its own target")
	}

	none := El("", false, El("Text", false))
	snap3 := snapshotOf(t, none)
	text := Find(snap3, "Text")
	if got := ClickableAncestor(snap3, text); got != text {
		t.Error("Expected fallback to the found node when no ancestor is clickable")
	}
}
