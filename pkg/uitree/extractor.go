package uitree

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"Tapline/pkg/logger"
)

// ErrNoActiveWindow is returned when the host has no window to snapshot
var ErrNoActiveWindow = errors.New("no active window")

// Handle is an opaque host reference to one UI element
type Handle interface{}

// Descriptor is what the host reports for one element
type Descriptor struct {
	Label       string
	Description string
	Clickable   bool
	Bounds      Rect
}

// Source is the host's UI tree. Every handle returned by ActiveRoot or
// Child must eventually be passed to Release.
type Source interface {
	// ActiveRoot acquires the root of the active window, or returns ErrNoActiveWindow
	ActiveRoot(ctx context.Context) (Handle, error)
	Describe(h Handle) (Descriptor, error)
	ChildCount(h Handle) int
	// Child acquires the i-th child. A nil handle with no error means the child vanished.
	Child(h Handle, i int) (Handle, error)
	Release(h Handle)
}

// DefaultMaxNodes caps a single snapshot
const DefaultMaxNodes = 20000

// Extractor takes snapshots of a Source, one query at a time
type Extractor struct {
	source   Source
	maxNodes int

	mu          sync.Mutex
	live        *Snapshot
	outstanding atomic.Int64
}

// NewExtractor creates an extractor over source
func NewExtractor(source Source) *Extractor {
	return &Extractor{source: source, maxNodes: DefaultMaxNodes}
}

// SetMaxNodes bounds the traversal. Nodes past the limit are skipped.
func (e *Extractor) SetMaxNodes(n int) {
	if n > 0 {
		e.maxNodes = n
	}
}

// Outstanding returns the number of host handles currently held
func (e *Extractor) Outstanding() int64 {
	return e.outstanding.Load()
}

// Snapshot captures the active window into a new arena. The caller must
// Release it. A snapshot still alive when the next one is requested is
// released first.
func (e *Extractor) Snapshot(ctx context.Context) (*Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.live != nil && !e.live.Released() {
		logger.LogWarn("uitree").Int("nodes", e.live.Len()).Msg("Previous snapshot was not released, releasing it now")
		e.live.Release()
	}
	e.live = nil

	root, err := e.source.ActiveRoot(ctx)
	if err != nil {
		if errors.Is(err, ErrNoActiveWindow) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to acquire active window: %w", err)
	}
	if root == nil {
		return nil, ErrNoActiveWindow
	}

	snap := newSnapshot(e.releaseHandles)
	e.track(snap, root)

	if err := e.build(ctx, snap, root); err != nil {
		snap.Release()
		return nil, err
	}

	e.live = snap
	logger.LogDebug("uitree").Int("nodes", snap.Len()).Msg("Snapshot taken")
	return snap, nil
}

func (e *Extractor) track(snap *Snapshot, h Handle) {
	snap.acquire(h)
	e.outstanding.Add(1)
}

// build walks the source breadth-first. Any handle acquired before a
// failure is already tracked by snap, so the caller's Release frees it.
func (e *Extractor) build(ctx context.Context, snap *Snapshot, root Handle) error {
	desc, err := e.source.Describe(root)
	if err != nil {
		return fmt.Errorf("failed to describe root: %w", err)
	}
	snap.add(NoNode, root, desc)

	type pending struct {
		id NodeID
		h  Handle
	}
	queue := []pending{{id: 0, h: root}}
	truncated := false

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur := queue[0]
		queue = queue[1:]

		count := e.source.ChildCount(cur.h)
		for i := 0; i < count; i++ {
			if len(snap.nodes) >= e.maxNodes {
				truncated = true
				break
			}
			child, err := e.source.Child(cur.h, i)
			if err != nil {
				return fmt.Errorf("failed to acquire child %d: %w", i, err)
			}
			if child == nil {
				continue
			}
			e.track(snap, child)

			d, err := e.source.Describe(child)
			if err != nil {
				return fmt.Errorf("failed to describe child %d: %w", i, err)
			}
			id := snap.add(cur.id, child, d)
			queue = append(queue, pending{id: id, h: child})
		}
	}

	if truncated {
		logger.LogWarn("uitree").Int("maxNodes", e.maxNodes).Msg("Snapshot truncated")
	}
	return nil
}

func (e *Extractor) releaseHandles(handles []Handle) {
	for _, h := range handles {
		e.source.Release(h)
	}
	e.outstanding.Add(-int64(len(handles)))
}
