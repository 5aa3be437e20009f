package uitree

import (
	"context"
	"errors"
	"sync"
)

// Element is an in-memory UI element used to build a TreeSource
type Element struct {
	Label       string
	Description string
	Clickable   bool
	Bounds      Rect
	Children    []*Element
}

// El is a shorthand constructor for fixtures
func El(label string, clickable bool, children ...*Element) *Element {
	return &Element{Label: label, Clickable: clickable, Children: children}
}

// ErrInjected is returned by a TreeSource configured to fail
var ErrInjected = errors.New("injected source failure")

// TreeSource serves a fixed Element tree and counts handles. It can be
// told to fail after a number of acquisitions to exercise partial
// traversal cleanup.
type TreeSource struct {
	mu        sync.Mutex
	root      *Element
	live      map[*treeHandle]struct{}
	acquired  int
	FailAfter int // fail the Nth Child acquisition when > 0
}

type treeHandle struct {
	el *Element
}

// NewTreeSource creates a source for root. A nil root means no active window.
func NewTreeSource(root *Element) *TreeSource {
	return &TreeSource{root: root, live: make(map[*treeHandle]struct{})}
}

// SetRoot swaps the served tree
func (s *TreeSource) SetRoot(root *Element) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root = root
}

// Live returns the number of handles acquired and not yet released
func (s *TreeSource) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Acquired returns the total number of handles ever handed out
func (s *TreeSource) Acquired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}

func (s *TreeSource) acquire(el *Element) *treeHandle {
	h := &treeHandle{el: el}
	s.live[h] = struct{}{}
	s.acquired++
	return h
}

func (s *TreeSource) ActiveRoot(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root == nil {
		return nil, ErrNoActiveWindow
	}
	return s.acquire(s.root), nil
}

func (s *TreeSource) Describe(h Handle) (Descriptor, error) {
	th, ok := h.(*treeHandle)
	if !ok {
		return Descriptor{}, ErrInjected
	}
	return Descriptor{
		Label:       th.el.Label,
		Description: th.el.Description,
		Clickable:   th.el.Clickable,
		Bounds:      th.el.Bounds,
	}, nil
}

func (s *TreeSource) ChildCount(h Handle) int {
	th, ok := h.(*treeHandle)
	if !ok {
		return 0
	}
	return len(th.el.Children)
}

func (s *TreeSource) Child(h Handle, i int) (Handle, error) {
	th, ok := h.(*treeHandle)
	if !ok || i < 0 || i >= len(th.el.Children) {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAfter > 0 && s.acquired >= s.FailAfter {
		return nil, ErrInjected
	}
	return s.acquire(th.el.Children[i]), nil
}

func (s *TreeSource) Release(h Handle) {
	th, ok := h.(*treeHandle)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, th)
}
