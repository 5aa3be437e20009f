// Package uitree snapshots the active window's UI hierarchy and searches it.
package uitree

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"
)

// ========================================
// Bounds
// ========================================

// Rect is a screen rectangle in pixels
type Rect struct {
	Left, Top, Right, Bottom int
}

var boundsPattern = regexp.MustCompile(`\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]`)

// ParseBounds parses the Android bounds format "[x1,y1][x2,y2]"
func ParseBounds(bounds string) (Rect, error) {
	matches := boundsPattern.FindStringSubmatch(bounds)
	if len(matches) != 5 {
		return Rect{}, fmt.Errorf("invalid bounds format: %s", bounds)
	}

	x1, _ := strconv.Atoi(matches[1])
	y1, _ := strconv.Atoi(matches[2])
	x2, _ := strconv.Atoi(matches[3])
	y2, _ := strconv.Atoi(matches[4])

	return Rect{Left: x1, Top: y1, Right: x2, Bottom: y2}, nil
}

// Center returns the center point
func (r Rect) Center() (int, int) {
	return r.Left + (r.Right-r.Left)/2, r.Top + (r.Bottom-r.Top)/2
}

// Empty reports whether the rectangle has no area
func (r Rect) Empty() bool {
	return r.Right <= r.Left || r.Bottom <= r.Top
}

func (r Rect) String() string {
	return fmt.Sprintf("[%d,%d][%d,%d]", r.Left, r.Top, r.Right, r.Bottom)
}

// ========================================
// Snapshot arena
// ========================================

// NodeID indexes a node inside its Snapshot
type NodeID int32

// NoNode is the parent of the root
const NoNode NodeID = -1

// Node is a lightweight descriptor of one on-screen element.
// Label and Description are empty when the element has none.
// Parent and Children are ids into the owning Snapshot, so a parent
// link is a lookup relation and never keeps anything alive.
type Node struct {
	ID          NodeID
	Parent      NodeID
	Children    []NodeID
	Label       string
	Description string
	Clickable   bool
	Bounds      Rect

	handle Handle
}

// Handle returns the host handle backing this node. It is nil once the
// snapshot has been released.
func (n *Node) Handle() Handle {
	return n.handle
}

// Snapshot owns every node and host handle acquired by one extraction.
// Release frees all of them at once.
type Snapshot struct {
	mu       sync.Mutex
	nodes    []Node
	handles  []Handle
	release  func([]Handle)
	released bool
}

func newSnapshot(release func([]Handle)) *Snapshot {
	return &Snapshot{release: release}
}

// acquire records a handle so that Release returns it to the host
func (s *Snapshot) acquire(h Handle) {
	s.handles = append(s.handles, h)
}

func (s *Snapshot) add(parent NodeID, h Handle, d Descriptor) NodeID {
	id := NodeID(len(s.nodes))
	s.nodes = append(s.nodes, Node{
		ID:          id,
		Parent:      parent,
		Label:       d.Label,
		Description: d.Description,
		Clickable:   d.Clickable,
		Bounds:      d.Bounds,
		handle:      h,
	})
	if parent != NoNode {
		s.nodes[parent].Children = append(s.nodes[parent].Children, id)
	}
	return id
}

// Root returns the root node, or nil for an empty or released snapshot
func (s *Snapshot) Root() *Node {
	return s.Node(0)
}

// Node returns the node with the given id, or nil
func (s *Snapshot) Node(id NodeID) *Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || id < 0 || int(id) >= len(s.nodes) {
		return nil
	}
	return &s.nodes[id]
}

// Parent returns n's parent, or nil at the root
func (s *Snapshot) Parent(n *Node) *Node {
	if n == nil {
		return nil
	}
	return s.Node(n.Parent)
}

// Children returns n's children in document order
func (s *Snapshot) Children(n *Node) []*Node {
	if n == nil {
		return nil
	}
	children := make([]*Node, 0, len(n.Children))
	for _, id := range n.Children {
		if c := s.Node(id); c != nil {
			children = append(children, c)
		}
	}
	return children
}

// Len returns the number of nodes
func (s *Snapshot) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return 0
	}
	return len(s.nodes)
}

// Released reports whether Release has run
func (s *Snapshot) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Release returns every acquired handle to the host. Safe to call more than once.
func (s *Snapshot) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	handles := s.handles
	for i := range s.nodes {
		s.nodes[i].handle = nil
	}
	s.nodes = nil
	s.handles = nil
	s.mu.Unlock()

	if s.release != nil {
		s.release(handles)
	}
}
