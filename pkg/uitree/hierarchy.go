package uitree

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"sync/atomic"
)

// ========================================
// uiautomator XML hierarchy
// ========================================

// XMLNode mirrors one <node> of a `uiautomator dump`
type XMLNode struct {
	XMLName     xml.Name  `xml:"node" json:"-"`
	Text        string    `xml:"text,attr" json:"text"`
	ResourceID  string    `xml:"resource-id,attr" json:"resourceId"`
	Class       string    `xml:"class,attr" json:"class"`
	Package     string    `xml:"package,attr" json:"package"`
	ContentDesc string    `xml:"content-desc,attr" json:"contentDesc"`
	Clickable   string    `xml:"clickable,attr" json:"clickable"`
	Enabled     string    `xml:"enabled,attr" json:"enabled"`
	Bounds      string    `xml:"bounds,attr" json:"bounds"`
	Nodes       []XMLNode `xml:"node" json:"nodes"`
}

type xmlHierarchy struct {
	XMLName xml.Name  `xml:"hierarchy"`
	Nodes   []XMLNode `xml:"node"`
}

// CleanDump strips adb noise around the XML document and repairs bare
// ampersands that some devices emit.
func CleanDump(raw string) string {
	content := raw
	if start := strings.Index(content, "<?xml"); start != -1 {
		content = content[start:]
	} else if start := strings.Index(content, "<hierarchy"); start != -1 {
		content = content[start:]
	}
	if end := strings.LastIndex(content, ">"); end != -1 && end < len(content)-1 {
		content = content[:end+1]
	}

	content = strings.ReplaceAll(content, "&", "&amp;")
	content = strings.ReplaceAll(content, "&amp;amp;", "&amp;")
	content = strings.ReplaceAll(content, "&amp;lt;", "&lt;")
	content = strings.ReplaceAll(content, "&amp;gt;", "&gt;")
	content = strings.ReplaceAll(content, "&amp;quot;", "&quot;")
	content = strings.ReplaceAll(content, "&amp;apos;", "&apos;")
	content = strings.ReplaceAll(content, "&amp;#", "&#")
	return content
}

// ParseHierarchy parses a dump into a single root. Multiple top-level
// windows are wrapped in a synthetic container. A dump with no nodes
// yields ErrNoActiveWindow.
func ParseHierarchy(raw string) (*XMLNode, error) {
	content := CleanDump(raw)

	var doc xmlHierarchy
	if err := xml.Unmarshal([]byte(content), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse UI XML (length: %d): %w", len(content), err)
	}

	switch len(doc.Nodes) {
	case 0:
		return nil, ErrNoActiveWindow
	case 1:
		return &doc.Nodes[0], nil
	default:
		return &XMLNode{
			Class:   "android.view.View",
			Package: doc.Nodes[0].Package,
			Bounds:  "[0,0][0,0]",
			Nodes:   doc.Nodes,
		}, nil
	}
}

// DumpLoader fetches a fresh hierarchy dump
type DumpLoader func(ctx context.Context) (string, error)

// XMLSource serves snapshots from uiautomator dumps. Each ActiveRoot call
// loads a fresh dump.
type XMLSource struct {
	load DumpLoader
	live atomic.Int64
}

type xmlHandle struct {
	node *XMLNode
}

// NewXMLSource creates a source backed by load
func NewXMLSource(load DumpLoader) *XMLSource {
	return &XMLSource{load: load}
}

// StaticXMLSource always serves the same document
func StaticXMLSource(raw string) *XMLSource {
	return NewXMLSource(func(context.Context) (string, error) {
		return raw, nil
	})
}

// Live returns the number of unreleased handles
func (s *XMLSource) Live() int64 {
	return s.live.Load()
}

func (s *XMLSource) ActiveRoot(ctx context.Context) (Handle, error) {
	raw, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw) == "" {
		return nil, ErrNoActiveWindow
	}
	root, err := ParseHierarchy(raw)
	if err != nil {
		return nil, err
	}
	s.live.Add(1)
	return &xmlHandle{node: root}, nil
}

func (s *XMLSource) Describe(h Handle) (Descriptor, error) {
	xh, ok := h.(*xmlHandle)
	if !ok || xh.node == nil {
		return Descriptor{}, fmt.Errorf("invalid handle %T", h)
	}
	n := xh.node
	// A missing or malformed bounds attribute leaves an empty Rect.
	bounds, _ := ParseBounds(n.Bounds)
	return Descriptor{
		Label:       n.Text,
		Description: n.ContentDesc,
		Clickable:   n.Clickable == "true",
		Bounds:      bounds,
	}, nil
}

func (s *XMLSource) ChildCount(h Handle) int {
	xh, ok := h.(*xmlHandle)
	if !ok || xh.node == nil {
		return 0
	}
	return len(xh.node.Nodes)
}

func (s *XMLSource) Child(h Handle, i int) (Handle, error) {
	xh, ok := h.(*xmlHandle)
	if !ok || xh.node == nil {
		return nil, fmt.Errorf("invalid handle %T", h)
	}
	if i < 0 || i >= len(xh.node.Nodes) {
		return nil, nil
	}
	s.live.Add(1)
	return &xmlHandle{node: &xh.node.Nodes[i]}, nil
}

func (s *XMLSource) Release(h Handle) {
	if xh, ok := h.(*xmlHandle); ok && xh.node != nil {
		xh.node = nil
		s.live.Add(-1)
	}
}
