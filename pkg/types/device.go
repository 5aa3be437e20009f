package types

// Device represents an Android device as reported by `adb devices -l`
type Device struct {
	Serial string `json:"serial"`
	State  string `json:"state"` // "device", "offline", "unauthorized"
	Model  string `json:"model"`
	Type   string `json:"type"` // "wired" or "wireless"
}

// Online reports whether adb can talk to the device
func (d Device) Online() bool {
	return d.State == "device"
}

// UIHierarchyResult is a serializable view of one screen snapshot
type UIHierarchyResult struct {
	Root      *NodeView `json:"root"`
	NodeCount int       `json:"nodeCount"`
}

// NodeView is a JSON-friendly copy of a snapshot node
type NodeView struct {
	Label       string      `json:"label,omitempty"`
	Description string      `json:"description,omitempty"`
	Clickable   bool        `json:"clickable"`
	Bounds      string      `json:"bounds,omitempty"`
	Children    []*NodeView `json:"children,omitempty"`
}

// FindResult reports how a query resolved against one snapshot. Target is
// the node a click would land on.
type FindResult struct {
	Query  string    `json:"query"`
	Found  bool      `json:"found"`
	Tier   string    `json:"tier"`
	Node   *NodeView `json:"node,omitempty"`
	Target *NodeView `json:"target,omitempty"`
}
