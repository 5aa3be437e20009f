package uitree

import "Tapline/pkg/types"

// View copies the snapshot into a serializable tree that stays valid
// after Release.
func View(snap *Snapshot) *types.UIHierarchyResult {
	root := snap.Root()
	if root == nil {
		return &types.UIHierarchyResult{}
	}
	return &types.UIHierarchyResult{
		Root:      viewNode(snap, root),
		NodeCount: snap.Len(),
	}
}

// ViewNode copies a single node without its children
func ViewNode(n *Node) *types.NodeView {
	if n == nil {
		return nil
	}
	v := &types.NodeView{
		Label:       n.Label,
		Description: n.Description,
		Clickable:   n.Clickable,
	}
	if n.Bounds != (Rect{}) {
		v.Bounds = n.Bounds.String()
	}
	return v
}

func viewNode(snap *Snapshot, n *Node) *types.NodeView {
	v := ViewNode(n)
	for _, c := range snap.Children(n) {
		v.Children = append(v.Children, viewNode(snap, c))
	}
	return v
}

// Lookup runs FindMatch and copies the hit and its click target
func Lookup(snap *Snapshot, query string) types.FindResult {
	m := FindMatch(snap, query)
	res := types.FindResult{Query: query, Tier: m.Tier.String()}
	if m.Node == nil {
		return res
	}
	res.Found = true
	res.Node = ViewNode(m.Node)
	res.Target = ViewNode(ClickableAncestor(snap, m.Node))
	return res
}
