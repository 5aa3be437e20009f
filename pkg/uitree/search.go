package uitree

import "strings"

// MatchTier ranks how a node matched a query. Lower is better.
type MatchTier int

const (
	TierLabelExact MatchTier = iota
	TierDescriptionExact
	TierLabelContains
	TierDescriptionContains
	TierNone
)

func (t MatchTier) String() string {
	switch t {
	case TierLabelExact:
		return "label"
	case TierDescriptionExact:
		return "description"
	case TierLabelContains:
		return "label~"
	case TierDescriptionContains:
		return "description~"
	}
	return "none"
}

// Match is a search hit
type Match struct {
	Node *Node
	Tier MatchTier
}

// Find returns the best node for query, or nil.
//
// Nodes are visited breadth-first in document order. A node matching a
// better tier always wins over one matching a worse tier, wherever the two
// sit in the traversal; within a tier the first visited node wins. All
// comparisons ignore case.
func Find(snap *Snapshot, query string) *Node {
	m := FindMatch(snap, query)
	return m.Node
}

// FindMatch is Find that also reports the tier of the hit
func FindMatch(snap *Snapshot, query string) Match {
	best := Match{Tier: TierNone}
	if snap == nil || query == "" {
		return best
	}
	root := snap.Root()
	if root == nil {
		return best
	}
	lowered := strings.ToLower(query)

	queue := []*Node{root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		if tier := matchTier(n, query, lowered); tier < best.Tier {
			best = Match{Node: n, Tier: tier}
			if tier == TierLabelExact {
				return best
			}
		}
		queue = append(queue, snap.Children(n)...)
	}
	return best
}

func matchTier(n *Node, query, lowered string) MatchTier {
	switch {
	case n.Label != "" && strings.EqualFold(n.Label, query):
		return TierLabelExact
	case n.Description != "" && strings.EqualFold(n.Description, query):
		return TierDescriptionExact
	case n.Label != "" && strings.Contains(strings.ToLower(n.Label), lowered):
		return TierLabelContains
	case n.Description != "" && strings.Contains(strings.ToLower(n.Description), lowered):
		return TierDescriptionContains
	}
	return TierNone
}

// ClickableAncestor walks from n up through its parents, n included, and
// returns the first clickable node. It falls back to n when none is.
func ClickableAncestor(snap *Snapshot, n *Node) *Node {
	for cur := n; cur != nil; cur = snap.Parent(cur) {
		if cur.Clickable {
			return cur
		}
	}
	return n
}
