package orgtree

import (
	"fmt"
	"time"
)

type snapshot struct {
	nodes   map[int64]Organization
	root    int64
	builtAt time.Time
	gen     uint64
}

// build validates the materialized-path invariants and freezes the result.
// A violation is reported, never repaired.
func build(orgs []Organization, at time.Time) (*snapshot, error) {
	nodes := make(map[int64]Organization, len(orgs))
	var root int64
	for _, org := range orgs {
		if org.ID <= 0 {
			return nil, fmt.Errorf("%w: invalid id %d", ErrCorruptTree, org.ID)
		}
		if _, dup := nodes[org.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %d", ErrCorruptTree, org.ID)
		}
		if org.IsRoot() {
			if root != 0 {
				return nil, fmt.Errorf("%w: multiple roots %d and %d", ErrCorruptTree, root, org.ID)
			}
			root = org.ID
		}
		org.Path = append([]int64(nil), org.Path...)
		nodes[org.ID] = org
	}
	if len(nodes) > 0 && root == 0 {
		return nil, fmt.Errorf("%w: no root", ErrCorruptTree)
	}

	children := make(map[int64]int, len(nodes))
	for _, org := range nodes {
		if err := checkPath(org, nodes); err != nil {
			return nil, err
		}
		if !org.IsRoot() {
			children[org.ParentID]++
		}
	}
	for id, org := range nodes {
		org.Leaf = children[id] == 0
		nodes[id] = org
	}
	return &snapshot{nodes: nodes, root: root, builtAt: at}, nil
}

func checkPath(org Organization, nodes map[int64]Organization) error {
	n := len(org.Path)
	if n == 0 || org.Path[n-1] != org.ID {
		return fmt.Errorf("%w: path of %d must end with itself", ErrCorruptTree, org.ID)
	}
	if org.IsRoot() {
		if n != 1 {
			return fmt.Errorf("%w: root %d has ancestors", ErrCorruptTree, org.ID)
		}
		return nil
	}
	parent, ok := nodes[org.ParentID]
	if !ok {
		return fmt.Errorf("%w: parent %d of %d is missing", ErrCorruptTree, org.ParentID, org.ID)
	}
	if n != len(parent.Path)+1 {
		return fmt.Errorf("%w: path of %d does not extend its parent", ErrCorruptTree, org.ID)
	}
	for i, id := range parent.Path {
		if org.Path[i] != id {
			return fmt.Errorf("%w: path of %d does not extend its parent", ErrCorruptTree, org.ID)
		}
		if id == org.ID {
			return fmt.Errorf("%w: cycle through %d", ErrCorruptTree, org.ID)
		}
	}
	return nil
}
