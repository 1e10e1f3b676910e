package spatial

// AddBoxes inserts the given entries, merging each of them with the indexed
// boxes that overlap or touch it when the merge is worth it. The merged entry
// gets the union of the boxes and the value returned by merge.
//
// Merging repeats until the incoming box stops growing into a neighbor, which
// coalesces many small chunks into a few bounding regions.
//
// Boxes are all validated before the first insertion: one invalid box aborts
// the whole call and leaves the tree untouched.
func (t *RTree[T]) AddBoxes(entries []Entry[T], merge MergeFunc[T]) error {
	for _, e := range entries {
		if err := checkBox(e.Box); err != nil {
			return err
		}
	}

	for _, e := range entries {
		current := e

		for {
			path, idx := t.mergeCandidate(current.Box)
			if path == nil {
				break
			}

			existing := path[len(path)-1].entries[idx]
			t.removeAt(path, idx)

			current.Box = existing.Box.Union(current.Box)
			if merge != nil {
				current.Value = merge(existing.Value, current.Value)
			}
			t.MergeCount++
		}

		t.insert(current)
	}

	return nil
}

func (t *RTree[T]) mergeCandidate(box Box) ([]*node[T], int) {
	if t.root == nil {
		return nil, -1
	}
	return t.root.findMergeable(box.Expand(t.MergeEpsilon), box, t.MergeWaste, nil)
}

func (n *node[T]) findMergeable(area Box, box Box, maxWaste float64, path []*node[T]) ([]*node[T], int) {
	if !n.box.Intersects(area) {
		return nil, -1
	}
	path = append(path, n)

	if n.leaf {
		for i, e := range n.entries {
			if e.Box.Intersects(area) && isMergeBeneficial(e.Box, box, maxWaste) {
				return path, i
			}
		}
		return nil, -1
	}

	for _, c := range n.children {
		if p, i := c.findMergeable(area, box, maxWaste, path); p != nil {
			return p, i
		}
	}
	return nil, -1
}

// isMergeBeneficial reports whether the union of a and b leaves at most
// maxWaste of its volume uncovered by a or b.
func isMergeBeneficial(a Box, b Box, maxWaste float64) bool {
	union := a.Union(b)
	volume := union.Volume()
	if volume == 0 {
		return true
	}

	covered := a.Volume() + b.Volume()
	if inter, ok := a.Intersection(b); ok {
		covered -= inter.Volume()
	}
	return volume-covered <= maxWaste*volume
}
