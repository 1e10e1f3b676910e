package spatial

import (
	"iter"
	"math"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

const (
	// ErrTypeIndexCorruption is the error type returned when a box would break
	// the index invariants.
	ErrTypeIndexCorruption = "index_corruption"

	DefaultMaxEntries   = 8
	DefaultMergeEpsilon = 1e-3
	DefaultMergeWaste   = 0.25
)

// Entry is an indexed box and the value attached to it.
type Entry[T any] struct {
	Box   Box
	Value T
}

// MergeFunc combines the values of two entries whose boxes are merged.
type MergeFunc[T any] func(existing T, incoming T) T

type node[T any] struct {
	box      Box
	leaf     bool
	children []*node[T]
	entries  []Entry[T]
}

func (n *node[T]) count() int {
	if n.leaf {
		return len(n.entries)
	}
	return len(n.children)
}

func (n *node[T]) computeBox() Box {
	box := EmptyBox()
	if n.leaf {
		for _, e := range n.entries {
			box = box.Union(e.Box)
		}
		return box
	}
	for _, c := range n.children {
		box = box.Union(c.box)
	}
	return box
}

// RTree is a bounding volume hierarchy over axis-aligned boxes.
//
// Nodes split when they overflow. Removals only tighten the ancestors' boxes
// and drop empty nodes; underfull nodes are left as is.
//
// An RTree is not safe for concurrent use.
type RTree[T any] struct {
	// Boxes closer than MergeEpsilon are considered adjacent by AddBoxes.
	MergeEpsilon float64

	// The fraction of a merged box volume allowed to be empty space for
	// AddBoxes to merge two boxes.
	MergeWaste float64

	MergeCount uint32

	maxEntries int
	minEntries int
	root       *node[T]
	size       int
}

func NewRTree[T any](maxEntries int) *RTree[T] {
	if maxEntries < 4 {
		maxEntries = DefaultMaxEntries
	}

	return &RTree[T]{
		MergeEpsilon: DefaultMergeEpsilon,
		MergeWaste:   DefaultMergeWaste,
		maxEntries:   maxEntries,
		minEntries:   maxEntries / 2,
	}
}

func (t *RTree[T]) Len() int {
	return t.size
}

// Bounds returns the box covering every indexed box.
func (t *RTree[T]) Bounds() Box {
	if t.root == nil {
		return EmptyBox()
	}
	return t.root.box
}

func (t *RTree[T]) Height() int {
	height := 0
	for n := t.root; n != nil; {
		height++
		if n.leaf || len(n.children) == 0 {
			break
		}
		n = n.children[0]
	}
	return height
}

func (t *RTree[T]) Clear() {
	t.root = nil
	t.size = 0
	t.MergeCount = 0
}

// Insert adds a box as a leaf entry. Invalid boxes are rejected with an
// index corruption error and the tree is left untouched.
func (t *RTree[T]) Insert(box Box, value T) error {
	if err := checkBox(box); err != nil {
		return err
	}

	t.insert(Entry[T]{Box: box, Value: value})
	return nil
}

// Query returns the entries whose box intersects the given box.
func (t *RTree[T]) Query(box Box) iter.Seq[Entry[T]] {
	return func(yield func(Entry[T]) bool) {
		if t.root == nil || !box.Valid() {
			return
		}
		t.root.query(box, yield)
	}
}

func (n *node[T]) query(box Box, yield func(Entry[T]) bool) bool {
	if !n.box.Intersects(box) {
		return true
	}

	if n.leaf {
		for _, e := range n.entries {
			if e.Box.Intersects(box) && !yield(e) {
				return false
			}
		}
		return true
	}

	for _, c := range n.children {
		if !c.query(box, yield) {
			return false
		}
	}
	return true
}

// Boxes returns all the indexed boxes.
func (t *RTree[T]) Boxes() []Box {
	boxes := make([]Box, 0, t.size)
	for e := range t.All() {
		boxes = append(boxes, e.Box)
	}
	return boxes
}

// Entries returns all the indexed entries.
func (t *RTree[T]) Entries() []Entry[T] {
	entries := make([]Entry[T], 0, t.size)
	for e := range t.All() {
		entries = append(entries, e)
	}
	return entries
}

func (t *RTree[T]) All() iter.Seq[Entry[T]] {
	return func(yield func(Entry[T]) bool) {
		if t.root == nil {
			return
		}
		t.root.all(yield)
	}
}

func (n *node[T]) all(yield func(Entry[T]) bool) bool {
	if n.leaf {
		for _, e := range n.entries {
			if !yield(e) {
				return false
			}
		}
		return true
	}

	for _, c := range n.children {
		if !c.all(yield) {
			return false
		}
	}
	return true
}

// Remove removes the first entry with the given box whose value satisfies
// match. A nil match removes the first entry with the given box.
func (t *RTree[T]) Remove(box Box, match func(T) bool) bool {
	if t.root == nil {
		return false
	}

	path, idx := t.root.find(box, match, nil)
	if path == nil {
		return false
	}

	t.removeAt(path, idx)
	return true
}

func (n *node[T]) find(box Box, match func(T) bool, path []*node[T]) ([]*node[T], int) {
	path = append(path, n)

	if n.leaf {
		for i, e := range n.entries {
			if e.Box == box && (match == nil || match(e.Value)) {
				return path, i
			}
		}
		return nil, -1
	}

	for _, c := range n.children {
		if !c.box.Contains(box) {
			continue
		}
		if p, i := c.find(box, match, path); p != nil {
			return p, i
		}
	}
	return nil, -1
}

func (t *RTree[T]) removeAt(path []*node[T], idx int) {
	leaf := path[len(path)-1]
	leaf.entries = append(leaf.entries[:idx], leaf.entries[idx+1:]...)
	t.size--

	for i := len(path) - 1; i > 0; i-- {
		n := path[i]
		parent := path[i-1]

		if n.count() == 0 {
			for j, c := range parent.children {
				if c == n {
					parent.children = append(parent.children[:j], parent.children[j+1:]...)
					break
				}
			}
		} else {
			n.box = n.computeBox()
		}
	}

	root := t.root
	root.box = root.computeBox()
	for !root.leaf && len(root.children) == 1 {
		root = root.children[0]
	}
	if root.count() == 0 {
		root = nil
	}
	t.root = root
}

func (t *RTree[T]) insert(e Entry[T]) {
	if t.root == nil {
		t.root = &node[T]{leaf: true, box: EmptyBox()}
	}

	path := t.chooseLeaf(e.Box)
	leaf := path[len(path)-1]
	leaf.entries = append(leaf.entries, e)

	var split *node[T]
	if len(leaf.entries) > t.maxEntries {
		split = t.split(leaf)
	}
	leaf.box = leaf.computeBox()

	for i := len(path) - 2; i >= 0; i-- {
		parent := path[i]
		if split != nil {
			parent.children = append(parent.children, split)
			split = nil
			if len(parent.children) > t.maxEntries {
				split = t.split(parent)
			}
		}
		parent.box = parent.computeBox()
	}

	if split != nil {
		root := &node[T]{children: []*node[T]{t.root, split}}
		root.box = root.computeBox()
		t.root = root
	}

	t.size++
}

func (t *RTree[T]) chooseLeaf(box Box) []*node[T] {
	n := t.root
	path := []*node[T]{n}

	for !n.leaf {
		n = chooseSubtree(n.children, box)
		path = append(path, n)
	}
	return path
}

// chooseSubtree picks the child needing the least enlargement. Ties go to the
// child with fewer children, then to the smaller one.
func chooseSubtree[T any](children []*node[T], box Box) *node[T] {
	var best *node[T]
	var bestEnlargement float64

	for _, c := range children {
		enlargement := c.box.Enlargement(box)

		if best == nil {
			best, bestEnlargement = c, enlargement
			continue
		}

		switch {
		case enlargement < bestEnlargement:
		case enlargement > bestEnlargement:
			continue
		case c.count() < best.count():
		case c.count() > best.count():
			continue
		case c.box.Volume() < best.box.Volume():
		default:
			continue
		}

		best, bestEnlargement = c, enlargement
	}
	return best
}

// split moves part of the overflowing node content into a new sibling that is
// returned.
func (t *RTree[T]) split(n *node[T]) *node[T] {
	sibling := &node[T]{leaf: n.leaf}

	if n.leaf {
		boxes := make([]Box, len(n.entries))
		for i, e := range n.entries {
			boxes[i] = e.Box
		}

		left, right := quadraticSplit(boxes, t.minEntries)
		entries := n.entries
		n.entries = make([]Entry[T], 0, len(left))
		for _, i := range left {
			n.entries = append(n.entries, entries[i])
		}
		for _, i := range right {
			sibling.entries = append(sibling.entries, entries[i])
		}
	} else {
		boxes := make([]Box, len(n.children))
		for i, c := range n.children {
			boxes[i] = c.box
		}

		left, right := quadraticSplit(boxes, t.minEntries)
		children := n.children
		n.children = make([]*node[T], 0, len(left))
		for _, i := range left {
			n.children = append(n.children, children[i])
		}
		for _, i := range right {
			sibling.children = append(sibling.children, children[i])
		}
	}

	n.box = n.computeBox()
	sibling.box = sibling.computeBox()
	return sibling
}

// quadraticSplit partitions boxes in two groups of at least minEntries each,
// following Guttman's quadratic split.
func quadraticSplit(boxes []Box, minEntries int) ([]int, []int) {
	seedA, seedB := pickSeeds(boxes)

	left := []int{seedA}
	right := []int{seedB}
	leftBox := boxes[seedA]
	rightBox := boxes[seedB]

	remaining := make([]int, 0, len(boxes)-2)
	for i := range boxes {
		if i != seedA && i != seedB {
			remaining = append(remaining, i)
		}
	}

	for len(remaining) > 0 {
		if len(left)+len(remaining) == minEntries {
			left = append(left, remaining...)
			break
		}
		if len(right)+len(remaining) == minEntries {
			right = append(right, remaining...)
			break
		}

		// pick the box with the strongest preference for one group:
		next := 0
		maxDiff := -1.0
		for j, i := range remaining {
			diff := leftBox.Enlargement(boxes[i]) - rightBox.Enlargement(boxes[i])
			if diff < 0 {
				diff = -diff
			}
			if diff > maxDiff {
				maxDiff = diff
				next = j
			}
		}

		i := remaining[next]
		remaining = append(remaining[:next], remaining[next+1:]...)

		dl := leftBox.Enlargement(boxes[i])
		dr := rightBox.Enlargement(boxes[i])
		toLeft := dl < dr
		if dl == dr {
			toLeft = len(left) <= len(right)
		}

		if toLeft {
			left = append(left, i)
			leftBox = leftBox.Union(boxes[i])
		} else {
			right = append(right, i)
			rightBox = rightBox.Union(boxes[i])
		}
	}

	return left, right
}

// pickSeeds returns the pair of boxes wasting the most space when grouped.
func pickSeeds(boxes []Box) (int, int) {
	seedA, seedB := 0, 1
	maxWaste := math.Inf(-1)
	maxMargin := math.Inf(-1)

	for i := 0; i < len(boxes); i++ {
		for j := i + 1; j < len(boxes); j++ {
			union := boxes[i].Union(boxes[j])
			waste := union.Volume() - boxes[i].Volume() - boxes[j].Volume()
			margin := union.Margin()

			if waste > maxWaste || (waste == maxWaste && margin > maxMargin) {
				seedA, seedB = i, j
				maxWaste = waste
				maxMargin = margin
			}
		}
	}
	return seedA, seedB
}

// CheckInvariants verifies that every node box is the minimal box containing
// its children, that no node overflows and that all leaves are at the same
// depth.
func (t *RTree[T]) CheckInvariants() error {
	if t.root == nil {
		if t.size != 0 {
			return errors.New("empty tree with entries").
				WithType(ErrTypeIndexCorruption).
				WithTag("size", t.size)
		}
		return nil
	}

	leafDepth := -1
	count, err := t.check(t.root, 0, &leafDepth)
	if err != nil {
		return err
	}
	if count != t.size {
		return errors.New("entry count mismatch").
			WithType(ErrTypeIndexCorruption).
			WithTag("counted", count).
			WithTag("size", t.size)
	}
	return nil
}

func (t *RTree[T]) check(n *node[T], depth int, leafDepth *int) (int, error) {
	if n.count() > t.maxEntries {
		return 0, errors.New("node overflow").
			WithType(ErrTypeIndexCorruption).
			WithTag("depth", depth).
			WithTag("count", n.count())
	}

	if n.box != n.computeBox() {
		return 0, errors.New("node box is not the minimal box of its children").
			WithType(ErrTypeIndexCorruption).
			WithTag("depth", depth).
			WithTag("box", n.box)
	}

	if n.leaf {
		if *leafDepth == -1 {
			*leafDepth = depth
		} else if *leafDepth != depth {
			return 0, errors.New("leaves at different depths").
				WithType(ErrTypeIndexCorruption).
				WithTag("depth", depth).
				WithTag("leaf_depth", *leafDepth)
		}

		for _, e := range n.entries {
			if !e.Box.Valid() || !n.box.Contains(e.Box) {
				return 0, errors.New("invalid leaf entry").
					WithType(ErrTypeIndexCorruption).
					WithTag("box", e.Box)
			}
		}
		return len(n.entries), nil
	}

	total := 0
	for _, c := range n.children {
		if !n.box.Contains(c.box) {
			return 0, errors.New("child box escapes its parent").
				WithType(ErrTypeIndexCorruption).
				WithTag("depth", depth)
		}

		count, err := t.check(c, depth+1, leafDepth)
		if err != nil {
			return 0, err
		}
		total += count
	}
	return total, nil
}

func checkBox(box Box) error {
	if !box.Valid() {
		return errors.New("invalid bounding box").
			WithType(ErrTypeIndexCorruption).
			WithTag("min", box.Min).
			WithTag("max", box.Max)
	}
	return nil
}
