package spatial

import "iter"

type DebugInfo struct {
	Height     int    `json:"height"`
	NodeCount  int    `json:"node_count"`
	EntryCount int    `json:"entry_count"`
	MergeCount uint32 `json:"merge_count"`

	// Nil when the index is empty.
	Bounds *Box `json:"bounds,omitempty"`
}

// Index is the interface that describes a spatial index over bounding boxes.
type Index[T any] interface {
	Insert(box Box, value T) error
	Query(box Box) iter.Seq[Entry[T]]
	Boxes() []Box
	AddBoxes(entries []Entry[T], merge MergeFunc[T]) error
	Len() int

	// debug stuff:
	DebugInfo() DebugInfo
}

var _ Index[struct{}] = (*RTree[struct{}])(nil)

func (t *RTree[T]) DebugInfo() DebugInfo {
	info := DebugInfo{
		Height:     t.Height(),
		EntryCount: t.size,
		MergeCount: t.MergeCount,
	}
	if bounds := t.Bounds(); !bounds.IsEmpty() {
		info.Bounds = &bounds
	}

	var countNodes func(n *node[T])
	countNodes = func(n *node[T]) {
		info.NodeCount++
		for _, c := range n.children {
			countNodes(c)
		}
	}
	if t.root != nil {
		countNodes(t.root)
	}
	return info
}
