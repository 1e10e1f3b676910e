package models

import "github.com/aukilabs/sectorcache/spatial"

// Camera is the viewer state supplied on each update.
type Camera struct {
	Position spatial.Vec3 `json:"position"`

	// The volume in which sectors are wanted.
	PriorityVolume spatial.Box `json:"priority_volume"`

	// The region the camera is looking at. Sectors intersecting it are kept
	// even when the cache is over capacity.
	Target spatial.Box `json:"target"`
}

// TargetRegion returns the camera target, or a point box at the camera
// position when no target is set.
func (c Camera) TargetRegion() spatial.Box {
	if c.Target.Valid() && c.Target != (spatial.Box{}) {
		return c.Target
	}
	return spatial.NewBox(c.Position, c.Position)
}
