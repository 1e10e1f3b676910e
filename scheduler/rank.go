package scheduler

import (
	"cmp"
	"slices"

	"github.com/aukilabs/sectorcache/models"
	"github.com/aukilabs/sectorcache/spatial"
)

type candidate struct {
	key      models.CacheKey
	distance float64
	cost     float64
}

// rankCandidates returns the sectors of the index intersecting the camera
// priority volume at a wanted level of detail, cheapest first.
//
// Equal costs go to the coarser sector, then to the lowest key, so that the
// ranking only depends on the camera and the indexed sectors.
func rankCandidates(index *spatial.RTree[models.CacheKey], tree *models.SectorTree, camera models.Camera, policy Policy) []candidate {
	var candidates []candidate

	for e := range index.Query(camera.PriorityVolume) {
		sector, ok := tree.Get(e.Value)
		if !ok {
			continue
		}

		distance := sector.Box.DistanceTo(camera.Position)
		if sector.Key.LOD > policy.WantedLOD(distance) {
			continue
		}

		candidates = append(candidates, candidate{
			key:      sector.Key,
			distance: distance,
			cost:     policy.Cost(distance, sector.Key.LOD),
		})
	}

	slices.SortFunc(candidates, func(a, b candidate) int {
		if c := cmp.Compare(a.cost, b.cost); c != 0 {
			return c
		}
		if c := cmp.Compare(a.key.LOD, b.key.LOD); c != 0 {
			return c
		}
		return a.key.Compare(b.key)
	})
	return candidates
}
