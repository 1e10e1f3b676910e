package models

import (
	"fmt"
	"slices"
	"strings"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/sectorcache/spatial"
)

// CacheKey identifies a sector of a model at a given level of detail.
type CacheKey struct {
	ModelID string `json:"model_id"`
	Path    string `json:"path"`
	LOD     int    `json:"lod"`
}

func (k CacheKey) IsZero() bool {
	return k == CacheKey{}
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%s/%s@%d", k.ModelID, k.Path, k.LOD)
}

// Compare orders keys by model, LOD and path.
func (k CacheKey) Compare(o CacheKey) int {
	if c := strings.Compare(k.ModelID, o.ModelID); c != 0 {
		return c
	}
	if k.LOD != o.LOD {
		if k.LOD < o.LOD {
			return -1
		}
		return 1
	}
	return strings.Compare(k.Path, o.Path)
}

// Sector is a spatially bounded level of detail chunk of a model. Higher LOD
// values mean more detail. Parent and children are referenced by key, the
// sectors themselves live in a SectorTree.
type Sector struct {
	Key    CacheKey
	BlobID string
	Box    spatial.Box

	Parent   CacheKey
	Children []CacheKey

	// Hex encoded keccak256 of the payload. Empty when unknown.
	Checksum      string
	EstimatedSize int
}

func (s Sector) IsRoot() bool {
	return s.Parent.IsZero()
}

// SectorTree is an arena of sectors indexed by key, where parent and children
// links are key references.
//
// A SectorTree is not safe for concurrent use.
type SectorTree struct {
	sectors map[CacheKey]Sector
	models  map[string]map[string]CacheKey
}

func NewSectorTree() *SectorTree {
	return &SectorTree{
		sectors: make(map[CacheKey]Sector),
		models:  make(map[string]map[string]CacheKey),
	}
}

// Add adds a sector to the tree and links it to its parent. The parent must
// have been added before and have a lower LOD.
func (t *SectorTree) Add(s Sector) error {
	if _, ok := t.models[s.Key.ModelID][s.Key.Path]; ok {
		return errors.New("sector already added").
			WithType(ErrTypeInvalidMetadata).
			WithTag("sector", s.Key)
	}

	if !s.Box.Valid() {
		return errors.New("invalid sector bounding box").
			WithType(ErrTypeInvalidMetadata).
			WithTag("sector", s.Key).
			WithTag("box", s.Box)
	}

	if !s.IsRoot() {
		parent, ok := t.sectors[s.Parent]
		if !ok {
			return errors.New("sector parent not found").
				WithType(ErrTypeInvalidMetadata).
				WithTag("sector", s.Key).
				WithTag("parent", s.Parent)
		}
		if parent.Key.LOD >= s.Key.LOD || parent.Key.ModelID != s.Key.ModelID {
			return errors.New("sector parent is not a coarser sector of the same model").
				WithType(ErrTypeInvalidMetadata).
				WithTag("sector", s.Key).
				WithTag("parent", s.Parent)
		}

		parent.Children = append(parent.Children, s.Key)
		t.sectors[parent.Key] = parent
	}

	s.Children = nil
	t.sectors[s.Key] = s

	paths, ok := t.models[s.Key.ModelID]
	if !ok {
		paths = make(map[string]CacheKey)
		t.models[s.Key.ModelID] = paths
	}
	paths[s.Key.Path] = s.Key

	instrumentSectorCount(s.Key.ModelID, 1)
	return nil
}

func (t *SectorTree) Get(k CacheKey) (Sector, bool) {
	s, ok := t.sectors[k]
	return s, ok
}

// Lookup returns the key of the sector with the given path.
func (t *SectorTree) Lookup(modelID, path string) (CacheKey, bool) {
	k, ok := t.models[modelID][path]
	return k, ok
}

func (t *SectorTree) Parent(k CacheKey) (Sector, bool) {
	s, ok := t.sectors[k]
	if !ok || s.IsRoot() {
		return Sector{}, false
	}
	return t.Get(s.Parent)
}

func (t *SectorTree) Children(k CacheKey) []Sector {
	s := t.sectors[k]

	children := make([]Sector, 0, len(s.Children))
	for _, c := range s.Children {
		children = append(children, t.sectors[c])
	}
	return children
}

// Ancestors returns the keys of the sectors containing the given one, nearest
// first.
func (t *SectorTree) Ancestors(k CacheKey) []CacheKey {
	var ancestors []CacheKey
	for {
		s, ok := t.sectors[k]
		if !ok || s.IsRoot() {
			return ancestors
		}
		ancestors = append(ancestors, s.Parent)
		k = s.Parent
	}
}

func (t *SectorTree) HasModel(modelID string) bool {
	_, ok := t.models[modelID]
	return ok
}

// Model returns the sectors of a model ordered by key.
func (t *SectorTree) Model(modelID string) []Sector {
	paths := t.models[modelID]

	sectors := make([]Sector, 0, len(paths))
	for _, k := range paths {
		sectors = append(sectors, t.sectors[k])
	}
	slices.SortFunc(sectors, func(a, b Sector) int {
		return a.Key.Compare(b.Key)
	})
	return sectors
}

// RemoveModel removes the sectors of a model and returns them.
func (t *SectorTree) RemoveModel(modelID string) []Sector {
	sectors := t.Model(modelID)
	for _, s := range sectors {
		delete(t.sectors, s.Key)
	}
	delete(t.models, modelID)

	instrumentSectorCount(modelID, -len(sectors))
	return sectors
}

func (t *SectorTree) Len() int {
	return len(t.sectors)
}
