package models

import (
	"slices"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/sectorcache/spatial"
)

// SceneMetadata is the structure of a model, loaded once before any of its
// sectors can be requested.
type SceneMetadata struct {
	ModelID string `json:"model_id"`
	BlobID  string `json:"blob_id"`

	// Column-major model to world matrix. The zero value is the identity.
	Transform Transform `json:"transform"`

	Sectors []SectorMetadata `json:"sectors"`
}

type SectorMetadata struct {
	Path          string       `json:"path"`
	Parent        string       `json:"parent,omitempty"`
	LOD           int          `json:"lod"`
	Min           spatial.Vec3 `json:"min"`
	Max           spatial.Vec3 `json:"max"`
	Checksum      string       `json:"checksum,omitempty"`
	EstimatedSize int          `json:"estimated_size,omitempty"`
}

// Tree adds the sectors described by the metadata to the given tree. Boxes
// are moved to world space with the metadata transform.
//
// The tree is left untouched when the metadata is invalid.
func (m SceneMetadata) Tree(tree *SectorTree) error {
	if m.ModelID == "" {
		return errors.New("missing model id").WithType(ErrTypeInvalidMetadata)
	}
	if tree.HasModel(m.ModelID) {
		return errors.New("model already loaded").
			WithType(ErrTypeInvalidMetadata).
			WithTag("model_id", m.ModelID)
	}

	blobID := m.BlobID
	if blobID == "" {
		blobID = m.ModelID
	}

	sectors := slices.Clone(m.Sectors)
	slices.SortStableFunc(sectors, func(a, b SectorMetadata) int {
		return a.LOD - b.LOD
	})

	lods := make(map[string]int, len(sectors))
	for _, s := range sectors {
		lods[s.Path] = s.LOD
	}

	for _, s := range sectors {
		sector := Sector{
			Key: CacheKey{
				ModelID: m.ModelID,
				Path:    s.Path,
				LOD:     s.LOD,
			},
			BlobID:        blobID,
			Box:           m.Transform.ApplyBox(spatial.NewBox(s.Min, s.Max)),
			Checksum:      s.Checksum,
			EstimatedSize: s.EstimatedSize,
		}

		if s.Parent != "" {
			lod, ok := lods[s.Parent]
			if !ok {
				tree.RemoveModel(m.ModelID)
				return errors.New("sector parent not found").
					WithType(ErrTypeInvalidMetadata).
					WithTag("model_id", m.ModelID).
					WithTag("path", s.Path).
					WithTag("parent", s.Parent)
			}

			sector.Parent = CacheKey{
				ModelID: m.ModelID,
				Path:    s.Parent,
				LOD:     lod,
			}
		}

		if err := tree.Add(sector); err != nil {
			tree.RemoveModel(m.ModelID)
			return errors.New("adding sector failed").
				WithType(ErrTypeInvalidMetadata).
				WithTag("model_id", m.ModelID).
				Wrap(err)
		}
	}

	instrumentCountModelLoad(m.ModelID)
	return nil
}

// Transform is a column-major 4x4 affine matrix.
type Transform [16]float64

func IdentityTransform() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

func (t Transform) IsZero() bool {
	return t == Transform{}
}

func (t Transform) Apply(v spatial.Vec3) spatial.Vec3 {
	if t.IsZero() {
		return v
	}

	return spatial.Vec3{
		X: t[0]*v.X + t[4]*v.Y + t[8]*v.Z + t[12],
		Y: t[1]*v.X + t[5]*v.Y + t[9]*v.Z + t[13],
		Z: t[2]*v.X + t[6]*v.Y + t[10]*v.Z + t[14],
	}
}

// ApplyBox returns the axis-aligned box containing the transformed corners of
// the given box.
func (t Transform) ApplyBox(b spatial.Box) spatial.Box {
	if t.IsZero() || !b.Valid() {
		return b
	}

	res := spatial.EmptyBox()
	for i := 0; i < 8; i++ {
		corner := b.Min
		if i&1 != 0 {
			corner.X = b.Max.X
		}
		if i&2 != 0 {
			corner.Y = b.Max.Y
		}
		if i&4 != 0 {
			corner.Z = b.Max.Z
		}

		p := t.Apply(corner)
		res = res.Union(spatial.NewBox(p, p))
	}
	return res
}
