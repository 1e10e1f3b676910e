package models

import (
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/sectorcache/spatial"
	"github.com/stretchr/testify/require"
)

func box(x, y, z, size float64) spatial.Box {
	return spatial.NewBox(
		spatial.Vec3{X: x, Y: y, Z: z},
		spatial.Vec3{X: x + size, Y: y + size, Z: z + size},
	)
}

func testScene() SceneMetadata {
	return SceneMetadata{
		ModelID: "model",
		BlobID:  "blob",
		Sectors: []SectorMetadata{
			{Path: "0/1", Parent: "0", LOD: 1, Min: spatial.Vec3{}, Max: spatial.Vec3{X: 1, Y: 1, Z: 1}},
			{Path: "0", LOD: 0, Min: spatial.Vec3{}, Max: spatial.Vec3{X: 2, Y: 2, Z: 2}},
			{Path: "0/2", Parent: "0", LOD: 1, Min: spatial.Vec3{X: 1}, Max: spatial.Vec3{X: 2, Y: 1, Z: 1}},
			{Path: "0/1/1", Parent: "0/1", LOD: 2, Min: spatial.Vec3{}, Max: spatial.Vec3{X: 0.5, Y: 0.5, Z: 0.5}},
		},
	}
}

func TestCacheKey(t *testing.T) {
	k := CacheKey{ModelID: "model", Path: "0/1", LOD: 1}

	require.Equal(t, "model/0/1@1", k.String())
	require.False(t, k.IsZero())
	require.True(t, CacheKey{}.IsZero())

	require.Negative(t, CacheKey{ModelID: "a", LOD: 2}.Compare(CacheKey{ModelID: "b"}))
	require.Negative(t, CacheKey{ModelID: "a", Path: "z", LOD: 0}.Compare(CacheKey{ModelID: "a", Path: "a", LOD: 1}))
	require.Positive(t, CacheKey{ModelID: "a", Path: "b"}.Compare(CacheKey{ModelID: "a", Path: "a"}))
	require.Zero(t, k.Compare(k))
}

func TestSceneMetadataTree(t *testing.T) {
	t.Run("builds the lod tree", func(t *testing.T) {
		tree := NewSectorTree()
		require.NoError(t, testScene().Tree(tree))
		require.Equal(t, 4, tree.Len())

		root, ok := tree.Lookup("model", "0")
		require.True(t, ok)

		s, ok := tree.Get(root)
		require.True(t, ok)
		require.True(t, s.IsRoot())
		require.Equal(t, "blob", s.BlobID)
		require.Len(t, tree.Children(root), 2)

		leaf, ok := tree.Lookup("model", "0/1/1")
		require.True(t, ok)
		require.Equal(t, 2, leaf.LOD)
		require.Equal(t, []CacheKey{
			{ModelID: "model", Path: "0/1", LOD: 1},
			root,
		}, tree.Ancestors(leaf))

		parent, ok := tree.Parent(leaf)
		require.True(t, ok)
		require.Equal(t, "0/1", parent.Key.Path)

		_, ok = tree.Parent(root)
		require.False(t, ok)
	})

	t.Run("blob id defaults to the model id", func(t *testing.T) {
		scene := testScene()
		scene.BlobID = ""

		tree := NewSectorTree()
		require.NoError(t, scene.Tree(tree))
		for _, s := range tree.Model("model") {
			require.Equal(t, "model", s.BlobID)
		}
	})

	t.Run("applies the transform", func(t *testing.T) {
		scene := testScene()
		scene.Transform = IdentityTransform()
		scene.Transform[12] = 10

		tree := NewSectorTree()
		require.NoError(t, scene.Tree(tree))

		s, _ := tree.Get(CacheKey{ModelID: "model", Path: "0", LOD: 0})
		require.Equal(t, box(10, 0, 0, 2), s.Box)
	})

	t.Run("missing parent", func(t *testing.T) {
		scene := testScene()
		scene.Sectors = append(scene.Sectors, SectorMetadata{
			Path: "9/1", Parent: "9", LOD: 1, Max: spatial.Vec3{X: 1, Y: 1, Z: 1},
		})

		tree := NewSectorTree()
		err := scene.Tree(tree)
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeInvalidMetadata))
		require.Zero(t, tree.Len())
		require.False(t, tree.HasModel("model"))
	})

	t.Run("parent with a finer lod", func(t *testing.T) {
		scene := testScene()
		scene.Sectors[0].LOD = 0

		err := scene.Tree(NewSectorTree())
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeInvalidMetadata))
	})

	t.Run("invalid box", func(t *testing.T) {
		scene := testScene()
		scene.Sectors[1].Min = spatial.Vec3{X: 3}

		err := scene.Tree(NewSectorTree())
		require.Error(t, err)
	})

	t.Run("model loaded twice", func(t *testing.T) {
		tree := NewSectorTree()
		require.NoError(t, testScene().Tree(tree))

		err := testScene().Tree(tree)
		require.Error(t, err)
		require.Equal(t, 4, tree.Len())
	})
}

func TestSectorTreeRemoveModel(t *testing.T) {
	tree := NewSectorTree()
	require.NoError(t, testScene().Tree(tree))

	other := testScene()
	other.ModelID = "other"
	require.NoError(t, other.Tree(tree))
	require.Equal(t, 8, tree.Len())

	removed := tree.RemoveModel("model")
	require.Len(t, removed, 4)
	require.Equal(t, "0", removed[0].Key.Path)
	require.Equal(t, 4, tree.Len())
	require.False(t, tree.HasModel("model"))
	require.Len(t, tree.Model("other"), 4)
}

func TestTransformApplyBox(t *testing.T) {
	// Rotation of 90 degrees around Z.
	rot := Transform{
		0, 1, 0, 0,
		-1, 0, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}

	b := rot.ApplyBox(spatial.NewBox(spatial.Vec3{}, spatial.Vec3{X: 2, Y: 1, Z: 1}))
	require.Equal(t, spatial.NewBox(spatial.Vec3{X: -1}, spatial.Vec3{X: 0, Y: 2, Z: 1}), b)

	require.Equal(t, box(1, 2, 3, 1), Transform{}.ApplyBox(box(1, 2, 3, 1)))
}

func TestCameraTargetRegion(t *testing.T) {
	c := Camera{Position: spatial.Vec3{X: 1, Y: 2, Z: 3}}
	require.Equal(t, spatial.NewBox(c.Position, c.Position), c.TargetRegion())

	c.Target = box(0, 0, 0, 1)
	require.Equal(t, box(0, 0, 0, 1), c.TargetRegion())
}

func TestIsRetryable(t *testing.T) {
	require.True(t, IsRetryable(errors.New("timeout").WithType(ErrTypeNetwork)))
	require.True(t, IsRetryable(errors.New("bad sum").WithType(ErrTypeChecksumMismatch)))
	require.False(t, IsRetryable(errors.New("missing").WithType(ErrTypeNotFound)))
	require.False(t, IsRetryable(nil))
}
