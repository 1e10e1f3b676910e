package provider

import (
	"context"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/sectorcache/models"
)

// SectorProvider fetches the raw payload of a sector.
//
// Errors are typed with models.ErrTypeNetwork when the fetch can be retried
// and models.ErrTypeNotFound when the sector does not exist.
type SectorProvider interface {
	GetCadSectorFile(ctx context.Context, blobID, sectorPath string) ([]byte, error)
}

// MetadataRepository loads the structure of a model.
type MetadataRepository interface {
	LoadData(ctx context.Context, modelID string) (models.SceneMetadata, error)
}

// Source is a backend serving both the model metadata and the sectors.
type Source interface {
	SectorProvider
	MetadataRepository
}

// SectorProviderFunc is an adapter to use ordinary functions as sector
// providers.
type SectorProviderFunc func(ctx context.Context, blobID, sectorPath string) ([]byte, error)

func (f SectorProviderFunc) GetCadSectorFile(ctx context.Context, blobID, sectorPath string) ([]byte, error) {
	return f(ctx, blobID, sectorPath)
}

// MetadataFile is the name of the scene metadata object stored next to the
// sectors of a model.
const MetadataFile = "scene.json"

func newNetworkError(msg string, blobID, sectorPath string, err error) error {
	return errors.New(msg).
		WithType(models.ErrTypeNetwork).
		WithTag("blob_id", blobID).
		WithTag("sector_path", sectorPath).
		Wrap(err)
}

func newNotFoundError(blobID, sectorPath string) error {
	return errors.New("sector not found").
		WithType(models.ErrTypeNotFound).
		WithTag("blob_id", blobID).
		WithTag("sector_path", sectorPath)
}
