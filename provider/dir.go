package provider

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aukilabs/sectorcache/models"
)

// DirProvider serves sectors and metadata from a local directory laid out
// like the HTTP blob server: {root}/{blob id}/{sector path}.
type DirProvider struct {
	Root string
}

func (p DirProvider) GetCadSectorFile(ctx context.Context, blobID, sectorPath string) ([]byte, error) {
	return p.read(ctx, blobID, sectorPath)
}

func (p DirProvider) LoadData(ctx context.Context, modelID string) (models.SceneMetadata, error) {
	b, err := p.read(ctx, modelID, MetadataFile)
	if err != nil {
		return models.SceneMetadata{}, err
	}
	return DecodeMetadata(modelID, b)
}

func (p DirProvider) read(ctx context.Context, blobID, sectorPath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, newNetworkError("reading sector canceled", blobID, sectorPath, err)
	}

	name := filepath.Join(p.Root, blobID, filepath.FromSlash(sectorPath))
	if rel, err := filepath.Rel(p.Root, name); err != nil || strings.HasPrefix(rel, "..") {
		return nil, newNotFoundError(blobID, sectorPath)
	}

	b, err := os.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, newNotFoundError(blobID, sectorPath)
	}
	if err != nil {
		return nil, newNetworkError("reading sector file failed", blobID, sectorPath, err)
	}
	return b, nil
}
