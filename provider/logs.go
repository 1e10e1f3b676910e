package provider

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/sectorcache/models"
)

// WithLogs returns a source that logs the fetches performed by the given one.
func WithLogs(s Source) Source {
	return &sourceWithLogs{Source: s}
}

type sourceWithLogs struct {
	Source
}

func (s *sourceWithLogs) GetCadSectorFile(ctx context.Context, blobID, sectorPath string) ([]byte, error) {
	start := time.Now()
	b, err := s.Source.GetCadSectorFile(ctx, blobID, sectorPath)
	duration := time.Since(start)

	if err != nil {
		entry := logs.WithTag("blob_id", blobID).
			WithTag("sector_path", sectorPath).
			WithTag("duration", duration.String())

		if errors.IsType(err, models.ErrTypeNotFound) {
			entry.Debug(err)
		} else {
			entry.Warn(err)
		}
		return nil, err
	}

	logs.WithTag("blob_id", blobID).
		WithTag("sector_path", sectorPath).
		WithTag("size", len(b)).
		WithTag("duration", duration.String()).
		Debug("sector fetched")
	return b, nil
}

func (s *sourceWithLogs) LoadData(ctx context.Context, modelID string) (models.SceneMetadata, error) {
	scene, err := s.Source.LoadData(ctx, modelID)
	if err != nil {
		logs.WithTag("model_id", modelID).Warn(err)
		return scene, err
	}

	logs.WithTag("model_id", modelID).
		WithTag("blob_id", scene.BlobID).
		WithTag("sectors", len(scene.Sectors)).
		Info("scene metadata loaded")
	return scene, nil
}
