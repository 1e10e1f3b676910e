package provider

import (
	"context"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/sectorcache/models"
	"golang.org/x/time/rate"
)

// WithRateLimit returns a source that keeps the fetched bytes under the
// given number of bytes per second. Fetches are delayed, never dropped.
func WithRateLimit(s Source, bytesPerSecond int) Source {
	return &sourceWithRateLimit{
		Source:  s,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond),
	}
}

type sourceWithRateLimit struct {
	Source
	limiter *rate.Limiter
}

func (s *sourceWithRateLimit) GetCadSectorFile(ctx context.Context, blobID, sectorPath string) ([]byte, error) {
	b, err := s.Source.GetCadSectorFile(ctx, blobID, sectorPath)
	if err != nil {
		return nil, err
	}

	burst := s.limiter.Burst()
	for n := len(b); n > 0; n -= burst {
		if err := s.limiter.WaitN(ctx, min(n, burst)); err != nil {
			return nil, errors.New("waiting for bandwidth failed").
				WithType(models.ErrTypeNetwork).
				WithTag("blob_id", blobID).
				WithTag("sector_path", sectorPath).
				Wrap(err)
		}
	}
	return b, nil
}
