package provider

import (
	"context"
	"strings"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/sectorcache/models"
	"github.com/ethereum/go-ethereum/crypto"
)

// Checksum returns the hex encoded keccak256 of a payload.
func Checksum(b []byte) string {
	return strings.TrimPrefix(crypto.Keccak256Hash(b).Hex(), "0x")
}

// WithChecksums returns a source that verifies fetched sectors against the
// checksums listed in the scene metadata it loaded. Sectors without a known
// checksum are not verified.
func WithChecksums(s Source) Source {
	return &sourceWithChecksums{
		Source:    s,
		checksums: make(map[string]string),
	}
}

type sourceWithChecksums struct {
	Source

	mutex     sync.RWMutex
	checksums map[string]string
}

func (s *sourceWithChecksums) LoadData(ctx context.Context, modelID string) (models.SceneMetadata, error) {
	scene, err := s.Source.LoadData(ctx, modelID)
	if err != nil {
		return scene, err
	}

	blobID := scene.BlobID
	if blobID == "" {
		blobID = scene.ModelID
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, sector := range scene.Sectors {
		if sector.Checksum == "" {
			continue
		}
		s.checksums[checksumKey(blobID, sector.Path)] = normalizeChecksum(sector.Checksum)
	}
	return scene, nil
}

func (s *sourceWithChecksums) GetCadSectorFile(ctx context.Context, blobID, sectorPath string) ([]byte, error) {
	b, err := s.Source.GetCadSectorFile(ctx, blobID, sectorPath)
	if err != nil {
		return nil, err
	}

	s.mutex.RLock()
	expected, ok := s.checksums[checksumKey(blobID, sectorPath)]
	s.mutex.RUnlock()

	if !ok {
		return b, nil
	}

	if actual := Checksum(b); actual != expected {
		return nil, errors.New("sector checksum mismatch").
			WithType(models.ErrTypeChecksumMismatch).
			WithTag("blob_id", blobID).
			WithTag("sector_path", sectorPath).
			WithTag("expected", expected).
			WithTag("actual", actual)
	}
	return b, nil
}

func checksumKey(blobID, sectorPath string) string {
	return blobID + "/" + sectorPath
}

func normalizeChecksum(c string) string {
	return strings.ToLower(strings.TrimPrefix(c, "0x"))
}
