package provider

import (
	"bytes"
	"context"
	stderrors "errors"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/sectorcache/models"
	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// WithDecompression returns a source that transparently decompresses zstd
// compressed sectors. Payloads without the zstd magic number are returned
// as is. Decompressed sectors larger than maxSize are rejected without being
// fully decoded. No limit when maxSize is 0.
func WithDecompression(s Source, maxSize int) (Source, error) {
	options := []zstd.DOption{zstd.WithDecoderConcurrency(0)}
	if maxSize > 0 {
		options = append(options, zstd.WithDecoderMaxMemory(uint64(maxSize)))
	}

	decoder, err := zstd.NewReader(nil, options...)
	if err != nil {
		return nil, errors.New("creating zstd decoder failed").
			WithTag("max_size", maxSize).
			Wrap(err)
	}

	return &sourceWithDecompression{
		Source:  s,
		decoder: decoder,
		maxSize: maxSize,
	}, nil
}

type sourceWithDecompression struct {
	Source

	// Safe for concurrent DecodeAll calls.
	decoder *zstd.Decoder
	maxSize int
}

func (s *sourceWithDecompression) GetCadSectorFile(ctx context.Context, blobID, sectorPath string) ([]byte, error) {
	b, err := s.Source.GetCadSectorFile(ctx, blobID, sectorPath)
	if err != nil {
		return nil, err
	}
	if !IsCompressed(b) {
		return b, nil
	}

	out, err := s.decoder.DecodeAll(b, nil)
	if stderrors.Is(err, zstd.ErrDecoderSizeExceeded) ||
		(err == nil && s.maxSize > 0 && len(out) > s.maxSize) {
		return nil, s.tooLargeError(blobID, sectorPath)
	}
	if err != nil {
		return nil, errors.New("decompressing sector failed").
			WithType(models.ErrTypeNetwork).
			WithTag("blob_id", blobID).
			WithTag("sector_path", sectorPath).
			Wrap(err)
	}
	return out, nil
}

func (s *sourceWithDecompression) tooLargeError(blobID, sectorPath string) error {
	return errors.New("decompressed sector too large").
		WithType(models.ErrTypeNotFound).
		WithTag("blob_id", blobID).
		WithTag("sector_path", sectorPath).
		WithTag("max_size", s.maxSize)
}

func IsCompressed(b []byte) bool {
	return bytes.HasPrefix(b, zstdMagic)
}

// Compress compresses a sector payload with zstd.
func Compress(b []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer enc.Close()

	return enc.EncodeAll(b, nil), nil
}
