package provider

import (
	"context"
	"database/sql"
	stderrors "errors"
	"os"
	"path/filepath"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	_ "modernc.org/sqlite"
)

// DiskCache is a sqlite blob store keeping fetched sectors across restarts.
type DiskCache struct {
	db      *sql.DB
	maxSize int64
}

// OpenDiskCache opens or creates the disk cache at the given path. When
// maxSize is positive, the least recently accessed blobs are pruned to keep
// the stored payloads under maxSize bytes.
func OpenDiskCache(path string, maxSize int64) (*DiskCache, error) {
	if path == "" {
		return nil, errors.New("empty disk cache path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.New("creating disk cache directory failed").
			WithTag("path", path).
			Wrap(err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.New("opening disk cache failed").
			WithTag("path", path).
			Wrap(err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
		`CREATE TABLE IF NOT EXISTS sectors (
			blob_id TEXT NOT NULL,
			sector_path TEXT NOT NULL,
			payload BLOB NOT NULL,
			size INTEGER NOT NULL,
			accessed_at INTEGER NOT NULL,
			PRIMARY KEY (blob_id, sector_path)
		);`,
		`CREATE INDEX IF NOT EXISTS sectors_accessed_at ON sectors (accessed_at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, errors.New("initializing disk cache failed").
				WithTag("path", path).
				Wrap(err)
		}
	}

	return &DiskCache{
		db:      db,
		maxSize: maxSize,
	}, nil
}

// Get returns the stored payload of a sector.
func (c *DiskCache) Get(ctx context.Context, blobID, sectorPath string) ([]byte, bool, error) {
	var payload []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT payload FROM sectors WHERE blob_id = ? AND sector_path = ?`,
		blobID, sectorPath,
	).Scan(&payload)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.New("reading disk cache failed").Wrap(err)
	}

	if _, err := c.db.ExecContext(ctx,
		`UPDATE sectors SET accessed_at = ? WHERE blob_id = ? AND sector_path = ?`,
		time.Now().UnixNano(), blobID, sectorPath,
	); err != nil {
		return nil, false, errors.New("updating disk cache access time failed").Wrap(err)
	}
	return payload, true, nil
}

// Put stores the payload of a sector and prunes the cache when it grows over
// its maximum size.
func (c *DiskCache) Put(ctx context.Context, blobID, sectorPath string, payload []byte) error {
	if _, err := c.db.ExecContext(ctx,
		`INSERT INTO sectors (blob_id, sector_path, payload, size, accessed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (blob_id, sector_path) DO UPDATE SET
			payload = excluded.payload,
			size = excluded.size,
			accessed_at = excluded.accessed_at`,
		blobID, sectorPath, payload, len(payload), time.Now().UnixNano(),
	); err != nil {
		return errors.New("writing disk cache failed").Wrap(err)
	}

	if c.maxSize <= 0 {
		return nil
	}
	return c.prune(ctx)
}

func (c *DiskCache) prune(ctx context.Context) error {
	size, err := c.Size(ctx)
	if err != nil {
		return err
	}

	for size > c.maxSize {
		var blobID, sectorPath string
		var entrySize int64
		err := c.db.QueryRowContext(ctx,
			`SELECT blob_id, sector_path, size FROM sectors ORDER BY accessed_at ASC LIMIT 1`,
		).Scan(&blobID, &sectorPath, &entrySize)
		if err != nil {
			return errors.New("selecting disk cache entry to prune failed").Wrap(err)
		}

		if _, err := c.db.ExecContext(ctx,
			`DELETE FROM sectors WHERE blob_id = ? AND sector_path = ?`,
			blobID, sectorPath,
		); err != nil {
			return errors.New("pruning disk cache failed").Wrap(err)
		}
		size -= entrySize
	}
	return nil
}

// Size returns the sum of the stored payload sizes.
func (c *DiskCache) Size(ctx context.Context) (int64, error) {
	var size int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM sectors`,
	).Scan(&size)
	if err != nil {
		return 0, errors.New("reading disk cache size failed").Wrap(err)
	}
	return size, nil
}

func (c *DiskCache) Close() error {
	return c.db.Close()
}

// WithDiskCache returns a source that serves sectors from the given disk
// cache when present and stores the ones it fetches. Disk cache failures are
// logged and do not fail the fetch.
func WithDiskCache(s Source, c *DiskCache) Source {
	return &sourceWithDiskCache{
		Source: s,
		cache:  c,
	}
}

type sourceWithDiskCache struct {
	Source
	cache *DiskCache
}

func (s *sourceWithDiskCache) GetCadSectorFile(ctx context.Context, blobID, sectorPath string) ([]byte, error) {
	b, ok, err := s.cache.Get(ctx, blobID, sectorPath)
	if err != nil {
		logs.WithTag("blob_id", blobID).
			WithTag("sector_path", sectorPath).
			Warn(err)
	}
	if ok {
		return b, nil
	}

	b, err = s.Source.GetCadSectorFile(ctx, blobID, sectorPath)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Put(ctx, blobID, sectorPath, b); err != nil {
		logs.WithTag("blob_id", blobID).
			WithTag("sector_path", sectorPath).
			Warn(err)
	}
	return b, nil
}
