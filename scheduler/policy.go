package scheduler

import (
	"math"
	"os"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Policy is the loading policy of a scheduler.
type Policy struct {
	// The maximum number of fetches in flight.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`

	// The cache capacity in bytes.
	CacheCapacity int `yaml:"cache_capacity"`

	// The size in bytes the cache can grow to to keep sectors the camera is
	// looking at. Defaults to twice the capacity.
	CacheHardLimit int `yaml:"cache_hard_limit"`

	// The maximum camera distance of each refined level of detail: LOD n is
	// wanted at the distances below LODDistances[n-1]. LOD 0 is always
	// wanted.
	LODDistances []float64 `yaml:"lod_distances"`

	// How much each level of detail increases the ranking cost of a sector.
	LODGapWeight float64 `yaml:"lod_gap_weight"`

	// The maximum number of fetch attempts of a sector, the first one
	// included.
	MaxAttempts int `yaml:"max_attempts"`

	// The delay before the first retry. It doubles at each attempt.
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`

	// The number of updates between two cache cleanups. The cache is also
	// cleaned when it is full.
	CleanInterval int `yaml:"clean_interval"`

	// The maximum number of entries evicted by a cleanup.
	CleanBatch int `yaml:"clean_batch"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxConcurrentRequests: 8,
		CacheCapacity:         256 << 20,
		LODDistances:          []float64{200, 100, 50, 25},
		LODGapWeight:          0.5,
		MaxAttempts:           3,
		RetryBackoff:          500 * time.Millisecond,
		MaxRetryBackoff:       10 * time.Second,
		CleanInterval:         30,
		CleanBatch:            16,
	}
}

// LoadPolicy reads a YAML policy file. Fields missing from the file keep
// their default value.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()

	raw, err := os.ReadFile(path)
	if err != nil {
		return p, errors.New("reading policy file failed").
			WithTag("path", path).
			Wrap(err)
	}

	if err := yaml.Unmarshal(raw, &p); err != nil {
		return p, errors.New("decoding policy file failed").
			WithTag("path", path).
			Wrap(err)
	}

	if err := p.Validate(); err != nil {
		return p, errors.New("invalid policy file").
			WithTag("path", path).
			Wrap(err)
	}
	return p, nil
}

func (p Policy) Validate() error {
	switch {
	case p.MaxConcurrentRequests <= 0:
		return errors.New("max concurrent requests must be positive")

	case p.CacheCapacity <= 0:
		return errors.New("cache capacity must be positive")

	case p.CacheHardLimit != 0 && p.CacheHardLimit < p.CacheCapacity:
		return errors.New("cache hard limit is lower than the cache capacity")

	case p.MaxAttempts <= 0:
		return errors.New("max attempts must be positive")

	case p.LODGapWeight < 0:
		return errors.New("lod gap weight must not be negative")

	case p.CleanBatch < 0 || p.CleanInterval < 0:
		return errors.New("cache cleanup settings must not be negative")
	}
	return nil
}

// WantedLOD returns the finest level of detail wanted at the given camera
// distance.
func (p Policy) WantedLOD(distance float64) int {
	lod := 0
	for _, d := range p.LODDistances {
		if distance <= d {
			lod++
		}
	}
	return lod
}

// Cost returns the ranking cost of a sector at the given distance. Lower
// costs are fetched first.
func (p Policy) Cost(distance float64, lod int) float64 {
	return (1 + distance) * (1 + p.LODGapWeight*float64(lod))
}

// Backoff returns the delay before retrying a sector that failed the given
// number of times.
func (p Policy) Backoff(attempts int) time.Duration {
	if p.RetryBackoff <= 0 || attempts <= 0 {
		return 0
	}

	backoff := float64(p.RetryBackoff) * math.Pow(2, float64(attempts-1))
	if p.MaxRetryBackoff > 0 && backoff > float64(p.MaxRetryBackoff) {
		return p.MaxRetryBackoff
	}
	return time.Duration(backoff)
}
