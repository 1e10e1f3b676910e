package scheduler

import (
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/sectorcache/models"
	"github.com/aukilabs/sectorcache/spatial"
)

// State is the loading state of a sector.
type State int

const (
	StateUnrequested State = iota
	StatePending
	StateLoaded

	// The last fetch failed and can be retried.
	StateFailed

	// The sector is permanently unavailable for the session.
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateUnrequested:
		return "unrequested"
	case StatePending:
		return "pending"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for state := StateUnrequested; state <= StateUnavailable; state++ {
		if state.String() == string(b) {
			*s = state
			return nil
		}
	}
	return errors.New("unknown sector state").WithTag("state", string(b))
}

// IsTerminalFailure reports whether a sector in this state will never be
// fetched again.
func (s State) IsTerminalFailure() bool {
	return s == StateUnavailable
}

type sectorState struct {
	sector models.Sector
	state  State

	attempts    int
	nextAttempt time.Time
	lastErr     error

	// Set when the sector intersected the priority volume at the last update.
	wanted bool

	// Set when the sector could not be cached and its parent is used instead.
	degraded bool
}

// canRetry reports whether a failed sector can be fetched again at the given
// time.
func (s *sectorState) canRetry(now time.Time) bool {
	return s.state == StateFailed && !now.Before(s.nextAttempt)
}

// needsFetch reports whether the sector must be fetched to be loaded.
func (s *sectorState) needsFetch(now time.Time) bool {
	return s.state == StateUnrequested || s.canRetry(now)
}

func (s *sectorState) unavailableError() error {
	err := errors.New("sector unavailable").
		WithType(models.ErrTypeUnavailable).
		WithTag("model_id", s.sector.Key.ModelID).
		WithTag("sector_path", s.sector.Key.Path).
		WithTag("lod", s.sector.Key.LOD).
		WithTag("attempts", s.attempts)

	if s.lastErr != nil {
		return err.Wrap(s.lastErr)
	}
	return err
}

// SectorStatus is the debug view of a sector state.
type SectorStatus struct {
	Key         models.CacheKey `json:"key"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts,omitempty"`
	NextAttempt time.Time       `json:"next_attempt,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Wanted      bool            `json:"wanted"`
	Degraded    bool            `json:"degraded,omitempty"`
	Pinned      bool            `json:"pinned,omitempty"`
}

// UpdateResult summarizes what a camera update did.
type UpdateResult struct {
	// The sectors intersecting the priority volume at a wanted level of
	// detail.
	Candidates int `json:"candidates"`

	// Fetches issued by the update.
	Requested int `json:"requested"`

	// Candidates already pending.
	Joined int `json:"joined"`

	// Candidates already loaded. They are pinned until the next update.
	Pinned int `json:"pinned"`

	// Candidates left for a next update because the concurrent request budget
	// was exhausted.
	Deferred int `json:"deferred"`

	// Candidates waiting for a retry or permanently unavailable.
	Skipped int `json:"skipped"`

	// Cache entries evicted by the cleanup following the update.
	Evicted int `json:"evicted"`
}

// SectorEntry is a loaded sector. Data must not be modified and is only
// valid for the frame it was looked up for.
type SectorEntry struct {
	Key    models.CacheKey `json:"key"`
	Box    spatial.Box     `json:"box"`
	Data   []byte          `json:"-"`
	Pinned bool            `json:"pinned"`
}
