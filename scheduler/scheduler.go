package scheduler

import (
	"context"
	stderrors "errors"
	"slices"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/sectorcache/cache"
	"github.com/aukilabs/sectorcache/featureflag"
	"github.com/aukilabs/sectorcache/models"
	"github.com/aukilabs/sectorcache/provider"
	"github.com/aukilabs/sectorcache/spatial"
	"golang.org/x/sync/singleflight"
)

const ErrTypeClosed = "scheduler_closed"

// Config is the configuration of a scheduler.
type Config struct {
	// The source sector payloads are fetched from.
	Provider provider.SectorProvider

	// The source scene metadata are loaded from.
	Metadata provider.MetadataRepository

	Policy       Policy
	FeatureFlags featureflag.FeatureFlag

	// The group deduplicating sector fetches. Schedulers sharing a provider
	// can share a group to fetch each sector once. A group is created when
	// nil.
	Group *singleflight.Group

	// A function called when a sector changes state. It is called outside of
	// the scheduler lock and can call the scheduler.
	OnStateChange func(key models.CacheKey, state State)

	// The name labelling metrics and logs.
	Name string
}

// Scheduler decides which sectors to fetch, keep and evict for a viewer
// camera.
//
// A Scheduler is safe for concurrent use.
type Scheduler struct {
	name          string
	provider      provider.SectorProvider
	metadata      provider.MetadataRepository
	policy        Policy
	flags         featureflag.FeatureFlag
	group         *singleflight.Group
	onStateChange func(models.CacheKey, State)
	now           func() time.Time

	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	mutex    sync.Mutex
	closed   bool
	tree     *models.SectorTree
	index    *spatial.RTree[models.CacheKey]
	cache    *cache.RequestCache[models.CacheKey, []byte]
	states   map[models.CacheKey]*sectorState
	inflight map[models.CacheKey]*inFlightRequest
	camera   models.Camera
	updates  int
	changes  []stateChange
}

type inFlightRequest struct {
	attempt int
	waiters []chan fetchResult

	// Set on the fetch replacing one canceled by another scheduler.
	reissued bool
}

func (r *inFlightRequest) resolve(data []byte, err error) {
	for _, w := range r.waiters {
		w <- fetchResult{data: data, err: err}
	}
	r.waiters = nil
}

type fetchResult struct {
	data []byte
	err  error
}

type stateChange struct {
	key   models.CacheKey
	state State
}

// New creates a scheduler. The scheduler stops waiting for its fetches when
// the given context is done or when it is closed. The fetches themselves run
// to completion since other schedulers of the same group may share them.
func New(ctx context.Context, conf Config) (*Scheduler, error) {
	if conf.Provider == nil {
		return nil, errors.New("missing sector provider")
	}
	if conf.Metadata == nil {
		return nil, errors.New("missing metadata repository")
	}
	if err := conf.Policy.Validate(); err != nil {
		return nil, errors.New("invalid scheduler policy").Wrap(err)
	}

	if conf.Group == nil {
		conf.Group = &singleflight.Group{}
	}
	if conf.Name == "" {
		conf.Name = "default"
	}

	ctx, cancel := context.WithCancel(ctx)

	s := &Scheduler{
		name:          conf.Name,
		provider:      conf.Provider,
		metadata:      conf.Metadata,
		policy:        conf.Policy,
		flags:         conf.FeatureFlags,
		group:         conf.Group,
		onStateChange: conf.OnStateChange,
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
		tree:          models.NewSectorTree(),
		index:         spatial.NewRTree[models.CacheKey](spatial.DefaultMaxEntries),
		states:        make(map[models.CacheKey]*sectorState),
		inflight:      make(map[models.CacheKey]*inFlightRequest),
	}

	s.cache = cache.New(conf.Policy.CacheCapacity,
		cache.WithSizeFunc[models.CacheKey](func(b []byte) int { return len(b) }),
		cache.WithHardLimit[models.CacheKey, []byte](conf.Policy.CacheHardLimit),
		cache.WithEvictHandler(s.onEvicted),
		cache.WithName[models.CacheKey, []byte](conf.Name),
	)
	return s, nil
}

// LoadModel loads the scene metadata of a model and indexes its sectors.
// Loading a model already loaded does nothing.
func (s *Scheduler) LoadModel(ctx context.Context, modelID string) error {
	s.mutex.Lock()
	loaded := s.tree.HasModel(modelID)
	closed := s.closed
	s.mutex.Unlock()

	if closed {
		return s.closedError()
	}
	if loaded {
		return nil
	}

	scene, err := s.metadata.LoadData(ctx, modelID)
	if err != nil {
		return errors.New("loading scene metadata failed").
			WithTag("model_id", modelID).
			Wrap(err)
	}
	if scene.ModelID != modelID {
		return errors.New("scene metadata is for another model").
			WithType(models.ErrTypeInvalidMetadata).
			WithTag("model_id", modelID).
			WithTag("scene_model_id", scene.ModelID)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return s.closedError()
	}
	if s.tree.HasModel(modelID) {
		return nil
	}

	if err := scene.Tree(s.tree); err != nil {
		return err
	}

	for _, sector := range s.tree.Model(modelID) {
		if err := s.index.Insert(sector.Box, sector.Key); err != nil {
			logs.WithTag("scheduler", s.name).
				WithTag("sector", sector.Key).
				Error(errors.New("indexing sector failed").Wrap(err))
			continue
		}
		s.states[sector.Key] = &sectorState{sector: sector}
	}

	logs.WithTag("scheduler", s.name).
		WithTag("model_id", modelID).
		WithTag("sectors", len(scene.Sectors)).
		Info("model loaded")
	return nil
}

// UnloadModel removes the sectors of a model from the index and the cache.
// Loads waiting for its sectors fail.
func (s *Scheduler) UnloadModel(modelID string) {
	s.mutex.Lock()
	defer s.unlockAndNotify()

	for _, sector := range s.tree.RemoveModel(modelID) {
		key := sector.Key

		s.index.Remove(sector.Box, func(k models.CacheKey) bool {
			return k == key
		})
		s.cache.Remove(key)
		delete(s.states, key)

		if req, ok := s.inflight[key]; ok {
			delete(s.inflight, key)
			req.resolve(nil, unknownSectorError(key))
		}
	}
	instrumentPending(s.name, len(s.inflight))

	logs.WithTag("scheduler", s.name).
		WithTag("model_id", modelID).
		Info("model unloaded")
}

// Update sets the viewer camera and schedules the sectors it needs.
//
// Loaded sectors intersecting the priority volume at a wanted level of detail
// are pinned until the next update. Missing ones are fetched cheapest first
// while the concurrent request budget allows it. The cache is then cleaned
// of cold entries when it is full or periodically.
func (s *Scheduler) Update(camera models.Camera) UpdateResult {
	start := time.Now()

	s.mutex.Lock()
	defer s.unlockAndNotify()

	if s.closed {
		return UpdateResult{}
	}

	s.camera = camera
	s.updates++
	now := s.now()

	s.cache.UnpinAll()
	for _, st := range s.states {
		st.wanted = false
	}

	candidates := rankCandidates(s.index, s.tree, camera, s.policy)
	budget := s.policy.MaxConcurrentRequests - len(s.inflight)
	res := UpdateResult{Candidates: len(candidates)}

	for _, c := range candidates {
		st, ok := s.states[c.key]
		if !ok {
			continue
		}
		st.wanted = true

		switch {
		case st.state == StateLoaded:
			s.cache.Pin(c.key)
			res.Pinned++

		case st.state == StatePending:
			res.Joined++

		case st.needsFetch(now):
			if budget <= 0 {
				res.Deferred++
				continue
			}
			s.fetch(st)
			budget--
			res.Requested++

		default:
			res.Skipped++
		}
	}

	if s.cache.IsFull() || (s.policy.CleanInterval > 0 && s.updates%s.policy.CleanInterval == 0) {
		res.Evicted = s.cache.CleanCache(s.policy.CleanBatch)
	}

	instrumentUpdate(s.name, start, res)
	return res
}

// QuerySector returns a loaded sector.
func (s *Scheduler) QuerySector(key models.CacheKey) (SectorEntry, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.querySector(key)
}

func (s *Scheduler) querySector(key models.CacheKey) (SectorEntry, bool) {
	if !s.cache.Has(key) {
		return SectorEntry{}, false
	}

	data, err := s.cache.Get(key)
	if err != nil {
		return SectorEntry{}, false
	}

	sector, _ := s.tree.Get(key)
	return SectorEntry{
		Key:    key,
		Box:    sector.Box,
		Data:   data,
		Pinned: s.cache.IsPinned(key),
	}, true
}

// BestAvailable returns the given sector when it is loaded, or its nearest
// loaded ancestor.
func (s *Scheduler) BestAvailable(key models.CacheKey) (SectorEntry, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if e, ok := s.querySector(key); ok {
		return e, true
	}
	for _, a := range s.tree.Ancestors(key) {
		if e, ok := s.querySector(a); ok {
			return e, true
		}
	}
	return SectorEntry{}, false
}

// Load returns the payload of a sector, fetching it when it is not loaded.
// Concurrent loads of a sector share a single fetch. Loads are not bound by
// the concurrent request budget.
func (s *Scheduler) Load(ctx context.Context, key models.CacheKey) ([]byte, error) {
	s.mutex.Lock()

	if s.closed {
		s.mutex.Unlock()
		return nil, s.closedError()
	}

	st, ok := s.states[key]
	if !ok {
		s.mutex.Unlock()
		return nil, unknownSectorError(key)
	}

	now := s.now()
	switch {
	case st.state == StateLoaded:
		data, err := s.cache.Get(key)
		s.mutex.Unlock()
		return data, err

	case st.state == StateUnavailable:
		s.mutex.Unlock()
		return nil, st.unavailableError()

	case st.state == StateFailed && !st.canRetry(now):
		err := st.lastErr
		s.mutex.Unlock()
		return nil, err
	}

	req, ok := s.inflight[key]
	if !ok {
		req = s.fetch(st)
	}

	ch := make(chan fetchResult, 1)
	req.waiters = append(req.waiters, ch)
	s.unlockAndNotify()

	select {
	case res := <-ch:
		return res.data, res.err

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fetch requests a sector payload. It must be called with the lock held.
func (s *Scheduler) fetch(st *sectorState) *inFlightRequest {
	key := st.sector.Key
	blobID := st.sector.BlobID

	st.attempts++
	req := &inFlightRequest{attempt: st.attempts}
	s.inflight[key] = req
	s.setState(st, StatePending)
	instrumentPending(s.name, len(s.inflight))

	logs.WithTag("scheduler", s.name).
		WithTag("sector", key).
		WithTag("attempt", st.attempts).
		Debug("fetching sector")

	// The call can be shared with other schedulers: closing this one must
	// not cancel it.
	fetchCtx := context.WithoutCancel(s.ctx)
	ch := s.group.DoChan(blobID+"/"+key.Path, func() (any, error) {
		return s.provider.GetCadSectorFile(fetchCtx, blobID, key.Path)
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case res := <-ch:
			data, _ := res.Val.([]byte)
			s.complete(key, req, data, res.Err)

		case <-s.ctx.Done():
			s.complete(key, req, nil, s.closedError())
		}
	}()

	return req
}

func (s *Scheduler) complete(key models.CacheKey, req *inFlightRequest, data []byte, err error) {
	s.mutex.Lock()
	defer s.unlockAndNotify()

	if s.inflight[key] != req {
		return
	}
	delete(s.inflight, key)
	instrumentPending(s.name, len(s.inflight))

	st, ok := s.states[key]
	if !ok {
		req.resolve(nil, unknownSectorError(key))
		return
	}

	if stderrors.Is(err, context.Canceled) && s.ctx.Err() == nil && !req.reissued {
		// Canceled by another caller of the shared fetch. It does not count
		// as an attempt.
		st.attempts = req.attempt - 1
		retry := s.fetch(st)
		retry.reissued = true
		retry.waiters = append(retry.waiters, req.waiters...)
		return
	}

	if err != nil {
		s.fail(st, err)
		req.resolve(nil, err)
		return
	}

	if err := s.store(st, data); err != nil {
		req.resolve(nil, err)
		return
	}
	req.resolve(data, nil)
}

func (s *Scheduler) store(st *sectorState, data []byte) error {
	key := st.sector.Key

	err := s.cache.Insert(key, data)
	if errors.IsType(err, cache.ErrTypeCapacityExceeded) &&
		st.wanted &&
		st.sector.Box.Intersects(s.camera.TargetRegion()) {
		s.flags.IfNotSet(featureflag.FlagDisableForceInsert, func() {
			if err = s.cache.ForceInsert(key, data); err == nil {
				instrumentForceInsert(s.name)
			}
		})
	}
	if err != nil {
		s.degrade(st, err)
		return err
	}

	st.attempts = 0
	st.lastErr = nil
	st.degraded = false
	s.setState(st, StateLoaded)

	if st.wanted {
		s.cache.Pin(key)
	} else {
		s.flags.IfNotSet(featureflag.FlagDisableLatecomerDemotion, func() {
			s.cache.Demote(key)
		})
	}

	logs.WithTag("scheduler", s.name).
		WithTag("sector", key).
		WithTag("size", len(data)).
		WithTag("wanted", st.wanted).
		Debug("sector loaded")
	return nil
}

// degrade marks a sector that could not be cached and falls back to its
// parent.
func (s *Scheduler) degrade(st *sectorState, err error) {
	st.lastErr = err
	st.degraded = true
	st.attempts = 0
	st.nextAttempt = s.now().Add(s.policy.Backoff(1))
	s.setState(st, StateFailed)
	instrumentDegraded(s.name)

	logs.WithTag("scheduler", s.name).
		WithTag("sector", st.sector.Key).
		Warn(errors.New("sector degraded to its parent").Wrap(err))

	s.requestParent(st)
}

func (s *Scheduler) fail(st *sectorState, err error) {
	st.lastErr = err

	if !models.IsRetryable(err) ||
		st.attempts >= s.policy.MaxAttempts ||
		s.flags.IsSet(featureflag.FlagDisableRetry) {
		s.setState(st, StateUnavailable)

		logs.WithTag("scheduler", s.name).
			WithTag("sector", st.sector.Key).
			WithTag("attempts", st.attempts).
			Warn(errors.New("sector unavailable").Wrap(err))

		s.requestParent(st)
		return
	}

	st.nextAttempt = s.now().Add(s.policy.Backoff(st.attempts))
	s.setState(st, StateFailed)

	logs.WithTag("scheduler", s.name).
		WithTag("sector", st.sector.Key).
		WithTag("attempts", st.attempts).
		WithTag("next_attempt", st.nextAttempt).
		Debug(errors.New("sector fetch failed").Wrap(err))
}

func (s *Scheduler) requestParent(st *sectorState) {
	if s.flags.IsSet(featureflag.FlagDisableParentFallback) || st.sector.IsRoot() {
		return
	}

	parent, ok := s.states[st.sector.Parent]
	if !ok || !parent.needsFetch(s.now()) {
		return
	}
	parent.wanted = parent.wanted || st.wanted
	s.fetch(parent)
}

// onEvicted is called by the cache, with the lock held.
func (s *Scheduler) onEvicted(key models.CacheKey, _ []byte) {
	if st, ok := s.states[key]; ok && st.state == StateLoaded {
		s.setState(st, StateUnrequested)
	}
}

func (s *Scheduler) setState(st *sectorState, state State) {
	if st.state == state {
		return
	}

	instrumentStateTransition(s.name, st.state, state)
	st.state = state
	s.changes = append(s.changes, stateChange{
		key:   st.sector.Key,
		state: state,
	})
}

func (s *Scheduler) unlockAndNotify() {
	changes := s.changes
	s.changes = nil
	s.mutex.Unlock()

	if s.onStateChange == nil {
		return
	}
	for _, c := range changes {
		s.onStateChange(c.key, c.state)
	}
}

// State returns the state of a sector.
func (s *Scheduler) State(key models.CacheKey) State {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if st, ok := s.states[key]; ok {
		return st.state
	}
	return StateUnrequested
}

// States returns the state of every indexed sector, ordered by key.
func (s *Scheduler) States() []SectorStatus {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	statuses := make([]SectorStatus, 0, len(s.states))
	for key, st := range s.states {
		status := SectorStatus{
			Key:      key,
			State:    st.state,
			Attempts: st.attempts,
			Wanted:   st.wanted,
			Degraded: st.degraded,
			Pinned:   s.cache.IsPinned(key),
		}
		if st.state == StateFailed {
			status.NextAttempt = st.nextAttempt
		}
		if st.lastErr != nil {
			status.LastError = st.lastErr.Error()
		}
		statuses = append(statuses, status)
	}

	slices.SortFunc(statuses, func(a, b SectorStatus) int {
		return a.Key.Compare(b.Key)
	})
	return statuses
}

// Snapshot returns the loaded sectors, most recently used first.
func (s *Scheduler) Snapshot() []SectorEntry {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entries := s.cache.Entries()
	snapshot := make([]SectorEntry, 0, len(entries))
	for _, e := range entries {
		sector, _ := s.tree.Get(e.Key)
		snapshot = append(snapshot, SectorEntry{
			Key:    e.Key,
			Box:    sector.Box,
			Data:   e.Value,
			Pinned: e.Pinned,
		})
	}
	return snapshot
}

// LoadedRegions returns the regions covered by loaded sectors. Adjacent
// sectors are merged and each region value is the number of sectors it
// covers.
func (s *Scheduler) LoadedRegions() []spatial.Entry[int] {
	s.mutex.Lock()
	entries := make([]spatial.Entry[int], 0, s.cache.Len())
	for _, key := range s.cache.Keys() {
		if sector, ok := s.tree.Get(key); ok {
			entries = append(entries, spatial.Entry[int]{Box: sector.Box, Value: 1})
		}
	}
	s.mutex.Unlock()

	regions := spatial.NewRTree[int](spatial.DefaultMaxEntries)
	if err := regions.AddBoxes(entries, func(a, b int) int { return a + b }); err != nil {
		logs.WithTag("scheduler", s.name).
			Error(errors.New("computing loaded regions failed").Wrap(err))
		return nil
	}
	return regions.Entries()
}

// Stats describes the scheduler cache and fetches.
type Stats struct {
	Cache         cache.Stats       `json:"cache"`
	CacheSize     int               `json:"cache_size"`
	CacheCapacity int               `json:"cache_capacity"`
	CacheEntries  int               `json:"cache_entries"`
	Sectors       int               `json:"sectors"`
	Pending       int               `json:"pending"`
	Updates       int               `json:"updates"`
	Index         spatial.DebugInfo `json:"index"`
}

func (s *Scheduler) Stats() Stats {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return Stats{
		Cache:         s.cache.Stats(),
		CacheSize:     s.cache.Size(),
		CacheCapacity: s.cache.Capacity(),
		CacheEntries:  s.cache.Len(),
		Sectors:       len(s.states),
		Pending:       len(s.inflight),
		Updates:       s.updates,
		Index:         s.index.DebugInfo(),
	}
}

// Close cancels the fetches in flight and waits for them to return. Pending
// loads fail.
func (s *Scheduler) Close() {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return
	}
	s.closed = true

	for key, req := range s.inflight {
		req.resolve(nil, s.closedError())
		delete(s.inflight, key)
	}
	instrumentPending(s.name, 0)
	s.mutex.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) closedError() error {
	return errors.New("scheduler closed").
		WithType(ErrTypeClosed).
		WithTag("scheduler", s.name)
}

func unknownSectorError(key models.CacheKey) error {
	return errors.New("unknown sector").
		WithType(models.ErrTypeUnknownModel).
		WithTag("sector", key)
}
