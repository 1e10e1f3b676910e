package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/sectorcache/featureflag"
	"github.com/aukilabs/sectorcache/models"
	"github.com/aukilabs/sectorcache/spatial"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/singleflight"
)

var (
	rootKey  = models.CacheKey{ModelID: "model", Path: "0", LOD: 0}
	leftKey  = models.CacheKey{ModelID: "model", Path: "0/1", LOD: 1}
	rightKey = models.CacheKey{ModelID: "model", Path: "0/2", LOD: 1}
)

func testScene() models.SceneMetadata {
	return models.SceneMetadata{
		ModelID: "model",
		BlobID:  "blob",
		Sectors: []models.SectorMetadata{
			{Path: "0", LOD: 0, Max: spatial.Vec3{X: 100, Y: 100, Z: 100}},
			{Path: "0/1", Parent: "0", LOD: 1, Max: spatial.Vec3{X: 50, Y: 50, Z: 50}},
			{Path: "0/2", Parent: "0", LOD: 1, Min: spatial.Vec3{X: 50}, Max: spatial.Vec3{X: 100, Y: 50, Z: 50}},
		},
	}
}

func testPolicy() Policy {
	return Policy{
		MaxConcurrentRequests: 8,
		CacheCapacity:         100,
		LODDistances:          []float64{1000},
		LODGapWeight:          0.5,
		MaxAttempts:           3,
		CleanBatch:            16,
	}
}

func fullCamera() models.Camera {
	return models.Camera{
		Position: spatial.Vec3{X: 25, Y: 25, Z: 25},
		PriorityVolume: spatial.NewBox(
			spatial.Vec3{X: -10, Y: -10, Z: -10},
			spatial.Vec3{X: 110, Y: 110, Z: 110},
		),
	}
}

func networkError() error {
	return errors.New("connection reset").WithType(models.ErrTypeNetwork)
}

// fakeProvider serves 10 byte payloads. Fetches of blocked paths wait until
// the path is released.
type fakeProvider struct {
	mutex sync.Mutex
	calls map[string]int
	errs  map[string][]error
	gates map[string]chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		calls: make(map[string]int),
		errs:  make(map[string][]error),
		gates: make(map[string]chan struct{}),
	}
}

func (p *fakeProvider) GetCadSectorFile(ctx context.Context, blobID, sectorPath string) ([]byte, error) {
	p.mutex.Lock()
	p.calls[sectorPath]++
	var err error
	if errs := p.errs[sectorPath]; len(errs) > 0 {
		err = errs[0]
		p.errs[sectorPath] = errs[1:]
	}
	gate := p.gates[sectorPath]
	p.mutex.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, err
	}
	return []byte(blobID + ":" + sectorPath + "______")[:10], nil
}

func (p *fakeProvider) LoadData(ctx context.Context, modelID string) (models.SceneMetadata, error) {
	if modelID != "model" {
		return models.SceneMetadata{}, errors.New("scene not found").WithType(models.ErrTypeNotFound)
	}
	return testScene(), nil
}

func (p *fakeProvider) block(paths ...string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, path := range paths {
		p.gates[path] = make(chan struct{})
	}
}

func (p *fakeProvider) release(path string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	close(p.gates[path])
	delete(p.gates, path)
}

func (p *fakeProvider) fail(path string, errs ...error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.errs[path] = append(p.errs[path], errs...)
}

func (p *fakeProvider) callCount(path string) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.calls[path]
}

func newTestScheduler(t *testing.T, p *fakeProvider, policy Policy, flags ...string) *Scheduler {
	s, err := New(context.Background(), Config{
		Provider:     p,
		Metadata:     p,
		Policy:       policy,
		FeatureFlags: featureflag.New(flags),
		Name:         t.Name(),
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.LoadModel(context.Background(), "model"))
	return s
}

func requireState(t *testing.T, s *Scheduler, key models.CacheKey, state State) {
	require.Eventually(t, func() bool {
		return s.State(key) == state
	}, time.Second, time.Millisecond, "%s is %s", key, s.State(key))
}

func requireIdle(t *testing.T, s *Scheduler) {
	require.Eventually(t, func() bool {
		return s.Stats().Pending == 0
	}, time.Second, time.Millisecond)
}

func TestNew(t *testing.T) {
	p := newFakeProvider()

	_, err := New(context.Background(), Config{Metadata: p, Policy: testPolicy()})
	require.Error(t, err)

	_, err = New(context.Background(), Config{Provider: p, Policy: testPolicy()})
	require.Error(t, err)

	_, err = New(context.Background(), Config{Provider: p, Metadata: p})
	require.Error(t, err)
}

func TestSchedulerLoadModel(t *testing.T) {
	p := newFakeProvider()
	s := newTestScheduler(t, p, testPolicy())

	require.NoError(t, s.LoadModel(context.Background(), "model"))
	require.Len(t, s.States(), 3)
	require.Equal(t, StateUnrequested, s.State(rootKey))

	err := s.LoadModel(context.Background(), "unknown")
	require.Error(t, err)
	require.Len(t, s.States(), 3)
}

func TestSchedulerUpdate(t *testing.T) {
	p := newFakeProvider()
	s := newTestScheduler(t, p, testPolicy())

	res := s.Update(fullCamera())
	require.Equal(t, UpdateResult{Candidates: 3, Requested: 3}, res)

	requireState(t, s, rootKey, StateLoaded)
	requireState(t, s, leftKey, StateLoaded)
	requireState(t, s, rightKey, StateLoaded)

	res = s.Update(fullCamera())
	require.Equal(t, UpdateResult{Candidates: 3, Pinned: 3}, res)

	e, ok := s.QuerySector(leftKey)
	require.True(t, ok)
	require.True(t, e.Pinned)
	require.Equal(t, []byte("blob:0/1__"), e.Data)
	require.Equal(t, spatial.Vec3{X: 50, Y: 50, Z: 50}, e.Box.Max)

	require.Equal(t, 1, p.callCount("0"))
	require.Equal(t, 1, p.callCount("0/1"))
	require.Equal(t, 1, p.callCount("0/2"))

	stats := s.Stats()
	require.Equal(t, 30, stats.CacheSize)
	require.Equal(t, 3, stats.CacheEntries)
	require.Equal(t, 2, stats.Updates)
}

func TestSchedulerUpdateOutsideVolume(t *testing.T) {
	p := newFakeProvider()
	s := newTestScheduler(t, p, testPolicy())

	cam := fullCamera()
	cam.Position = spatial.Vec3{X: 500, Y: 500, Z: 500}
	cam.PriorityVolume = spatial.NewBox(
		spatial.Vec3{X: 400, Y: 400, Z: 400},
		spatial.Vec3{X: 600, Y: 600, Z: 600},
	)

	res := s.Update(cam)
	require.Zero(t, res)
	require.Equal(t, StateUnrequested, s.State(rootKey))
}

func TestSchedulerUpdateBudget(t *testing.T) {
	p := newFakeProvider()
	p.block("0", "0/1", "0/2")

	policy := testPolicy()
	policy.MaxConcurrentRequests = 1
	s := newTestScheduler(t, p, policy)

	res := s.Update(fullCamera())
	require.Equal(t, UpdateResult{Candidates: 3, Requested: 1, Deferred: 2}, res)
	require.Equal(t, StatePending, s.State(rootKey))

	res = s.Update(fullCamera())
	require.Equal(t, UpdateResult{Candidates: 3, Joined: 1, Deferred: 2}, res)

	p.release("0")
	requireState(t, s, rootKey, StateLoaded)

	res = s.Update(fullCamera())
	require.Equal(t, UpdateResult{Candidates: 3, Pinned: 1, Requested: 1, Deferred: 1}, res)
	require.Equal(t, StatePending, s.State(leftKey))
	require.Equal(t, StateUnrequested, s.State(rightKey))
}

func TestSchedulerUpdateCoarserOnTie(t *testing.T) {
	p := newFakeProvider()
	p.block("0", "0/1", "0/2")

	policy := testPolicy()
	policy.MaxConcurrentRequests = 1
	policy.LODGapWeight = 0
	s := newTestScheduler(t, p, policy)

	s.Update(fullCamera())
	require.Equal(t, StatePending, s.State(rootKey))
	require.Equal(t, StateUnrequested, s.State(leftKey))
}

func TestSchedulerLoadDeduplicates(t *testing.T) {
	p := newFakeProvider()
	p.block("0/1")
	s := newTestScheduler(t, p, testPolicy())

	var wg sync.WaitGroup
	results := make([][]byte, 5)

	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()

			data, err := s.Load(context.Background(), leftKey)
			require.NoError(t, err)
			results[i] = data
		}()
	}

	require.Eventually(t, func() bool {
		s.mutex.Lock()
		defer s.mutex.Unlock()

		req, ok := s.inflight[leftKey]
		return ok && len(req.waiters) == len(results)
	}, time.Second, time.Millisecond)

	p.release("0/1")
	wg.Wait()

	for _, data := range results {
		require.Equal(t, []byte("blob:0/1__"), data)
	}
	require.Equal(t, 1, p.callCount("0/1"))
	require.Equal(t, StateLoaded, s.State(leftKey))

	data, err := s.Load(context.Background(), leftKey)
	require.NoError(t, err)
	require.Equal(t, []byte("blob:0/1__"), data)
	require.Equal(t, 1, p.callCount("0/1"))
}

func TestSchedulerSharedGroup(t *testing.T) {
	p := newFakeProvider()
	p.block("0")
	group := &singleflight.Group{}

	var schedulers []*Scheduler
	for _, name := range []string{"a", "b"} {
		s, err := New(context.Background(), Config{
			Provider: p,
			Metadata: p,
			Policy:   testPolicy(),
			Group:    group,
			Name:     name,
		})
		require.NoError(t, err)
		t.Cleanup(s.Close)
		require.NoError(t, s.LoadModel(context.Background(), "model"))
		schedulers = append(schedulers, s)
	}

	var wg sync.WaitGroup
	for _, s := range schedulers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := s.Load(context.Background(), rootKey)
			require.NoError(t, err)
		}()
		requireState(t, s, rootKey, StatePending)
	}

	p.release("0")
	wg.Wait()

	require.Equal(t, 1, p.callCount("0"))
	for _, s := range schedulers {
		require.Equal(t, StateLoaded, s.State(rootKey))
	}
}

func TestSchedulerSharedGroupClose(t *testing.T) {
	p := newFakeProvider()
	p.block("0")
	group := &singleflight.Group{}

	newScheduler := func(name string) *Scheduler {
		s, err := New(context.Background(), Config{
			Provider: p,
			Metadata: p,
			Policy:   testPolicy(),
			Group:    group,
			Name:     name,
		})
		require.NoError(t, err)
		t.Cleanup(s.Close)
		require.NoError(t, s.LoadModel(context.Background(), "model"))
		return s
	}
	a := newScheduler("a")
	b := newScheduler("b")

	errA := make(chan error, 1)
	go func() {
		_, err := a.Load(context.Background(), rootKey)
		errA <- err
	}()
	requireState(t, a, rootKey, StatePending)

	type loadResult struct {
		data []byte
		err  error
	}
	resB := make(chan loadResult, 1)
	go func() {
		data, err := b.Load(context.Background(), rootKey)
		resB <- loadResult{data: data, err: err}
	}()
	requireState(t, b, rootKey, StatePending)

	a.Close()
	require.True(t, errors.IsType(<-errA, ErrTypeClosed))

	p.release("0")

	res := <-resB
	require.NoError(t, res.err)
	require.Equal(t, []byte("blob:0____"), res.data)
	require.Equal(t, StateLoaded, b.State(rootKey))
	require.Equal(t, 1, p.callCount("0"))
}

func TestSchedulerFetchCanceledElsewhere(t *testing.T) {
	p := newFakeProvider()
	p.fail("0", context.Canceled)

	policy := testPolicy()
	policy.MaxAttempts = 1
	s := newTestScheduler(t, p, policy)

	data, err := s.Load(context.Background(), rootKey)
	require.NoError(t, err)
	require.Equal(t, []byte("blob:0____"), data)
	require.Equal(t, StateLoaded, s.State(rootKey))
	require.Equal(t, 2, p.callCount("0"))

	t.Run("canceled twice", func(t *testing.T) {
		p.fail("0/1", context.Canceled, context.Canceled)

		_, err := s.Load(context.Background(), leftKey)
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, StateUnavailable, s.State(leftKey))
		require.Equal(t, 2, p.callCount("0/1"))
	})
}

func TestSchedulerRetry(t *testing.T) {
	t.Run("retryable errors until max attempts", func(t *testing.T) {
		p := newFakeProvider()
		p.fail("0/1", networkError(), networkError())

		policy := testPolicy()
		policy.MaxAttempts = 2
		s := newTestScheduler(t, p, policy, string(featureflag.FlagDisableParentFallback))

		_, err := s.Load(context.Background(), leftKey)
		require.True(t, errors.IsType(err, models.ErrTypeNetwork))
		require.Equal(t, StateFailed, s.State(leftKey))

		_, err = s.Load(context.Background(), leftKey)
		require.True(t, errors.IsType(err, models.ErrTypeNetwork))
		require.Equal(t, StateUnavailable, s.State(leftKey))
		require.True(t, s.State(leftKey).IsTerminalFailure())

		_, err = s.Load(context.Background(), leftKey)
		require.True(t, errors.IsType(err, models.ErrTypeUnavailable))
		require.Equal(t, 2, p.callCount("0/1"))

		res := s.Update(fullCamera())
		require.Equal(t, 1, res.Skipped)
		require.Equal(t, 2, p.callCount("0/1"))
	})

	t.Run("retry succeeds", func(t *testing.T) {
		p := newFakeProvider()
		p.fail("0/1", networkError())
		s := newTestScheduler(t, p, testPolicy())

		_, err := s.Load(context.Background(), leftKey)
		require.Error(t, err)

		data, err := s.Load(context.Background(), leftKey)
		require.NoError(t, err)
		require.NotEmpty(t, data)
		require.Equal(t, 2, p.callCount("0/1"))

		for _, st := range s.States() {
			if st.Key == leftKey {
				require.Zero(t, st.Attempts)
				require.Empty(t, st.LastError)
			}
		}
	})

	t.Run("backoff delays retries", func(t *testing.T) {
		p := newFakeProvider()
		p.fail("0/1", networkError())

		policy := testPolicy()
		policy.RetryBackoff = time.Minute
		s := newTestScheduler(t, p, policy)

		_, err := s.Load(context.Background(), leftKey)
		require.Error(t, err)

		_, err = s.Load(context.Background(), leftKey)
		require.True(t, errors.IsType(err, models.ErrTypeNetwork))
		require.Equal(t, 1, p.callCount("0/1"))

		s.mutex.Lock()
		s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		s.mutex.Unlock()

		_, err = s.Load(context.Background(), leftKey)
		require.NoError(t, err)
		require.Equal(t, 2, p.callCount("0/1"))
	})

	t.Run("not found is permanent", func(t *testing.T) {
		p := newFakeProvider()
		p.fail("0/1", errors.New("missing").WithType(models.ErrTypeNotFound))
		s := newTestScheduler(t, p, testPolicy(), string(featureflag.FlagDisableParentFallback))

		_, err := s.Load(context.Background(), leftKey)
		require.True(t, errors.IsType(err, models.ErrTypeNotFound))
		require.Equal(t, StateUnavailable, s.State(leftKey))

		_, err = s.Load(context.Background(), leftKey)
		require.True(t, errors.IsType(err, models.ErrTypeUnavailable))
		require.Equal(t, 1, p.callCount("0/1"))
	})

	t.Run("retry disabled", func(t *testing.T) {
		p := newFakeProvider()
		p.fail("0/1", networkError())
		s := newTestScheduler(t, p, testPolicy(),
			string(featureflag.FlagDisableRetry),
			string(featureflag.FlagDisableParentFallback),
		)

		_, err := s.Load(context.Background(), leftKey)
		require.Error(t, err)
		require.Equal(t, StateUnavailable, s.State(leftKey))
	})
}

func TestSchedulerParentFallback(t *testing.T) {
	t.Run("unavailable sector requests its parent", func(t *testing.T) {
		p := newFakeProvider()
		p.fail("0/1", errors.New("missing").WithType(models.ErrTypeNotFound))
		s := newTestScheduler(t, p, testPolicy())

		_, err := s.Load(context.Background(), leftKey)
		require.Error(t, err)

		requireState(t, s, rootKey, StateLoaded)
		require.Equal(t, 1, p.callCount("0"))

		e, ok := s.BestAvailable(leftKey)
		require.True(t, ok)
		require.Equal(t, rootKey, e.Key)

		_, ok = s.QuerySector(leftKey)
		require.False(t, ok)
	})

	t.Run("parent fallback disabled", func(t *testing.T) {
		p := newFakeProvider()
		p.fail("0/1", errors.New("missing").WithType(models.ErrTypeNotFound))
		s := newTestScheduler(t, p, testPolicy(), string(featureflag.FlagDisableParentFallback))

		_, err := s.Load(context.Background(), leftKey)
		require.Error(t, err)
		require.Equal(t, StateUnrequested, s.State(rootKey))

		_, ok := s.BestAvailable(leftKey)
		require.False(t, ok)
	})
}

func TestSchedulerBestAvailable(t *testing.T) {
	p := newFakeProvider()
	s := newTestScheduler(t, p, testPolicy())

	_, ok := s.BestAvailable(leftKey)
	require.False(t, ok)

	_, err := s.Load(context.Background(), rootKey)
	require.NoError(t, err)

	e, ok := s.BestAvailable(leftKey)
	require.True(t, ok)
	require.Equal(t, rootKey, e.Key)

	_, err = s.Load(context.Background(), leftKey)
	require.NoError(t, err)

	e, ok = s.BestAvailable(leftKey)
	require.True(t, ok)
	require.Equal(t, leftKey, e.Key)
}

func TestSchedulerLatecomerDemotion(t *testing.T) {
	// Looks at the right half of the model only.
	rightCamera := models.Camera{
		Position: spatial.Vec3{X: 75, Y: 25, Z: 25},
		PriorityVolume: spatial.NewBox(
			spatial.Vec3{X: 60},
			spatial.Vec3{X: 100, Y: 50, Z: 50},
		),
	}

	t.Run("sector leaving the volume is evicted first", func(t *testing.T) {
		p := newFakeProvider()
		p.block("0", "0/1", "0/2")

		policy := testPolicy()
		policy.CleanInterval = 1
		policy.CleanBatch = 1
		s := newTestScheduler(t, p, policy)

		s.Update(fullCamera())
		res := s.Update(rightCamera)
		require.Equal(t, 2, res.Candidates)
		require.Equal(t, 2, res.Joined)

		p.release("0")
		p.release("0/1")
		p.release("0/2")
		requireIdle(t, s)

		snapshot := s.Snapshot()
		require.Len(t, snapshot, 3)
		last := snapshot[len(snapshot)-1]
		require.Equal(t, leftKey, last.Key)
		require.False(t, last.Pinned)

		res = s.Update(rightCamera)
		require.Equal(t, 2, res.Pinned)
		require.Equal(t, 1, res.Evicted)
		require.Equal(t, StateUnrequested, s.State(leftKey))
		require.Equal(t, StateLoaded, s.State(rootKey))
		require.Equal(t, StateLoaded, s.State(rightKey))
	})

	t.Run("demotion disabled", func(t *testing.T) {
		p := newFakeProvider()
		p.block("0/1")
		s := newTestScheduler(t, p, testPolicy(), string(featureflag.FlagDisableLatecomerDemotion))

		s.Update(fullCamera())
		requireState(t, s, rootKey, StateLoaded)
		requireState(t, s, rightKey, StateLoaded)

		s.Update(rightCamera)
		p.release("0/1")
		requireState(t, s, leftKey, StateLoaded)

		snapshot := s.Snapshot()
		require.Equal(t, leftKey, snapshot[0].Key)
	})
}

func TestSchedulerForceInsert(t *testing.T) {
	camera := fullCamera()
	camera.Target = spatial.NewBox(
		spatial.Vec3{X: 10, Y: 10, Z: 10},
		spatial.Vec3{X: 20, Y: 20, Z: 20},
	)

	policy := testPolicy()
	policy.CacheCapacity = 10
	policy.CacheHardLimit = 30

	t.Run("target sectors are kept over capacity", func(t *testing.T) {
		p := newFakeProvider()
		p.block("0", "0/1", "0/2")
		s := newTestScheduler(t, p, policy)

		s.Update(camera)

		p.release("0")
		requireState(t, s, rootKey, StateLoaded)

		p.release("0/2")
		requireState(t, s, rightKey, StateFailed)

		p.release("0/1")
		requireState(t, s, leftKey, StateLoaded)

		stats := s.Stats()
		require.Equal(t, 20, stats.CacheSize)
		require.EqualValues(t, 2, stats.Cache.Rejections)

		for _, st := range s.States() {
			require.Equal(t, st.Key == rightKey, st.Degraded, st.Key)
		}
	})

	t.Run("force insert disabled", func(t *testing.T) {
		p := newFakeProvider()
		p.block("0", "0/1", "0/2")
		s := newTestScheduler(t, p, policy, string(featureflag.FlagDisableForceInsert))

		s.Update(camera)

		p.release("0")
		requireState(t, s, rootKey, StateLoaded)

		p.release("0/1")
		requireState(t, s, leftKey, StateFailed)

		p.release("0/2")
		requireState(t, s, rightKey, StateFailed)
		require.Equal(t, 10, s.Stats().CacheSize)
	})
}

func TestSchedulerUnloadModel(t *testing.T) {
	p := newFakeProvider()
	s := newTestScheduler(t, p, testPolicy())

	_, err := s.Load(context.Background(), rootKey)
	require.NoError(t, err)

	s.UnloadModel("model")
	require.Empty(t, s.States())
	require.Zero(t, s.Stats().CacheEntries)

	_, ok := s.QuerySector(rootKey)
	require.False(t, ok)

	_, err = s.Load(context.Background(), rootKey)
	require.True(t, errors.IsType(err, models.ErrTypeUnknownModel))

	require.Zero(t, s.Update(fullCamera()))

	require.NoError(t, s.LoadModel(context.Background(), "model"))
	require.Len(t, s.States(), 3)
}

func TestSchedulerOnStateChange(t *testing.T) {
	p := newFakeProvider()

	var mutex sync.Mutex
	var states []State

	s, err := New(context.Background(), Config{
		Provider: p,
		Metadata: p,
		Policy:   testPolicy(),
		OnStateChange: func(key models.CacheKey, state State) {
			if key != rootKey {
				return
			}
			mutex.Lock()
			defer mutex.Unlock()
			states = append(states, state)
		},
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.LoadModel(context.Background(), "model"))

	_, err = s.Load(context.Background(), rootKey)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(states) == 2
	}, time.Second, time.Millisecond)

	mutex.Lock()
	defer mutex.Unlock()
	require.Equal(t, []State{StatePending, StateLoaded}, states)
}

func TestSchedulerLoadedRegions(t *testing.T) {
	p := newFakeProvider()
	s := newTestScheduler(t, p, testPolicy())
	require.Empty(t, s.LoadedRegions())

	s.Update(fullCamera())
	requireState(t, s, rootKey, StateLoaded)
	requireState(t, s, leftKey, StateLoaded)
	requireState(t, s, rightKey, StateLoaded)

	regions := s.LoadedRegions()
	require.Len(t, regions, 1)
	require.Equal(t, 3, regions[0].Value)
	require.Equal(t, spatial.Vec3{X: 100, Y: 100, Z: 100}, regions[0].Box.Max)
}

func TestSchedulerClose(t *testing.T) {
	p := newFakeProvider()
	p.block("0")
	s := newTestScheduler(t, p, testPolicy())

	errc := make(chan error, 1)
	go func() {
		_, err := s.Load(context.Background(), rootKey)
		errc <- err
	}()
	requireState(t, s, rootKey, StatePending)

	s.Close()
	require.True(t, errors.IsType(<-errc, ErrTypeClosed))

	_, err := s.Load(context.Background(), rootKey)
	require.True(t, errors.IsType(err, ErrTypeClosed))
	require.True(t, errors.IsType(s.LoadModel(context.Background(), "model"), ErrTypeClosed))
	require.Zero(t, s.Update(fullCamera()))

	s.Close()
	p.release("0")
}

func TestSchedulerLoadCanceled(t *testing.T) {
	p := newFakeProvider()
	p.block("0")
	s := newTestScheduler(t, p, testPolicy())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Load(ctx, rootKey)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StatePending, s.State(rootKey))

	p.release("0")
	requireState(t, s, rootKey, StateLoaded)
}
