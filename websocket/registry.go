package websocket

import (
	"slices"
	"sync"

	"github.com/aukilabs/sectorcache/scheduler"
)

// Registry tracks the schedulers of the connected viewers.
type Registry struct {
	mutex   sync.RWMutex
	viewers map[string]*scheduler.Scheduler
}

func (r *Registry) Add(viewerID string, s *scheduler.Scheduler) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.viewers == nil {
		r.viewers = make(map[string]*scheduler.Scheduler)
	}
	r.viewers[viewerID] = s
}

func (r *Registry) Remove(viewerID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.viewers, viewerID)
}

func (r *Registry) Get(viewerID string) (*scheduler.Scheduler, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	s, ok := r.viewers[viewerID]
	return s, ok
}

// IDs returns the sorted ids of the connected viewers.
func (r *Registry) IDs() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	ids := make([]string, 0, len(r.viewers))
	for id := range r.viewers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.viewers)
}
