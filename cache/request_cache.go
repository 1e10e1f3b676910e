package cache

import (
	"container/list"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

const (
	ErrTypeNotFound         = "cache_entry_not_found"
	ErrTypeCapacityExceeded = "capacity_exceeded"
)

// Entry is a cached value with its bookkeeping.
type Entry[K comparable, V any] struct {
	Key    K
	Value  V
	Size   int
	Pinned bool
}

// Stats are the counters of a cache since its creation.
type Stats struct {
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Evictions  uint64 `json:"evictions"`
	Rejections uint64 `json:"rejections"`
}

type Option[K comparable, V any] func(*RequestCache[K, V])

// WithSizeFunc sets the function that measures an entry. Capacity is
// expressed in the same unit. Each entry counts as 1 by default.
func WithSizeFunc[K comparable, V any](f func(V) int) Option[K, V] {
	return func(c *RequestCache[K, V]) {
		c.sizeOf = f
	}
}

// WithHardLimit sets the size ForceInsert can never exceed. It defaults to
// twice the capacity.
func WithHardLimit[K comparable, V any](limit int) Option[K, V] {
	return func(c *RequestCache[K, V]) {
		c.hardLimit = limit
	}
}

// WithEvictHandler sets a function called for each entry evicted to make
// room or by CleanCache.
func WithEvictHandler[K comparable, V any](h func(K, V)) Option[K, V] {
	return func(c *RequestCache[K, V]) {
		c.onEvict = h
	}
}

// WithName sets the name used to label the cache metrics.
func WithName[K comparable, V any](name string) Option[K, V] {
	return func(c *RequestCache[K, V]) {
		c.name = name
	}
}

// RequestCache is a bounded key/value cache that evicts the least recently
// used entries first. Pinned entries are never evicted.
//
// A RequestCache is not safe for concurrent use.
type RequestCache[K comparable, V any] struct {
	name       string
	capacity   int
	hardLimit  int
	sizeOf     func(V) int
	onEvict    func(K, V)
	size       int
	pinnedSize int
	stats      Stats

	// Front is the most recently used entry.
	entries  *list.List
	elements map[K]*list.Element
}

func New[K comparable, V any](capacity int, options ...Option[K, V]) *RequestCache[K, V] {
	c := &RequestCache[K, V]{
		name:     "default",
		capacity: capacity,
		entries:  list.New(),
		elements: make(map[K]*list.Element),
	}

	for _, o := range options {
		o(c)
	}

	if c.hardLimit < c.capacity {
		c.hardLimit = 2 * c.capacity
	}
	return c
}

func (c *RequestCache[K, V]) Has(key K) bool {
	_, ok := c.elements[key]
	return ok
}

// Get returns the value of the given key and marks it as the most recently
// used. It returns a not found error when the key is absent.
func (c *RequestCache[K, V]) Get(key K) (V, error) {
	elem, ok := c.elements[key]
	if !ok {
		c.stats.Misses++
		instrumentCountLookup(c.name, false)

		var zero V
		return zero, errors.New("cache entry not found").
			WithType(ErrTypeNotFound).
			WithTag("key", key)
	}

	c.stats.Hits++
	instrumentCountLookup(c.name, true)

	c.entries.MoveToFront(elem)
	return elem.Value.(*Entry[K, V]).Value, nil
}

// Peek returns the entry of the given key without updating its recency.
func (c *RequestCache[K, V]) Peek(key K) (Entry[K, V], bool) {
	elem, ok := c.elements[key]
	if !ok {
		return Entry[K, V]{}, false
	}
	return *elem.Value.(*Entry[K, V]), true
}

// Insert adds or replaces an entry. Least recently used unpinned entries are
// evicted until the entry fits. A capacity exceeded error is returned, and
// the cache left untouched, when the entry cannot fit.
func (c *RequestCache[K, V]) Insert(key K, value V) error {
	return c.insert(key, value, c.capacity)
}

// ForceInsert adds or replaces an entry like Insert, but lets the cache grow
// over its capacity up to its hard limit when evicting unpinned entries is
// not enough.
func (c *RequestCache[K, V]) ForceInsert(key K, value V) error {
	return c.insert(key, value, c.hardLimit)
}

func (c *RequestCache[K, V]) insert(key K, value V, limit int) error {
	size := c.sizeFunc(value)
	if size > limit {
		return c.reject(key, size, limit)
	}

	// The size the cache can shrink to, excluding the replaced entry:
	pinned := false
	floor := c.pinnedSize
	if elem, ok := c.elements[key]; ok {
		e := elem.Value.(*Entry[K, V])
		if pinned = e.Pinned; pinned {
			floor -= e.Size
		}
	}
	if floor+size > limit {
		return c.reject(key, size, limit)
	}

	c.remove(key)

	for c.size+size > c.capacity {
		if !c.evictOldest() {
			break
		}
	}

	e := &Entry[K, V]{
		Key:    key,
		Value:  value,
		Size:   size,
		Pinned: pinned,
	}
	c.elements[key] = c.entries.PushFront(e)
	c.size += size
	if pinned {
		c.pinnedSize += size
	}

	instrumentSize(c.name, c.size, c.entries.Len())
	return nil
}

func (c *RequestCache[K, V]) reject(key K, size, limit int) error {
	c.stats.Rejections++
	instrumentCountRejection(c.name)

	return errors.New("cache capacity exceeded").
		WithType(ErrTypeCapacityExceeded).
		WithTag("key", key).
		WithTag("size", size).
		WithTag("used", c.size).
		WithTag("limit", limit)
}

// Remove removes the given key. It does nothing when the key is absent.
func (c *RequestCache[K, V]) Remove(key K) {
	if c.remove(key) {
		instrumentSize(c.name, c.size, c.entries.Len())
	}
}

func (c *RequestCache[K, V]) remove(key K) bool {
	elem, ok := c.elements[key]
	if !ok {
		return false
	}

	e := c.entries.Remove(elem).(*Entry[K, V])
	delete(c.elements, key)

	c.size -= e.Size
	if e.Pinned {
		c.pinnedSize -= e.Size
	}
	return true
}

// evictOldest evicts the least recently used unpinned entry. It returns false
// when all entries are pinned.
func (c *RequestCache[K, V]) evictOldest() bool {
	for elem := c.entries.Back(); elem != nil; elem = elem.Prev() {
		e := elem.Value.(*Entry[K, V])
		if e.Pinned {
			continue
		}

		c.remove(e.Key)
		c.stats.Evictions++
		instrumentCountEviction(c.name)

		if c.onEvict != nil {
			c.onEvict(e.Key, e.Value)
		}
		return true
	}
	return false
}

// IsFull reports whether the cache reached its capacity.
func (c *RequestCache[K, V]) IsFull() bool {
	return c.size >= c.capacity
}

// CleanCache evicts up to count least recently used unpinned entries and
// returns the number of evicted entries.
func (c *RequestCache[K, V]) CleanCache(count int) int {
	evicted := 0
	for evicted < count && c.evictOldest() {
		evicted++
	}

	if evicted > 0 {
		instrumentSize(c.name, c.size, c.entries.Len())
	}
	return evicted
}

// Clear removes all the entries, pinned or not.
func (c *RequestCache[K, V]) Clear() {
	c.entries.Init()
	clear(c.elements)
	c.size = 0
	c.pinnedSize = 0

	instrumentSize(c.name, c.size, 0)
}

// Pin protects the given entry from eviction. It returns false when the key
// is absent.
func (c *RequestCache[K, V]) Pin(key K) bool {
	elem, ok := c.elements[key]
	if !ok {
		return false
	}

	if e := elem.Value.(*Entry[K, V]); !e.Pinned {
		e.Pinned = true
		c.pinnedSize += e.Size
	}
	return true
}

func (c *RequestCache[K, V]) Unpin(key K) {
	elem, ok := c.elements[key]
	if !ok {
		return
	}

	if e := elem.Value.(*Entry[K, V]); e.Pinned {
		e.Pinned = false
		c.pinnedSize -= e.Size
	}
}

func (c *RequestCache[K, V]) UnpinAll() {
	for elem := c.entries.Front(); elem != nil; elem = elem.Next() {
		elem.Value.(*Entry[K, V]).Pinned = false
	}
	c.pinnedSize = 0
}

func (c *RequestCache[K, V]) IsPinned(key K) bool {
	elem, ok := c.elements[key]
	return ok && elem.Value.(*Entry[K, V]).Pinned
}

// Demote marks the given entry as the least recently used, making it the
// next eviction candidate unless pinned.
func (c *RequestCache[K, V]) Demote(key K) {
	if elem, ok := c.elements[key]; ok {
		c.entries.MoveToBack(elem)
	}
}

// Len returns the number of entries.
func (c *RequestCache[K, V]) Len() int {
	return c.entries.Len()
}

// Size returns the sum of the entry sizes.
func (c *RequestCache[K, V]) Size() int {
	return c.size
}

func (c *RequestCache[K, V]) Capacity() int {
	return c.capacity
}

func (c *RequestCache[K, V]) HardLimit() int {
	return c.hardLimit
}

func (c *RequestCache[K, V]) Stats() Stats {
	return c.stats
}

// Keys returns the keys from the most to the least recently used.
func (c *RequestCache[K, V]) Keys() []K {
	keys := make([]K, 0, c.entries.Len())
	for elem := c.entries.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*Entry[K, V]).Key)
	}
	return keys
}

// Entries returns copies of the entries from the most to the least recently
// used.
func (c *RequestCache[K, V]) Entries() []Entry[K, V] {
	entries := make([]Entry[K, V], 0, c.entries.Len())
	for elem := c.entries.Front(); elem != nil; elem = elem.Next() {
		entries = append(entries, *elem.Value.(*Entry[K, V]))
	}
	return entries
}

func (c *RequestCache[K, V]) sizeFunc(v V) int {
	if c.sizeOf == nil {
		return 1
	}
	return c.sizeOf(v)
}
