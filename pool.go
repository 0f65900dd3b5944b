package bufarena

import (
	"sync"
	"weak"
)

// Pool provides a thread-safe pool of fixed-capacity arenas, sized per use
// case from observed peak usage.
//
// Pooled items are held through weak pointers, so the GC can collect an
// idle arena together with its buffer at any time. Before handing an item
// out we upgrade to a strong pointer; Release turns it back into a weak
// one. The GC therefore trims the pool on its own under memory pressure,
// there is no explicit eviction.
type Pool struct {
	// pool is a slice of weak pointers to the struct holding the *Arena
	pool  []weak.Pointer[PoolItem]
	sizes map[uint64]*poolItemSize
	mu    sync.Mutex

	min   int
	logf  func(format string, args ...any)
	stats PoolStats
}

// poolItemSize tracks required memory across the last 50 arenas per key
type poolItemSize struct {
	count      int
	totalBytes int
}

// PoolItem wraps a pooled *Arena together with the use-case key it was
// acquired under.
type PoolItem struct {
	Arena *Arena
	Key   uint64
}

// PoolStats are cumulative counters since the pool was created.
type PoolStats struct {
	Acquires uint64 // Acquire calls
	Created  uint64 // arenas built because nothing pooled survived
	Recycled uint64 // acquisitions served from the pool
	Releases uint64 // items returned to the pool
}

const defaultPoolBufferSize = 1024 * 1024 // 1MB

// minPoolBufferSize is the smallest buffer that holds the arena header at
// any backing-array alignment. Configured minimums below it are clamped.
const minPoolBufferSize = HeaderSize + alignment

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolMinBufferSize sets the floor for newly created arena buffers.
// Peak-based sizing only ever raises buffers above it. Values too small to
// hold the arena header are raised to the smallest workable size.
func WithPoolMinBufferSize(n int) PoolOption {
	return func(p *Pool) {
		p.min = n
	}
}

// WithPoolLogf routes the pool's occasional diagnostics (arena creation)
// through logf instead of dropping them. Any Printf-shaped function works,
// for example zap's SugaredLogger.Debugf.
func WithPoolLogf(logf func(format string, args ...any)) PoolOption {
	return func(p *Pool) {
		p.logf = logf
	}
}

// NewPool creates a new Pool instance.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		sizes: make(map[uint64]*poolItemSize),
		min:   defaultPoolBufferSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.min < minPoolBufferSize {
		p.min = minPoolBufferSize
	}
	return p
}

// Acquire gets an arena from the pool or creates a new one if none are
// available. The key identifies the use case so that future buffers for it
// can be sized from its recorded peaks.
func (p *Pool) Acquire(key uint64) *PoolItem {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Acquires++

	// Try to find an available arena in the pool
	for len(p.pool) > 0 {
		// Pop the last item
		lastIdx := len(p.pool) - 1
		wp := p.pool[lastIdx]
		p.pool = p.pool[:lastIdx]

		v := wp.Value()
		if v != nil {
			v.Key = key
			p.stats.Recycled++
			return v
		}
		// If weak pointer was nil (GC collected), continue to next item
	}

	// No arena available, create a new one
	size := p.sizeFor(key)
	a, err := New(make([]byte, size))
	if err != nil {
		// unreachable: sizes never go below minPoolBufferSize
		panic(err)
	}
	p.stats.Created++
	if p.logf != nil {
		p.logf("bufarena: pool created %d byte arena for key %#x", size, key)
	}
	return &PoolItem{
		Arena: a,
		Key:   key,
	}
}

// Release returns an arena to the pool for reuse. The arena is bulk-freed,
// which fires its pending on-free jobs, and its peak usage is recorded to
// size future buffers for this key.
//
// The bulk free happens before the pool lock is taken: on-free jobs are
// arbitrary user code and may call back into the pool.
func (p *Pool) Release(item *PoolItem) {
	peak := item.Arena.Peak()
	item.Arena.Free()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(item, peak)
}

// ReleaseMany returns a batch of arenas under a single lock acquisition.
// As with Release, every arena is bulk-freed before the lock is taken.
func (p *Pool) ReleaseMany(items []*PoolItem) {
	peaks := make([]int, len(items))
	for i, item := range items {
		peaks[i] = item.Arena.Peak()
		item.Arena.Free()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, item := range items {
		p.record(item, peaks[i])
	}
}

// record does the bookkeeping half of a release. Callers hold p.mu and have
// already freed the arena.
func (p *Pool) record(item *PoolItem, peak int) {
	p.stats.Releases++

	// Record the peak usage for this use case
	if size, ok := p.sizes[item.Key]; ok {
		if size.count == 50 {
			size.count = 1
			size.totalBytes = size.totalBytes / 50
		}
		size.count++
		size.totalBytes += peak
	} else {
		p.sizes[item.Key] = &poolItemSize{
			count:      1,
			totalBytes: peak,
		}
	}

	item.Key = 0

	// Add the arena back to the pool using a weak pointer
	w := weak.Make(item)
	p.pool = append(p.pool, w)
}

// sizeFor returns the buffer size for a new arena serving the given key.
// With no recorded history it is the configured minimum.
func (p *Pool) sizeFor(key uint64) int {
	size := p.min
	if s, ok := p.sizes[key]; ok && s.count > 0 {
		avg := s.totalBytes / s.count
		// A fixed-capacity arena cannot grow past a bad guess, so sized
		// buffers carry a quarter headroom over the average observed peak.
		if want := avg + avg/4 + alignment; want > size {
			size = want
		}
	}
	return size
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
