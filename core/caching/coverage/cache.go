// Package coverage implements a canonicalizing cache for large, immutable objects
// such as coverages. Reference returns a weak handle to the canonical instance
// equal to its argument, so equal objects built independently end up sharing one
// copy. The cache never keeps an object alive: once the last strong holder drops
// it and the collector reclaims it, a background cleaner removes the entry.
package coverage

import (
	"context"
	"runtime"
	"sync"
	"weak"

	internaltelemetry "github.com/sushant-115/gojogrid/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// DefaultQueueSize is the capacity of the reclaimed-entry queue between the
// collector and the cleaner goroutine.
const DefaultQueueSize = 64

// Equivalence defines the identity of cached values.
type Equivalence[E any] interface {
	Hash(v *E) uint64
	Equal(a, b *E) bool
}

// Handle is a weak reference to a cached value.
type Handle[E any] struct {
	ptr weak.Pointer[E]
}

// Get returns the value, or nil once it has been collected.
func (h *Handle[E]) Get() *E {
	if h == nil {
		return nil
	}
	return h.ptr.Value()
}

// entry starts out holding its value strongly and switches to a weak pointer the
// first time a handle to it is handed out.
type entry[E any] struct {
	hash   uint64
	strong *E
	weak   weak.Pointer[E]
	// promoted is set once weak is valid and the cleanup is registered.
	promoted bool
}

func (e *entry[E]) value() *E {
	if e.promoted {
		return e.weak.Value()
	}
	return e.strong
}

// Cache de-duplicates values by their Equivalence. A single mutex guards the
// entries for callers and the cleaner goroutine alike.
type Cache[E any] struct {
	eq Equivalence[E]

	mu      sync.Mutex
	entries map[uint64][]*entry[E]
	size    int

	queue     chan *entry[E]
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	logger  *zap.Logger
	metrics *internaltelemetry.CacheMetrics
}

type Option func(*options)

type options struct {
	logger    *zap.Logger
	meter     metric.Meter
	queueSize int
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMeter records reference and reclaim counts on meter.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) { o.meter = meter }
}

func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// New creates a cache and starts its cleaner goroutine. Call Close when the cache
// is no longer needed; a cache that is never closed leaks that goroutine.
func New[E any](eq Equivalence[E], opts ...Option) *Cache[E] {
	o := options{queueSize: DefaultQueueSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	metrics := internaltelemetry.NoopCacheMetrics()
	if o.meter != nil {
		m, err := internaltelemetry.NewCacheMetrics(o.meter)
		if err != nil {
			o.logger.Warn("failed to create cache metrics, recording nothing", zap.Error(err))
		} else {
			metrics = m
		}
	}

	c := &Cache[E]{
		eq:      eq,
		entries: make(map[uint64][]*entry[E]),
		queue:   make(chan *entry[E], o.queueSize),
		done:    make(chan struct{}),
		logger:  o.logger.Named("coverage_cache"),
		metrics: metrics,
	}
	c.wg.Add(1)
	go c.clean()
	return c
}

// Reference returns a handle to the canonical value equal to v, making v the
// canonical value when there is none. It never fails; at worst the handle's value
// is already gone when the caller holds no strong reference to it.
func (c *Cache[E]) Reference(v *E) *Handle[E] {
	if v == nil {
		return &Handle[E]{}
	}
	ctx := context.Background()
	hash := c.eq.Hash(v)

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		// Closed: nothing would ever clean the entry up.
		return &Handle[E]{ptr: weak.Make(v)}
	default:
	}

	var (
		live  []*entry[E]
		found *entry[E]
	)
	for _, e := range c.entries[hash] {
		existing := e.value()
		if existing == nil {
			// Collected but not cleaned yet; the cleaner will find nothing to do.
			c.size--
			c.metrics.EntriesUpDownCounter.Add(ctx, -1)
			continue
		}
		live = append(live, e)
		if found == nil && c.eq.Equal(existing, v) {
			found = e
		}
	}
	if found != nil {
		c.setBucket(hash, live)
		c.metrics.ReferencesCounter.Add(ctx, 1, metric.WithAttributes(internaltelemetry.AttrResult.String("hit")))
		return c.handle(found)
	}

	e := &entry[E]{hash: hash, strong: v}
	c.setBucket(hash, append(live, e))
	c.size++
	c.metrics.ReferencesCounter.Add(ctx, 1, metric.WithAttributes(internaltelemetry.AttrResult.String("miss")))
	c.metrics.EntriesUpDownCounter.Add(ctx, 1)
	return c.handle(e)
}

// handle promotes e to a weak entry on first use. Called with mu held.
func (c *Cache[E]) handle(e *entry[E]) *Handle[E] {
	if !e.promoted {
		v := e.strong
		e.weak = weak.Make(v)
		e.strong = nil
		e.promoted = true
		runtime.AddCleanup(v, c.enqueue, e)
	}
	return &Handle[E]{ptr: e.weak}
}

// enqueue runs on the runtime's cleanup goroutine after the value of e has been
// collected.
func (c *Cache[E]) enqueue(e *entry[E]) {
	select {
	case c.queue <- e:
	case <-c.done:
	}
}

func (c *Cache[E]) setBucket(hash uint64, bucket []*entry[E]) {
	if len(bucket) == 0 {
		delete(c.entries, hash)
		return
	}
	c.entries[hash] = bucket
}

func (c *Cache[E]) clean() {
	defer c.wg.Done()
	for {
		select {
		case e := <-c.queue:
			c.remove(e)
		case <-c.done:
			return
		}
	}
}

// remove drops the entry identical to e. It scans every bucket.
func (c *Cache[E]) remove(e *entry[E]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for hash, bucket := range c.entries {
		for i, candidate := range bucket {
			if candidate != e {
				continue
			}
			c.setBucket(hash, append(bucket[:i:i], bucket[i+1:]...))
			c.size--
			ctx := context.Background()
			c.metrics.ReclaimedCounter.Add(ctx, 1)
			c.metrics.EntriesUpDownCounter.Add(ctx, -1)
			c.logger.Debug("reclaimed cache entry", zap.Uint64("hash", e.hash), zap.Int("entries", c.size))
			return
		}
	}
}

// Len returns the number of entries, including ones whose value was collected but
// not yet cleaned up.
func (c *Cache[E]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Close stops the cleaner goroutine and waits for it to exit. Handles stay usable.
// Closing twice is a no-op.
func (c *Cache[E]) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		c.mu.Unlock()
		c.wg.Wait()
		c.logger.Debug("coverage cache closed", zap.Int("entries", c.Len()))
	})
	return nil
}
