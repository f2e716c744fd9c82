package coverage

import (
	"context"
	"math"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojogrid/core/geometry"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func newCoverage(t testing.TB, name string) *Coverage {
	env, err := geometry.NewRegion([]float64{0, 0}, []float64{4, 2})
	require.NoError(t, err)
	return &Coverage{
		Name:     name,
		Envelope: env,
		Width:    4,
		Height:   2,
		Samples:  []float64{1, 2, 3, 4, 5, 6, 7, 8},
	}
}

func newCache(t *testing.T, opts ...Option) *Cache[Coverage] {
	c := New[Coverage](CoverageEquivalence{}, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// referenceTemporary references a coverage nobody else holds.
//
//go:noinline
func referenceTemporary(t *testing.T, c *Cache[Coverage], name string) *Handle[Coverage] {
	return c.Reference(newCoverage(t, name))
}

func TestCache_DeduplicatesEqualValues(t *testing.T) {
	c := newCache(t)
	a := newCoverage(t, "elevation")
	b := newCoverage(t, "elevation")
	require.NotSame(t, a, b)

	ha := c.Reference(a)
	hb := c.Reference(b)
	require.Same(t, a, ha.Get())
	require.Same(t, a, hb.Get())
	require.Equal(t, 1, c.Len())

	other := newCoverage(t, "slope")
	require.Same(t, other, c.Reference(other).Get())
	require.Equal(t, 2, c.Len())

	runtime.KeepAlive(a)
	runtime.KeepAlive(other)
}

func TestCache_DeduplicatesNoDataSamples(t *testing.T) {
	c := newCache(t)
	a, b := newCoverage(t, "dem"), newCoverage(t, "dem")
	a.Samples[2], b.Samples[2] = math.NaN(), math.NaN()

	require.Same(t, a, c.Reference(a).Get())
	require.Same(t, a, c.Reference(b).Get())
	require.Equal(t, 1, c.Len())
	runtime.KeepAlive(a)
}

func TestCache_ReclaimsCollectedValues(t *testing.T) {
	c := newCache(t)
	kept := newCoverage(t, "kept")
	c.Reference(kept)
	h := referenceTemporary(t, c, "temporary")
	require.Equal(t, 2, c.Len())

	require.Eventually(t, func() bool {
		runtime.GC()
		return h.Get() == nil && c.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The surviving entry is still canonical.
	require.Same(t, kept, c.Reference(newCoverage(t, "kept")).Get())
	runtime.KeepAlive(kept)
}

func TestCache_ReferenceAfterCollection(t *testing.T) {
	c := newCache(t)
	h := referenceTemporary(t, c, "again")
	require.Eventually(t, func() bool {
		runtime.GC()
		return h.Get() == nil
	}, 5*time.Second, 10*time.Millisecond)

	fresh := newCoverage(t, "again")
	require.Same(t, fresh, c.Reference(fresh).Get())
	require.Eventually(t, func() bool { return c.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	runtime.KeepAlive(fresh)
}

func TestCache_ConcurrentReferences(t *testing.T) {
	c := newCache(t)
	canonical := newCoverage(t, "shared")
	c.Reference(canonical)

	var wg sync.WaitGroup
	results := make([]*Coverage, 32)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.Reference(newCoverage(t, "shared")).Get()
		}()
	}
	wg.Wait()
	for _, got := range results {
		require.Same(t, canonical, got)
	}
	require.Equal(t, 1, c.Len())
	runtime.KeepAlive(canonical)
}

func TestCache_NilValue(t *testing.T) {
	c := newCache(t)
	require.Nil(t, c.Reference(nil).Get())
	require.Equal(t, 0, c.Len())

	var h *Handle[Coverage]
	require.Nil(t, h.Get())
}

func TestCache_CloseStopsCleaner(t *testing.T) {
	ignore := goleak.IgnoreCurrent()
	c := New[Coverage](CoverageEquivalence{})
	v := newCoverage(t, "x")
	c.Reference(v)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	goleak.VerifyNone(t, ignore)

	// Handles keep working, new references are no longer cached.
	w := newCoverage(t, "y")
	require.Same(t, w, c.Reference(w).Get())
	require.Equal(t, 1, c.Len())
	runtime.KeepAlive(v)
	runtime.KeepAlive(w)
}

func TestCache_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	c := newCache(t, WithMeter(provider.Meter("coverage-test")), WithQueueSize(1))

	v := newCoverage(t, "m")
	c.Reference(v)
	c.Reference(newCoverage(t, "m"))
	runtime.KeepAlive(v)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	byResult := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "gojogrid.cache.references_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				result, _ := dp.Attributes.Value("gojogrid.cache.result")
				byResult[result.AsString()] += dp.Value
			}
		}
	}
	require.Equal(t, map[string]int64{"hit": 1, "miss": 1}, byResult)
}

func TestDefault(t *testing.T) {
	require.Same(t, Default(), Default())
	v := newCoverage(t, "default")
	require.Same(t, v, Default().Reference(v).Get())
	runtime.KeepAlive(v)
}

func TestCoverageEquivalence(t *testing.T) {
	eq := CoverageEquivalence{}
	a, b := newCoverage(t, "a"), newCoverage(t, "a")
	require.True(t, eq.Equal(a, b))
	require.Equal(t, eq.Hash(a), eq.Hash(b))

	b.Samples[3] = 40
	require.False(t, eq.Equal(a, b))
	require.NotEqual(t, eq.Hash(a), eq.Hash(b))

	c := newCoverage(t, "c")
	require.False(t, eq.Equal(a, c))

	// Samples compare by their bits, like Hash.
	a, b = newCoverage(t, "a"), newCoverage(t, "a")
	a.Samples[0], b.Samples[0] = math.NaN(), math.NaN()
	require.True(t, eq.Equal(a, b))
	require.Equal(t, eq.Hash(a), eq.Hash(b))
	b.Samples[1], b.Samples[0] = math.Copysign(0, -1), 0
	a.Samples[1], a.Samples[0] = 0, 0
	require.False(t, eq.Equal(a, b))
}

func TestCoverage_SampleAt(t *testing.T) {
	c := newCoverage(t, "grid")
	v, ok := c.SampleAt(geometry.NewPoint(0.5, 0.5))
	require.True(t, ok)
	require.Equal(t, 1.0, v)

	v, ok = c.SampleAt(geometry.NewPoint(3.5, 1.5))
	require.True(t, ok)
	require.Equal(t, 8.0, v)

	// The upper boundary belongs to the last cell.
	v, ok = c.SampleAt(geometry.NewPoint(4, 2))
	require.True(t, ok)
	require.Equal(t, 8.0, v)

	_, ok = c.SampleAt(geometry.NewPoint(5, 1))
	require.False(t, ok)
}

func TestCoverage_SampleAtFlatEnvelope(t *testing.T) {
	c := newCoverage(t, "line")
	env, err := geometry.NewRegion([]float64{1, 0}, []float64{1, 2})
	require.NoError(t, err)
	c.Envelope = env
	_, ok := c.SampleAt(geometry.NewPoint(1, 1))
	require.False(t, ok)
}
