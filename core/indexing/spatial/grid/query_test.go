package grid

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojogrid/core/geometry"
	"github.com/sushant-115/gojogrid/core/indexing/spatial"
	storage "github.com/sushant-115/gojogrid/core/storage_engine"
)

type item struct {
	payload string
	shape   geometry.Region
}

func randomRegion(t *testing.T, rng *rand.Rand, lo, hi float64) geometry.Region {
	x, y := lo+rng.Float64()*(hi-lo), lo+rng.Float64()*(hi-lo)
	w, h := rng.Float64()*20, rng.Float64()*20
	return region(t, x, y, x+w, y+h)
}

func fill(t *testing.T, idx *Index, rng *rand.Rand, n int) []item {
	t.Helper()
	items := make([]item, n)
	for i := range items {
		// Some shapes poke out of the universe and end up in the root.
		items[i] = item{payload: fmt.Sprintf("s%d", i), shape: randomRegion(t, rng, -10, 100)}
		require.NoError(t, idx.InsertData(items[i].payload, items[i].shape))
	}
	return items
}

func TestIndex_QueriesMatchBruteForce(t *testing.T) {
	idx := newIndex(t, testConfig(t), nil)
	rng := rand.New(rand.NewPCG(1, 2))
	items := fill(t, idx, rng, 300)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		q := randomRegion(t, rng, -20, 110)
		p := geometry.NewPoint(rng.Float64()*120-10, rng.Float64()*120-10)

		var wantContained, wantIntersecting, wantAt []any
		for _, it := range items {
			if q.Contains(it.shape) {
				wantContained = append(wantContained, it.payload)
			}
			if q.Intersects(it.shape) {
				wantIntersecting = append(wantIntersecting, it.payload)
			}
			if it.shape.ContainsPoint(p) {
				wantAt = append(wantAt, it.payload)
			}
		}

		var contained, inter, at spatial.Collector
		require.NoError(t, idx.ContainmentQuery(ctx, q, &contained))
		require.NoError(t, idx.IntersectionQuery(ctx, q, &inter))
		require.NoError(t, idx.PointLocationQuery(ctx, p, &at))
		require.ElementsMatch(t, wantContained, contained.Payloads(), "containment %s", q)
		require.ElementsMatch(t, wantIntersecting, inter.Payloads(), "intersection %s", q)
		require.ElementsMatch(t, wantAt, at.Payloads(), "point %s", p)
	}
	require.NoError(t, idx.Validate())
}

func TestIndex_NearestNeighborMatchesBruteForce(t *testing.T) {
	idx := newIndex(t, testConfig(t), nil)
	rng := rand.New(rand.NewPCG(3, 4))
	items := fill(t, idx, rng, 200)
	ctx := context.Background()

	for _, k := range []int{1, 5, 17, 250} {
		q := geometry.NewPoint(rng.Float64()*100, rng.Float64()*100)
		want := make([]float64, len(items))
		for i, it := range items {
			want[i] = q.MinimumDistance(it.shape)
		}
		sort.Float64s(want)
		want = want[:min(k, len(want))]

		var c spatial.Collector
		require.NoError(t, idx.NearestNeighborQuery(ctx, k, q, &c, nil))
		got := make([]float64, len(c.Entries))
		for i, e := range c.Entries {
			got[i] = q.MinimumDistance(e.Shape)
		}
		require.InDeltaSlice(t, want, got, 1e-9, "k=%d", k)
	}
}

func TestIndex_NearestNeighborOrderAndTies(t *testing.T) {
	idx := newIndex(t, testConfig(t), nil)
	ctx := context.Background()
	require.NoError(t, idx.InsertData("far", geometry.NewPoint(90, 90)))
	require.NoError(t, idx.InsertData("east", geometry.NewPoint(60, 50)))
	require.NoError(t, idx.InsertData("west", geometry.NewPoint(40, 50)))
	require.NoError(t, idx.InsertData("covering", region(t, 45, 45, 55, 55)))
	require.NoError(t, idx.InsertData("outside", geometry.NewPoint(-50, 50)))

	var c spatial.Collector
	require.NoError(t, idx.NearestNeighborQuery(ctx, 3, geometry.NewPoint(50, 50), &c, nil))
	// east and west are equally far; east was inserted first.
	require.Equal(t, []any{"covering", "east", "west"}, c.Payloads())

	var all spatial.Collector
	require.NoError(t, idx.NearestNeighborQuery(ctx, 10, geometry.NewPoint(50, 50), &all, nil))
	require.Equal(t, []any{"covering", "east", "west", "far", "outside"}, all.Payloads())
}

type byPayloadLength struct{}

func (byPayloadLength) Distance(_ geometry.Shape, e storage.Entry) float64 {
	return float64(len(e.Payload.(string)))
}

func TestIndex_NearestNeighborCustomComparator(t *testing.T) {
	idx := newIndex(t, testConfig(t), nil)
	require.NoError(t, idx.InsertData("aaaa", geometry.NewPoint(1, 1)))
	require.NoError(t, idx.InsertData("a", geometry.NewPoint(99, 99)))
	require.NoError(t, idx.InsertData("aa", geometry.NewPoint(50, 50)))

	var c spatial.Collector
	require.NoError(t, idx.NearestNeighborQuery(context.Background(), 2, geometry.NewPoint(1, 1), &c, byPayloadLength{}))
	require.Equal(t, []any{"a", "aa"}, c.Payloads())
}

func TestIndex_NearestNeighborPrunesCells(t *testing.T) {
	idx := newIndex(t, testConfig(t), nil)
	for x := 5.0; x < 100; x += 10 {
		for y := 5.0; y < 100; y += 10 {
			require.NoError(t, idx.InsertData(fmt.Sprintf("%g,%g", x, y), geometry.NewPoint(x, y)))
		}
	}

	var c spatial.Collector
	require.NoError(t, idx.NearestNeighborQuery(context.Background(), 1, geometry.NewPoint(5, 5), &c, nil))
	require.Equal(t, []any{"5,5"}, c.Payloads())
	require.Less(t, c.Nodes, 10, "cells far from the query must not be read")

	var full spatial.Collector
	require.NoError(t, idx.NearestNeighborQuery(context.Background(), 1, geometry.NewPoint(5, 5), &full, byPayloadLength{}))
	require.Equal(t, 101, full.Nodes)
}
