package grid

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojogrid/core/geometry"
	"github.com/sushant-115/gojogrid/core/indexing/spatial"
	storage "github.com/sushant-115/gojogrid/core/storage_engine"
	"github.com/sushant-115/gojogrid/core/storage_engine/memory"
	"go.uber.org/zap"

	_ "github.com/sushant-115/gojogrid/core/storage_engine/badgerstore"
	_ "github.com/sushant-115/gojogrid/core/storage_engine/boltstore"
	_ "github.com/sushant-115/gojogrid/core/storage_engine/disk"
)

func persistentProps(t *testing.T) map[string]storage.PropertySet {
	dir := t.TempDir()
	return map[string]storage.PropertySet{
		"disk": {
			storage.KeyStorageType: "disk",
			storage.KeyStoragePath: filepath.Join(dir, "grid.db"),
			storage.KeyPageSize:    "512",
			storage.KeyCompression: "snappy",
		},
		"bolt": {
			storage.KeyStorageType: "bolt",
			storage.KeyStoragePath: filepath.Join(dir, "grid.bolt"),
		},
		"badger": {
			storage.KeyStorageType: "badger",
			storage.KeyStoragePath: filepath.Join(dir, "badger"),
		},
	}
}

func TestIndex_WarmRestart(t *testing.T) {
	for kind, storageProps := range persistentProps(t) {
		t.Run(kind, func(t *testing.T) {
			st, err := storage.Open(storageProps, zap.NewNop())
			require.NoError(t, err)
			idx, err := New(testConfig(t), st)
			require.NoError(t, err)

			rng := rand.New(rand.NewPCG(5, 6))
			items := fill(t, idx, rng, 100)
			found, err := idx.DeleteData(items[0].payload, items[0].shape)
			require.NoError(t, err)
			require.True(t, found)
			before := idx.Statistics()
			everything := region(t, -50, -50, 150, 150)
			want := intersecting(t, idx, everything)

			props := idx.PropertySet()
			require.Equal(t, kind, props[storage.KeyStorageType])
			require.NoError(t, idx.Close())

			st, err = storage.Open(props, zap.NewNop())
			require.NoError(t, err)
			reopened, err := Open(props, st)
			require.NoError(t, err)
			t.Cleanup(func() { _ = reopened.Close() })

			after := reopened.Statistics()
			require.Equal(t, before.NumberOfData, after.NumberOfData)
			require.Equal(t, before.NumberOfNodes, after.NumberOfNodes)
			require.Equal(t, before.RootInsertions, after.RootInsertions)
			require.Equal(t, "test-grid", reopened.IndexID())
			require.ElementsMatch(t, want, intersecting(t, reopened, everything))
			require.NoError(t, reopened.Validate())

			// Sequence numbers keep counting from where they stopped.
			require.NoError(t, reopened.InsertData("fresh", geometry.NewPoint(1, 1)))
			require.NoError(t, reopened.Validate())
		})
	}
}

func TestIndex_RestartWithoutFlush(t *testing.T) {
	props := persistentProps(t)["bolt"]
	st, err := storage.Open(props, zap.NewNop())
	require.NoError(t, err)
	idx, err := New(testConfig(t), st)
	require.NoError(t, err)
	require.NoError(t, idx.InsertData("a", geometry.NewPoint(10, 10)))
	require.NoError(t, idx.Flush())
	require.NoError(t, idx.InsertData("b", geometry.NewPoint(20, 20)))
	props = idx.PropertySet()
	// The root metadata still describes the state before "b".
	require.NoError(t, st.Close())

	st, err = storage.Open(props, zap.NewNop())
	require.NoError(t, err)
	reopened, err := Open(props, st)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	require.EqualValues(t, 2, reopened.Statistics().NumberOfData)

	require.NoError(t, reopened.InsertData("c", geometry.NewPoint(30, 30)))
	require.ElementsMatch(t, []any{"a", "b", "c"}, intersecting(t, reopened, region(t, 0, 0, 100, 100)))
	require.EqualValues(t, 3, reopened.Statistics().NumberOfData)
	require.NoError(t, reopened.Validate())
}

func TestIndex_WarmRestartInMemory(t *testing.T) {
	st := memory.New(zap.NewNop())
	idx, err := New(testConfig(t), st)
	require.NoError(t, err)
	require.NoError(t, idx.InsertData("r1", region(t, 1, 1, 5, 5)))
	require.NoError(t, idx.Flush())

	again, err := Open(idx.PropertySet(), st)
	require.NoError(t, err)
	require.EqualValues(t, 1, again.Statistics().NumberOfData)
	require.Equal(t, []any{"r1"}, intersecting(t, again, region(t, 0, 0, 10, 10)))
}

func TestIndex_WarmRestartRejectsOtherLayout(t *testing.T) {
	st := memory.New(zap.NewNop())
	_, err := New(testConfig(t), st)
	require.NoError(t, err)

	moved := testConfig(t)
	moved.Universe = region(t, 0, 0, 50, 50)
	_, err = New(moved, st)
	require.ErrorIs(t, err, storage.ErrInvalidConfiguration)

	finer := testConfig(t)
	finer.Capacity = 400
	_, err = New(finer, st)
	require.ErrorIs(t, err, storage.ErrInvalidConfiguration)
}

func TestInitializeFromStorage_WithMetadata(t *testing.T) {
	st := memory.New(zap.NewNop())
	cfg := testConfig(t)
	cfg.Cells = []int{4, 5}
	idx, err := New(cfg, st)
	require.NoError(t, err)
	items := fill(t, idx, rand.New(rand.NewPCG(7, 8)), 50)

	rebuilt, err := InitializeFromStorage(st)
	require.NoError(t, err)
	require.Equal(t, []int{4, 5}, rebuilt.Cells())
	require.True(t, cfg.Universe.Equal(rebuilt.Universe()))
	require.Equal(t, idx.Statistics().NumberOfData, rebuilt.Statistics().NumberOfData)
	require.Equal(t, idx.Statistics().NumberOfNodes, rebuilt.Statistics().NumberOfNodes)
	require.Len(t, intersecting(t, rebuilt, region(t, -50, -50, 150, 150)), len(items))
	require.NoError(t, rebuilt.Validate())
}

func TestInitializeFromStorage_WithoutRoot(t *testing.T) {
	st := memory.New(zap.NewNop())
	idx, err := New(testConfig(t), st)
	require.NoError(t, err)
	require.NoError(t, idx.InsertData("low", geometry.NewPoint(1, 1)))
	require.NoError(t, idx.InsertData("high", geometry.NewPoint(99, 99)))
	require.NoError(t, idx.InsertData("middle", region(t, 42, 42, 48, 48)))
	require.NoError(t, st.Remove(idx.RootID()))

	rebuilt, err := InitializeFromStorage(st, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.Equal(t, []int{10, 10}, rebuilt.Cells())
	u := rebuilt.Universe()
	for d := 0; d < 2; d++ {
		require.InDelta(t, 0, u.Low[d], 1e-9)
		require.InDelta(t, 100, u.High[d], 1e-9)
	}
	require.EqualValues(t, 3, rebuilt.Statistics().NumberOfData)
	require.EqualValues(t, 4, rebuilt.Statistics().NumberOfNodes)
	require.ElementsMatch(t, []any{"low", "high", "middle"}, intersecting(t, rebuilt, u))
	require.NoError(t, rebuilt.Validate())

	require.NoError(t, rebuilt.InsertData("later", geometry.NewPoint(2, 2)))
	require.NoError(t, rebuilt.Validate())
}

func TestInitializeFromStorage_Empty(t *testing.T) {
	_, err := InitializeFromStorage(memory.New(zap.NewNop()))
	require.ErrorIs(t, err, storage.ErrInvalidConfiguration)

	_, err = InitializeFromStorage(nil)
	require.ErrorIs(t, err, storage.ErrInvalidConfiguration)
}

func TestValidate_DetectsDamage(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		damage func(t *testing.T, idx *Index)
	}{
		{
			name: "entry in the wrong cell",
			damage: func(t *testing.T, idx *Index) {
				n, err := idx.readNode(ctx, idx.cellID([]int{9, 9}))
				require.NoError(t, err)
				if n == nil {
					n = storage.NewNode(idx.cellID([]int{9, 9}), cellLevel)
				}
				n.Entries = append(n.Entries, storage.Entry{Shape: geometry.NewPoint(1, 1), Payload: "stray", Seq: 0})
				require.NoError(t, idx.store.Put(n))
			},
		},
		{
			name: "missing replica",
			damage: func(t *testing.T, idx *Index) {
				n, err := idx.readNode(ctx, idx.cellID([]int{0, 1}))
				require.NoError(t, err)
				n.Entries = nil
				require.NoError(t, idx.store.Put(n))
			},
		},
		{
			name: "inside entry in root",
			damage: func(t *testing.T, idx *Index) {
				root, err := idx.readNode(ctx, idx.rootID)
				require.NoError(t, err)
				root.Entries = append(root.Entries, storage.Entry{Shape: geometry.NewPoint(50, 50), Payload: "lost", Seq: 1})
				require.NoError(t, idx.store.Put(root))
			},
		},
		{
			name: "future sequence",
			damage: func(t *testing.T, idx *Index) {
				n, err := idx.readNode(ctx, idx.cellID([]int{0, 0}))
				require.NoError(t, err)
				n.Entries[0].Seq = 1000
				require.NoError(t, idx.store.Put(n))
			},
		},
		{
			name: "stray node",
			damage: func(t *testing.T, idx *Index) {
				require.NoError(t, idx.store.Put(storage.NewNode(storage.NewNodeID("cell:42,0", region(t, 0, 0, 1, 1)), cellLevel)))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := newIndex(t, testConfig(t), nil)
			require.NoError(t, idx.InsertData("spans", region(t, 5, 5, 6, 15)))
			require.True(t, idx.IsIndexValid())

			tt.damage(t, idx)
			require.ErrorIs(t, idx.Validate(), spatial.ErrInvalidIndex)
			require.False(t, idx.IsIndexValid())
		})
	}
}

func TestNew_AdoptsStoredID(t *testing.T) {
	st := memory.New(zap.NewNop())
	first, err := New(testConfig(t), st)
	require.NoError(t, err)
	require.NoError(t, first.Flush())

	anonymous := testConfig(t)
	anonymous.ID = ""
	anonymous.PayloadCodec = ""
	again, err := New(anonymous, st)
	require.NoError(t, err)
	require.Equal(t, "test-grid", again.IndexID())
	require.Equal(t, storage.CodecString, again.PropertySet()[spatial.KeyPayloadCodec])
}
