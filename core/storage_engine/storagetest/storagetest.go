// Package storagetest holds the behaviour every Storage backend must share. Backend
// packages call Run from their own tests.
package storagetest

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojogrid/core/geometry"
	storage "github.com/sushant-115/gojogrid/core/storage_engine"
)

// Parent is a minimal storage.Parent for tests.
type Parent struct {
	ID    string
	Codec storage.Codec
}

func (p Parent) IndexID() string              { return p.ID }
func (p Parent) PayloadCodec() storage.Codec { return p.Codec }

// NewStorage returns a fresh, empty storage. The suite closes it.
type NewStorage func(t *testing.T) storage.Storage

// Run exercises the Storage contract against the backend built by newStorage.
// Payloads are strings, so the backend is given a StringCodec parent.
func Run(t *testing.T, newStorage NewStorage) {
	t.Run("GetMissingIsNotAnError", func(t *testing.T) {
		s := open(t, newStorage)
		n, err := s.Get(CellID(t, 0, 0))
		require.NoError(t, err)
		require.Nil(t, n)
	})

	t.Run("PutThenGet", func(t *testing.T) {
		s := open(t, newStorage)
		n := CellNode(t, 1, 2, "a", "b")
		require.NoError(t, s.Put(n))

		got, err := s.Get(CellID(t, 1, 2))
		require.NoError(t, err)
		require.NotNil(t, got)
		requireSameEntries(t, n, got)
		require.True(t, got.ID.Region().Equal(n.ID.Region()))
	})

	t.Run("PutUpserts", func(t *testing.T) {
		s := open(t, newStorage)
		require.NoError(t, s.Put(CellNode(t, 0, 0, "a")))
		updated := CellNode(t, 0, 0, "a", "b", "c")
		require.NoError(t, s.Put(updated))

		got, err := s.Get(CellID(t, 0, 0))
		require.NoError(t, err)
		requireSameEntries(t, updated, got)
	})

	t.Run("GetReturnsIndependentCopies", func(t *testing.T) {
		s := open(t, newStorage)
		require.NoError(t, s.Put(CellNode(t, 0, 0, "a")))

		got, err := s.Get(CellID(t, 0, 0))
		require.NoError(t, err)
		got.Entries = append(got.Entries, storage.Entry{Shape: geometry.NewPoint(0, 0), Payload: "leak"})

		again, err := s.Get(CellID(t, 0, 0))
		require.NoError(t, err)
		require.Len(t, again.Entries, 1)
	})

	t.Run("RemoveMissingIsNoop", func(t *testing.T) {
		s := open(t, newStorage)
		require.NoError(t, s.Remove(CellID(t, 9, 9)))

		require.NoError(t, s.Put(CellNode(t, 9, 9, "x")))
		require.NoError(t, s.Remove(CellID(t, 9, 9)))
		require.NoError(t, s.Remove(CellID(t, 9, 9)))
		got, err := s.Get(CellID(t, 9, 9))
		require.NoError(t, err)
		require.Nil(t, got)
	})

	t.Run("ClearDropsEverything", func(t *testing.T) {
		s := open(t, newStorage)
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Put(CellNode(t, i, 0, fmt.Sprintf("p%d", i))))
		}
		require.NoError(t, s.Clear())
		require.Equal(t, 0, count(t, s))

		require.NoError(t, s.Put(CellNode(t, 0, 0, "after")))
		require.Equal(t, 1, count(t, s))
	})

	t.Run("FindUniqueInstanceInterns", func(t *testing.T) {
		s := open(t, newStorage)
		first := CellID(t, 3, 3)
		second := CellID(t, 3, 3)
		require.Same(t, first, s.FindUniqueInstance(first))
		require.Same(t, first, s.FindUniqueInstance(second))
		require.NotSame(t, first, s.FindUniqueInstance(CellID(t, 3, 4)))
	})

	t.Run("ScanVisitsEveryNode", func(t *testing.T) {
		s := open(t, newStorage)
		want := map[string]bool{}
		for i := 0; i < 4; i++ {
			n := CellNode(t, i, i, fmt.Sprintf("p%d", i))
			want[n.ID.Key()] = true
			require.NoError(t, s.Put(n))
		}
		seen := map[string]bool{}
		require.NoError(t, s.Scan(func(n *storage.Node) error {
			seen[n.ID.Key()] = true
			return nil
		}))
		require.Equal(t, want, seen)

		stop := errors.New("stop")
		require.ErrorIs(t, s.Scan(func(*storage.Node) error { return stop }), stop)
	})

	t.Run("FlushWhenIdle", func(t *testing.T) {
		s := open(t, newStorage)
		require.NoError(t, s.Flush())
		require.NoError(t, s.Flush())
	})

	t.Run("PropertySetCarriesType", func(t *testing.T) {
		s := open(t, newStorage)
		require.NotEmpty(t, s.PropertySet()[storage.KeyStorageType])
	})

	t.Run("RootMetaSurvives", func(t *testing.T) {
		s := open(t, newStorage)
		root := storage.NewNode(storage.NewNodeID("root", universe(t)), 1)
		root.Meta = &storage.RootMeta{IndexType: "grid", Universe: universe(t), Cells: []int{4, 4}, Capacity: 8, NextSeq: 11}
		require.NoError(t, s.Put(root))

		got, err := s.Get(storage.NewNodeID("root", universe(t)))
		require.NoError(t, err)
		require.NotNil(t, got.Meta)
		require.Equal(t, []int{4, 4}, got.Meta.Cells)
		require.Equal(t, uint64(11), got.Meta.NextSeq)
		require.Equal(t, 1, got.Level)
	})
}

func open(t *testing.T, newStorage NewStorage) storage.Storage {
	t.Helper()
	s := newStorage(t)
	s.SetParent(Parent{ID: t.Name(), Codec: storage.StringCodec{}})
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func universe(t *testing.T) geometry.Region {
	t.Helper()
	r, err := geometry.NewRegion([]float64{0, 0}, []float64{100, 100})
	require.NoError(t, err)
	return r
}

// CellID builds the identifier of a 10x10 cell at column x, row y.
func CellID(t *testing.T, x, y int) *storage.BaseNodeID {
	t.Helper()
	r, err := geometry.NewRegion(
		[]float64{float64(x * 10), float64(y * 10)},
		[]float64{float64(x*10 + 10), float64(y*10 + 10)},
	)
	require.NoError(t, err)
	return storage.NewNodeID(fmt.Sprintf("cell:%d,%d", x, y), r)
}

// CellNode builds a cell node holding one point entry per payload.
func CellNode(t *testing.T, x, y int, payloads ...string) *storage.Node {
	t.Helper()
	n := storage.NewNode(CellID(t, x, y), 0)
	for i, p := range payloads {
		n.Entries = append(n.Entries, storage.Entry{
			ID:      int64(i),
			Shape:   geometry.NewPoint(float64(x*10+1), float64(y*10+1)),
			Payload: p,
			Seq:     uint64(i + 1),
		})
	}
	return n
}

func requireSameEntries(t *testing.T, want, got *storage.Node) {
	t.Helper()
	require.Len(t, got.Entries, len(want.Entries))
	for i := range want.Entries {
		require.True(t, got.Entries[i].Matches(want.Entries[i]), "entry %d: want %+v, got %+v", i, want.Entries[i], got.Entries[i])
		require.Equal(t, want.Entries[i].Seq, got.Entries[i].Seq)
	}
}

func count(t *testing.T, s storage.Storage) int {
	t.Helper()
	n := 0
	require.NoError(t, s.Scan(func(*storage.Node) error {
		n++
		return nil
	}))
	return n
}
