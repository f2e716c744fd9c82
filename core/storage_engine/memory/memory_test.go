package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
	storage "github.com/sushant-115/gojogrid/core/storage_engine"
	"github.com/sushant-115/gojogrid/core/storage_engine/storagetest"
	"go.uber.org/zap"
)

func TestMemoryStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		return New(zap.NewNop())
	})
}

func TestMemoryStorage_ValidityFollowsStorage(t *testing.T) {
	s := New(nil)
	n := storagetest.CellNode(t, 0, 0, "a")
	require.False(t, n.ID.IsValid())

	require.NoError(t, s.Put(n))
	require.True(t, n.ID.IsValid(), "the first identifier stored becomes canonical")

	require.NoError(t, s.Remove(n.ID))
	require.False(t, n.ID.IsValid())
}

func TestMemoryStorage_OpenByKind(t *testing.T) {
	s, err := storage.Open(storage.PropertySet{storage.KeyStorageType: Kind}, nil)
	require.NoError(t, err)
	require.IsType(t, &Storage{}, s)
	require.Equal(t, storage.PropertySet{storage.KeyStorageType: Kind}, s.PropertySet())
}

func TestMemoryStorage_PayloadsAreNotSerialized(t *testing.T) {
	type opaque struct{ ch chan int }
	s := New(nil)
	n := storagetest.CellNode(t, 0, 0)
	payload := &opaque{ch: make(chan int)}
	n.Entries = append(n.Entries, storage.Entry{Shape: storagetest.CellID(t, 0, 0).Region(), Payload: payload})
	require.NoError(t, s.Put(n))

	got, err := s.Get(n.ID)
	require.NoError(t, err)
	require.Same(t, payload, got.Entries[0].Payload)
}
