package indexmanager

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojogrid/core/geometry"
	"github.com/sushant-115/gojogrid/core/indexing/spatial"
	"github.com/sushant-115/gojogrid/core/indexing/spatial/grid"
	storage "github.com/sushant-115/gojogrid/core/storage_engine"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func boltProps(t *testing.T, file string) storage.PropertySet {
	props := storage.PropertySet{
		storage.KeyStorageType:  "bolt",
		storage.KeyStoragePath:  filepath.Join(t.TempDir(), file),
		spatial.KeyPayloadCodec: storage.CodecString,
		grid.KeyCapacity:        "25",
	}
	props.SetFloats(grid.KeyUniverseLow, []float64{0, 0})
	props.SetFloats(grid.KeyUniverseHigh, []float64{50, 50})
	return props
}

func TestManager_CreateGetDrop(t *testing.T) {
	m, err := New(WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer m.Close()

	props := boltProps(t, "roads.bolt")
	props[storage.KeyStorageType] = "memory"
	idx, err := m.Create("roads", props)
	require.NoError(t, err)
	require.Equal(t, "roads", idx.PropertySet()[spatial.KeyIndexID])

	got, err := m.Get("roads")
	require.NoError(t, err)
	require.Same(t, idx, got)

	_, err = m.Create("roads", props)
	require.ErrorIs(t, err, ErrIndexExists)
	_, err = m.Create("", props)
	require.ErrorIs(t, err, ErrInvalidName)

	_, err = m.Create("rivers", storage.PropertySet{storage.KeyStorageType: "memory"})
	require.ErrorIs(t, err, storage.ErrInvalidConfiguration)
	require.Equal(t, []string{"roads"}, m.Names())

	saved, err := m.Properties("roads")
	require.NoError(t, err)
	require.Equal(t, "25", saved[grid.KeyCapacity])

	require.NoError(t, m.Drop("roads"))
	_, err = m.Get("roads")
	require.ErrorIs(t, err, ErrIndexNotFound)
	require.ErrorIs(t, m.Drop("roads"), ErrIndexNotFound)
	require.Empty(t, m.Names())
}

func TestManager_CatalogRoundTrip(t *testing.T) {
	catalogPath := filepath.Join(t.TempDir(), "catalog.yaml")
	m, err := New(WithCatalog(catalogPath))
	require.NoError(t, err)

	parcels, err := m.Create("parcels", boltProps(t, "parcels.bolt"))
	require.NoError(t, err)
	require.NoError(t, parcels.InsertData("lot-7", geometry.NewPoint(10, 10)))
	_, err = m.Create("zones", boltProps(t, "zones.bolt"))
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err = m.Get("parcels")
	require.ErrorIs(t, err, ErrManagerClosed)

	data, err := os.ReadFile(catalogPath)
	require.NoError(t, err)
	var cat catalog
	require.NoError(t, yaml.Unmarshal(data, &cat))
	require.Len(t, cat.Indexes, 2)
	require.Equal(t, grid.IndexType, cat.Indexes["parcels"][spatial.KeyIndexType])

	again, err := New(WithCatalog(catalogPath), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer again.Close()
	require.Equal(t, []string{"parcels", "zones"}, again.Names())

	idx, err := again.Get("parcels")
	require.NoError(t, err)
	var c spatial.Collector
	require.NoError(t, idx.PointLocationQuery(context.Background(), geometry.NewPoint(10, 10), &c))
	require.Equal(t, []any{"lot-7"}, c.Payloads())

	require.NoError(t, again.Drop("zones"))
	data, err = os.ReadFile(catalogPath)
	require.NoError(t, err)
	cat = catalog{}
	require.NoError(t, yaml.Unmarshal(data, &cat))
	require.Contains(t, cat.Indexes, "parcels")
	require.NotContains(t, cat.Indexes, "zones")
}

func TestManager_BrokenCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("indexes: [unterminated"), 0o644))
	_, err := New(WithCatalog(path))
	require.ErrorIs(t, err, storage.ErrInvalidConfiguration)

	require.NoError(t, os.WriteFile(path, []byte("indexes:\n  bad:\n    Storage.Type: tape\n"), 0o644))
	_, err = New(WithCatalog(path))
	require.ErrorIs(t, err, storage.ErrUnsupportedStorage)
}

func TestManager_IndexOptions(t *testing.T) {
	var writes int
	m, err := New(WithIndexOptions(grid.WithLogger(zap.NewNop())))
	require.NoError(t, err)
	defer m.Close()

	props := boltProps(t, "x.bolt")
	props[storage.KeyStorageType] = "memory"
	idx, err := m.Create("x", props)
	require.NoError(t, err)
	idx.AddWriteNodeCommand(spatial.NodeCommandFunc(func(storage.NodeID, *storage.Node) { writes++ }))
	require.NoError(t, idx.InsertData("a", geometry.NewPoint(1, 1)))
	require.Positive(t, writes)
}
