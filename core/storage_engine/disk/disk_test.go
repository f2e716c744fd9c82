package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	storage "github.com/sushant-115/gojogrid/core/storage_engine"
	"github.com/sushant-115/gojogrid/core/storage_engine/storagetest"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Path:           filepath.Join(t.TempDir(), "grid.db"),
		PageSize:       DefaultPageSize,
		BufferPoolSize: DefaultBufferPoolSize,
		Compression:    CompressionNone,
	}
}

func openStorage(t *testing.T, cfg Config) *Storage {
	t.Helper()
	s, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	s.SetParent(storagetest.Parent{ID: "test", Codec: storage.StringCodec{}})
	return s
}

func TestDiskStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		s, err := Open(testConfig(t), zap.NewNop())
		require.NoError(t, err)
		return s
	})
}

func TestDiskStorage_SmallPages(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		cfg := testConfig(t)
		cfg.PageSize = minPageSize
		cfg.BufferPoolSize = minBufferPoolSize
		s, err := Open(cfg, zap.NewNop())
		require.NoError(t, err)
		return s
	})
}

func TestDiskStorage_ReopenKeepsFlushedNodes(t *testing.T) {
	cfg := testConfig(t)
	s := openStorage(t, cfg)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Put(storagetest.CellNode(t, i, i, fmt.Sprintf("a%d", i), fmt.Sprintf("b%d", i))))
	}
	require.NoError(t, s.Remove(storagetest.CellID(t, 3, 3)))
	require.NoError(t, s.Close())

	s = openStorage(t, cfg)
	defer s.Close()
	require.Equal(t, 9, s.Len())
	for i := 0; i < 10; i++ {
		got, err := s.Get(storagetest.CellID(t, i, i))
		require.NoError(t, err)
		if i == 3 {
			require.Nil(t, got)
			continue
		}
		require.NotNil(t, got)
		require.Len(t, got.Entries, 2)
		require.Equal(t, fmt.Sprintf("b%d", i), got.Entries[1].Payload)
		require.Equal(t, uint64(2), got.Entries[1].Seq)

		id, ok := got.ID.(*PageNodeID)
		require.True(t, ok)
		require.NotEqual(t, InvalidPageID, id.StartPage())
	}
}

func TestDiskStorage_UnflushedWritesAreNotInTheDirectory(t *testing.T) {
	cfg := testConfig(t)
	s := openStorage(t, cfg)
	require.NoError(t, s.Put(storagetest.CellNode(t, 0, 0, "kept")))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Put(storagetest.CellNode(t, 1, 1, "lost")))

	// Simulate a crash: drop the pool and the file without flushing.
	s.pool.Reset()
	require.NoError(t, s.dm.Close())

	s = openStorage(t, cfg)
	defer s.Close()
	got, err := s.Get(storagetest.CellID(t, 0, 0))
	require.NoError(t, err)
	require.NotNil(t, got)
	got, err = s.Get(storagetest.CellID(t, 1, 1))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestDiskStorage_MultiPageRecordsWithEviction(t *testing.T) {
	cfg := testConfig(t)
	cfg.PageSize = minPageSize
	cfg.BufferPoolSize = minBufferPoolSize
	s := openStorage(t, cfg)

	big := strings.Repeat("x", 10*minPageSize)
	for i := 0; i < 8; i++ {
		require.NoError(t, s.Put(storagetest.CellNode(t, i, 0, big, fmt.Sprintf("tail%d", i))))
	}
	for i := 0; i < 8; i++ {
		got, err := s.Get(storagetest.CellID(t, i, 0))
		require.NoError(t, err)
		require.Equal(t, big, got.Entries[0].Payload)
		require.Equal(t, fmt.Sprintf("tail%d", i), got.Entries[1].Payload)
	}
	require.LessOrEqual(t, s.pool.DirtyPages(), minBufferPoolSize)
	require.NoError(t, s.Close())

	s = openStorage(t, cfg)
	defer s.Close()
	got, err := s.Get(storagetest.CellID(t, 7, 0))
	require.NoError(t, err)
	require.Equal(t, big, got.Entries[0].Payload)
}

func TestDiskStorage_SnappyCompression(t *testing.T) {
	payload := strings.Repeat("compressible ", 200)

	pagesUsed := func(compression string) (uint64, string) {
		cfg := testConfig(t)
		cfg.PageSize = minPageSize
		cfg.Compression = compression
		s := openStorage(t, cfg)
		require.NoError(t, s.Put(storagetest.CellNode(t, 0, 0, payload)))
		require.NoError(t, s.Close())

		s = openStorage(t, cfg)
		defer s.Close()
		got, err := s.Get(storagetest.CellID(t, 0, 0))
		require.NoError(t, err)
		return s.dm.NumPages(), got.Entries[0].Payload.(string)
	}

	plainPages, plain := pagesUsed(CompressionNone)
	snappyPages, compressed := pagesUsed(CompressionSnappy)
	require.Equal(t, payload, plain)
	require.Equal(t, payload, compressed)
	require.Less(t, snappyPages, plainPages)
}

func TestDiskStorage_FreedPagesAreReusedAfterFlush(t *testing.T) {
	s := openStorage(t, testConfig(t))
	defer s.Close()

	require.NoError(t, s.Put(storagetest.CellNode(t, 0, 0, "a")))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Remove(storagetest.CellID(t, 0, 0)))

	// The removed chain is still referenced by the flushed directory.
	before := s.dm.NumPages()
	require.NoError(t, s.Put(storagetest.CellNode(t, 1, 0, "b")))
	require.Equal(t, before+1, s.dm.NumPages())

	require.NoError(t, s.Flush())
	before = s.dm.NumPages()
	require.NoError(t, s.Put(storagetest.CellNode(t, 2, 0, "c")))
	require.Equal(t, before, s.dm.NumPages())
}

func TestDiskStorage_FreeListSurvivesReopen(t *testing.T) {
	cfg := testConfig(t)
	s := openStorage(t, cfg)
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Put(storagetest.CellNode(t, i, 0, "v")))
	}
	require.NoError(t, s.Flush())
	require.NoError(t, s.Clear())
	require.NoError(t, s.Close())

	s = openStorage(t, cfg)
	defer s.Close()
	require.Equal(t, 0, s.Len())
	require.NotEmpty(t, s.free)
	before := s.dm.NumPages()
	require.NoError(t, s.Put(storagetest.CellNode(t, 0, 0, "again")))
	require.Equal(t, before, s.dm.NumPages())
}

func TestDiskStorage_IdentifiersBecomeValidOnFlush(t *testing.T) {
	s := openStorage(t, testConfig(t))
	defer s.Close()

	n := storagetest.CellNode(t, 0, 0, "a")
	require.NoError(t, s.Put(n))
	require.False(t, n.ID.IsValid())
	require.NoError(t, s.Flush())
	require.True(t, n.ID.IsValid())

	require.NoError(t, s.Remove(n.ID))
	require.False(t, n.ID.IsValid())
}

func TestDiskStorage_ChecksumMismatch(t *testing.T) {
	cfg := testConfig(t)
	s := openStorage(t, cfg)
	require.NoError(t, s.Put(storagetest.CellNode(t, 0, 0, "payload")))
	start := s.directory[storagetest.CellID(t, 0, 0).Key()]
	require.NoError(t, s.Close())

	f, err := os.OpenFile(cfg.Path, os.O_RDWR, 0)
	require.NoError(t, err)
	offset := int64(start)*int64(cfg.PageSize) + pageHeaderSize + recordHeaderSize + 2
	b := make([]byte, 1)
	_, err = f.ReadAt(b, offset)
	require.NoError(t, err)
	b[0] ^= 0xff
	_, err = f.WriteAt(b, offset)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = openStorage(t, cfg)
	defer s.Close()
	_, err = s.Get(storagetest.CellID(t, 0, 0))
	require.ErrorIs(t, err, storage.ErrChecksumMismatch)
}

func TestDiskStorage_IOErrors(t *testing.T) {
	s := openStorage(t, testConfig(t))
	require.NoError(t, s.Put(storagetest.CellNode(t, 0, 0, "a")))
	require.NoError(t, s.dm.file.Close())

	require.ErrorIs(t, s.Flush(), storage.ErrIO)
	require.ErrorIs(t, s.Put(storagetest.CellNode(t, 1, 1, "b")), storage.ErrIO)
	_ = s.Close()

	require.ErrorIs(t, s.Put(storagetest.CellNode(t, 1, 1, "b")), storage.ErrStorageClosed)
	_, err := s.Get(storagetest.CellID(t, 0, 0))
	require.ErrorIs(t, err, storage.ErrStorageClosed)
	require.NoError(t, s.Close())
}

func TestDiskStorage_RejectsForeignFiles(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.Path, make([]byte, cfg.PageSize), 0o666))
	_, err := Open(cfg, nil)
	require.ErrorIs(t, err, storage.ErrInvalidPageData)
}

func TestDiskStorage_PageSizeMismatch(t *testing.T) {
	cfg := testConfig(t)
	s := openStorage(t, cfg)
	require.NoError(t, s.Close())

	cfg.PageSize = 512
	_, err := Open(cfg, nil)
	require.ErrorIs(t, err, storage.ErrInvalidConfiguration)
}

func TestConfig_Validate(t *testing.T) {
	base := Config{Path: "grid.db", PageSize: DefaultPageSize, BufferPoolSize: DefaultBufferPoolSize, Compression: CompressionNone}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing path", func(c *Config) { c.Path = "" }},
		{"long path", func(c *Config) { c.Path = strings.Repeat("p", maxFilenameLength+1) }},
		{"tiny page", func(c *Config) { c.PageSize = 64 }},
		{"tiny pool", func(c *Config) { c.BufferPoolSize = 1 }},
		{"unknown compression", func(c *Config) { c.Compression = "zstd" }},
		{"negative flush rate", func(c *Config) { c.FlushRateBytes = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), storage.ErrInvalidConfiguration)
		})
	}
}

func TestConfig_PropertiesRoundTrip(t *testing.T) {
	cfg := Config{Path: "grid.db", PageSize: 1024, BufferPoolSize: 8, Compression: CompressionSnappy, FlushRateBytes: 1 << 20}
	props := cfg.Properties()
	require.Equal(t, Kind, props[storage.KeyStorageType])

	parsed, err := ConfigFromProperties(props)
	require.NoError(t, err)
	require.Equal(t, cfg, parsed)

	_, err = ConfigFromProperties(storage.PropertySet{storage.KeyStoragePath: "x", storage.KeyPageSize: "big"})
	require.ErrorIs(t, err, storage.ErrInvalidConfiguration)
}

func TestDiskStorage_OpenByKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.db")
	s, err := storage.Open(storage.PropertySet{
		storage.KeyStorageType:    Kind,
		storage.KeyStoragePath:    path,
		storage.KeyFlushRateBytes: "1048576",
	}, nil)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, path, s.PropertySet()[storage.KeyStoragePath])
	require.NoError(t, s.Flush())
}
