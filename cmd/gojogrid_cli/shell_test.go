package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojogrid/core/caching/coverage"
	"github.com/sushant-115/gojogrid/core/indexmanager"
	storage "github.com/sushant-115/gojogrid/core/storage_engine"
	"go.uber.org/zap"
)

func newTestShell(t *testing.T, opts ...indexmanager.Option) (*shell, *bytes.Buffer) {
	m, err := indexmanager.New(append([]indexmanager.Option{indexmanager.WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	cache := coverage.New[coverage.Coverage](coverage.CoverageEquivalence{})
	t.Cleanup(func() { _ = cache.Close() })

	var out bytes.Buffer
	return newShell(m, cache, defaultConfig().Defaults, &out), &out
}

func runLine(t *testing.T, s *shell, line string) error {
	t.Helper()
	return s.run(context.Background(), strings.Fields(line))
}

func TestShell_Session(t *testing.T) {
	s, out := newTestShell(t)
	require.Equal(t, "gojogrid> ", s.prompt())
	require.Error(t, runLine(t, s, "insert a point 1 1"))

	require.NoError(t, runLine(t, s, "create parks Grid.UniverseLow=0,0 Grid.UniverseHigh=100,100 Grid.Capacity=100"))
	require.Equal(t, "gojogrid[parks]> ", s.prompt())
	require.NoError(t, runLine(t, s, "insert north region 10 60 30 90"))
	require.NoError(t, runLine(t, s, "insert south region 10 5 30 20"))
	require.NoError(t, runLine(t, s, "insert far point 150 150"))

	out.Reset()
	require.NoError(t, runLine(t, s, "query intersect region 0 50 50 100"))
	require.Contains(t, out.String(), "north")
	require.NotContains(t, out.String(), "south")
	require.Contains(t, out.String(), "(1 entries")

	out.Reset()
	require.NoError(t, runLine(t, s, "query point 20 10"))
	require.Contains(t, out.String(), "south")

	out.Reset()
	require.NoError(t, runLine(t, s, "query contain region 0 0 100 100"))
	require.Contains(t, out.String(), "(2 entries")

	out.Reset()
	require.NoError(t, runLine(t, s, "query nn 1 point 140 140"))
	require.Contains(t, out.String(), "far")

	require.NoError(t, runLine(t, s, "delete far point 150 150"))
	out.Reset()
	require.NoError(t, runLine(t, s, "delete far point 150 150"))
	require.Contains(t, out.String(), "no matching entry")

	out.Reset()
	require.NoError(t, runLine(t, s, "stats"))
	require.Contains(t, out.String(), "entries:         2")
	require.NoError(t, runLine(t, s, "validate"))
	require.NoError(t, runLine(t, s, "flush"))

	out.Reset()
	require.NoError(t, runLine(t, s, "props"))
	require.Contains(t, out.String(), "SpatialIndex.ID=parks")

	require.NoError(t, runLine(t, s, "drop parks"))
	require.Equal(t, "gojogrid> ", s.prompt())
	require.ErrorIs(t, runLine(t, s, "exit"), errExit)
}

func TestShell_Errors(t *testing.T) {
	s, _ := newTestShell(t)
	require.ErrorIs(t, runLine(t, s, "create x Grid.Capacity"), storage.ErrInvalidConfiguration)
	require.ErrorIs(t, runLine(t, s, "create x"), storage.ErrInvalidConfiguration)
	require.ErrorIs(t, runLine(t, s, "use nothing"), indexmanager.ErrIndexNotFound)
	require.Error(t, runLine(t, s, "frobnicate"))

	require.NoError(t, runLine(t, s, "create x Grid.UniverseLow=0,0 Grid.UniverseHigh=1,1"))
	require.Error(t, runLine(t, s, "insert a circle 1 1"))
	require.Error(t, runLine(t, s, "insert a region 1 1 2"))
	require.Error(t, runLine(t, s, "insert a point one 1"))
	require.Error(t, runLine(t, s, "query nn many point 1 1"))
	require.Error(t, runLine(t, s, "query nn 0 point 1 1"))
	require.Error(t, runLine(t, s, "query sideways point 1 1"))
}

func TestShell_Coverage(t *testing.T) {
	s, out := newTestShell(t)
	require.NoError(t, runLine(t, s, "coverage load dem 2 2 0 0 2 2 1 2 3 4"))
	require.Contains(t, out.String(), "1 coverages cached")

	out.Reset()
	require.NoError(t, runLine(t, s, "coverage load dem 2 2 0 0 2 2 1 2 3 4"))
	require.Contains(t, out.String(), "dem shares an already loaded coverage")
	require.Contains(t, out.String(), "1 coverages cached")

	out.Reset()
	require.NoError(t, runLine(t, s, "coverage load slope 2 2 0 0 2 2 1 2 3 4"))
	require.Contains(t, out.String(), "2 coverages cached")

	out.Reset()
	require.NoError(t, runLine(t, s, "coverage sample dem 1.5 1.5"))
	require.Equal(t, "4\n", out.String())
	require.Error(t, runLine(t, s, "coverage sample dem 5 5"))
	require.Error(t, runLine(t, s, "coverage load bad 2 2 0 0 2 2 1 2 3"))

	require.NoError(t, runLine(t, s, "coverage forget dem"))
	require.Error(t, runLine(t, s, "coverage sample dem 1 1"))
}

func TestShell_ReopensCatalog(t *testing.T) {
	dir := t.TempDir()
	catalog := filepath.Join(dir, "catalog.yaml")
	path := filepath.Join(dir, "roads.bolt")

	s, _ := newTestShell(t, indexmanager.WithCatalog(catalog))
	require.NoError(t, runLine(t, s, "create roads Storage.Type=bolt Storage.Path="+path+" Grid.UniverseLow=0,0 Grid.UniverseHigh=10,10"))
	require.NoError(t, runLine(t, s, "insert a1 point 1 1"))
	require.NoError(t, s.manager.Close())

	again, out := newTestShell(t, indexmanager.WithCatalog(catalog))
	require.Equal(t, "gojogrid[roads]> ", again.prompt())
	require.NoError(t, runLine(t, again, "query point 1 1"))
	require.Contains(t, out.String(), "a1")
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Defaults[storage.KeyStorageType])

	path := filepath.Join(t.TempDir(), "cli.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logger:
  level: debug
telemetry:
  enabled: true
  prometheus_port: 9464
catalog: /var/lib/gojogrid/catalog.yaml
defaults:
  Storage.Type: bolt
  Grid.Capacity: "4096"
`), 0o644))
	cfg, err = loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, "console", cfg.Logger.Format)
	require.True(t, cfg.Telemetry.Enabled)
	require.Equal(t, 9464, cfg.Telemetry.PrometheusPort)
	require.Equal(t, "gojogrid-cli", cfg.Telemetry.ServiceName)
	require.Equal(t, "/var/lib/gojogrid/catalog.yaml", cfg.Catalog)
	require.Equal(t, "bolt", cfg.Defaults[storage.KeyStorageType])
	require.Equal(t, "4096", cfg.Defaults["Grid.Capacity"])
	require.Equal(t, storage.CodecString, cfg.Defaults["SpatialIndex.PayloadCodec"])

	require.NoError(t, os.WriteFile(path, []byte("logger: [broken"), 0o644))
	_, err = loadConfig(path)
	require.ErrorIs(t, err, storage.ErrInvalidConfiguration)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestShell_Backup(t *testing.T) {
	dir := t.TempDir()
	s, out := newTestShell(t)
	require.NoError(t, runLine(t, s, "create mem Grid.UniverseLow=0,0 Grid.UniverseHigh=10,10"))
	require.ErrorIs(t, runLine(t, s, "backup "+filepath.Join(dir, "mem.bak")), storage.ErrUnsupportedStorage)

	src := filepath.Join(dir, "parcels.db")
	require.NoError(t, runLine(t, s, "create parcels Storage.Type=disk Storage.Path="+src+" Grid.UniverseLow=0,0 Grid.UniverseHigh=10,10"))
	require.NoError(t, runLine(t, s, "insert lot point 3 3"))
	dst := filepath.Join(dir, "parcels.bak")
	require.NoError(t, runLine(t, s, "backup "+dst+" 1048576"))
	require.Contains(t, out.String(), "to "+dst)

	require.NoError(t, runLine(t, s, "create restored Storage.Type=disk Storage.Path="+dst+" Grid.UniverseLow=0,0 Grid.UniverseHigh=10,10"))
	out.Reset()
	require.NoError(t, runLine(t, s, "query point 3 3"))
	require.Contains(t, out.String(), "lot")
}
