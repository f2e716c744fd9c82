// Package factory builds spatial indexes from a PropertySet. It links every storage
// backend in, so any Storage.Type the module ships can be named in the properties.
package factory

import (
	"errors"
	"fmt"

	"github.com/sushant-115/gojogrid/core/indexing/spatial"
	"github.com/sushant-115/gojogrid/core/indexing/spatial/grid"
	storage "github.com/sushant-115/gojogrid/core/storage_engine"
	"go.uber.org/zap"

	_ "github.com/sushant-115/gojogrid/core/storage_engine/badgerstore"
	_ "github.com/sushant-115/gojogrid/core/storage_engine/boltstore"
	_ "github.com/sushant-115/gojogrid/core/storage_engine/disk"
	_ "github.com/sushant-115/gojogrid/core/storage_engine/memory"
)

// DefaultIndexType is used when SpatialIndex.Type is not set.
const DefaultIndexType = grid.IndexType

// CreateInstance opens the storage described by props and creates the index over
// it. When the storage already holds an index the same call restores it, so the
// properties returned by SpatialIndex.PropertySet are enough to reopen an index.
func CreateInstance(props storage.PropertySet, logger *zap.Logger, opts ...grid.Option) (spatial.SpatialIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	props = props.Clone()
	if props[spatial.KeyIndexType] == "" {
		props[spatial.KeyIndexType] = DefaultIndexType
	}
	if props[storage.KeyStorageType] == "" {
		return nil, fmt.Errorf("%w: missing %s", storage.ErrInvalidConfiguration, storage.KeyStorageType)
	}

	switch t := props[spatial.KeyIndexType]; t {
	case grid.IndexType:
		cfg, err := grid.ConfigFromProperties(props)
		if err != nil {
			return nil, err
		}
		st, err := storage.Open(props, logger)
		if err != nil {
			return nil, err
		}
		idx, err := grid.New(cfg, st, append([]grid.Option{grid.WithLogger(logger)}, opts...)...)
		if err != nil {
			return nil, errors.Join(err, st.Close())
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("%w: %q", spatial.ErrUnsupportedIndex, t)
	}
}

// Rebuild opens the storage described by storageProps and rebuilds the index it
// holds without knowing its configuration up front.
func Rebuild(storageProps storage.PropertySet, logger *zap.Logger, opts ...grid.Option) (spatial.SpatialIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	st, err := storage.Open(storageProps, logger)
	if err != nil {
		return nil, err
	}
	// Node payloads must be decodable during the scan.
	codec, err := storage.LookupCodec(storageProps.String(spatial.KeyPayloadCodec, ""))
	if err != nil {
		return nil, errors.Join(err, st.Close())
	}
	st.SetParent(scanParent{codec: codec})
	idx, err := grid.InitializeFromStorage(st, append([]grid.Option{grid.WithLogger(logger), grid.WithPayloadCodec(codec)}, opts...)...)
	if err != nil {
		return nil, errors.Join(err, st.Close())
	}
	return idx, nil
}

type scanParent struct{ codec storage.Codec }

func (scanParent) IndexID() string               { return "rebuild" }
func (p scanParent) PayloadCodec() storage.Codec { return p.codec }
