package disk

import (
	"fmt"
	"strconv"

	storage "github.com/sushant-115/gojogrid/core/storage_engine"
)

const (
	DefaultPageSize       = 4096
	DefaultBufferPoolSize = 64

	minPageSize       = 128
	minBufferPoolSize = 4
	maxFilenameLength = 4096

	CompressionNone   = "none"
	CompressionSnappy = "snappy"
)

// Config is the typed form of the disk storage properties.
type Config struct {
	Path string
	// PageSize must match the page size the file was created with.
	PageSize       int
	BufferPoolSize int
	Compression    string
	// FlushRateBytes caps how many bytes per second Flush writes back. Zero means
	// unlimited.
	FlushRateBytes int
}

// ConfigFromProperties parses and validates the Storage.* keys of props.
func ConfigFromProperties(props storage.PropertySet) (Config, error) {
	var cfg Config
	var err error
	cfg.Path = props.String(storage.KeyStoragePath, "")
	if cfg.PageSize, err = props.Int(storage.KeyPageSize, DefaultPageSize); err != nil {
		return Config{}, err
	}
	if cfg.BufferPoolSize, err = props.Int(storage.KeyBufferPoolSize, DefaultBufferPoolSize); err != nil {
		return Config{}, err
	}
	cfg.Compression = props.String(storage.KeyCompression, CompressionNone)
	if cfg.FlushRateBytes, err = props.Int(storage.KeyFlushRateBytes, 0); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.Path == "":
		return fmt.Errorf("%w: %s is required for disk storage", storage.ErrInvalidConfiguration, storage.KeyStoragePath)
	case len(c.Path) > maxFilenameLength:
		return fmt.Errorf("%w: file path too long", storage.ErrInvalidConfiguration)
	case c.PageSize < minPageSize:
		return fmt.Errorf("%w: page size %d is below %d", storage.ErrInvalidConfiguration, c.PageSize, minPageSize)
	case c.BufferPoolSize < minBufferPoolSize:
		return fmt.Errorf("%w: buffer pool size %d is below %d", storage.ErrInvalidConfiguration, c.BufferPoolSize, minBufferPoolSize)
	case c.Compression != CompressionNone && c.Compression != CompressionSnappy:
		return fmt.Errorf("%w: unknown compression %q", storage.ErrInvalidConfiguration, c.Compression)
	case c.FlushRateBytes < 0:
		return fmt.Errorf("%w: negative flush rate", storage.ErrInvalidConfiguration)
	}
	return nil
}

// Properties is the inverse of ConfigFromProperties.
func (c Config) Properties() storage.PropertySet {
	return storage.PropertySet{
		storage.KeyStorageType:    Kind,
		storage.KeyStoragePath:    c.Path,
		storage.KeyPageSize:       strconv.Itoa(c.PageSize),
		storage.KeyBufferPoolSize: strconv.Itoa(c.BufferPoolSize),
		storage.KeyCompression:    c.Compression,
		storage.KeyFlushRateBytes: strconv.Itoa(c.FlushRateBytes),
	}
}
