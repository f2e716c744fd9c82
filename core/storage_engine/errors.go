package storage

import "errors"

// --- Error Definitions ---

var (
	ErrIO                   = errors.New("i/o error")
	ErrPageNotFound         = errors.New("page not found in buffer pool")
	ErrBufferPoolFull       = errors.New("buffer pool is full and no pages can be evicted")
	ErrSerialization        = errors.New("error during serialization")
	ErrDeserialization      = errors.New("error during deserialization")
	ErrChecksumMismatch     = errors.New("record checksum mismatch, data corruption suspected")
	ErrInvalidPageData      = errors.New("invalid page data")
	ErrStorageClosed        = errors.New("storage is closed")
	ErrNoPayloadCodec       = errors.New("no payload codec configured")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrUnsupportedStorage   = errors.New("unsupported storage type")
)
