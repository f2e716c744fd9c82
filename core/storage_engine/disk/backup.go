package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	storage "github.com/sushant-115/gojogrid/core/storage_engine"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const backupChunkSize = 1 << 20

var backupBufPool = sync.Pool{
	New: func() any { return make([]byte, backupChunkSize) },
}

// BackupInfo describes a finished backup.
type BackupInfo struct {
	Path     string
	Bytes    int64
	Checksum uint64
}

// Backup flushes the storage and copies the page file to dstPath, reading at most
// rateBytesPerSec (unlimited when zero or less). The copy is written next to
// dstPath and renamed into place once its checksum matches. Writers block until
// the copy is done.
func (s *Storage) Backup(ctx context.Context, dstPath string, rateBytesPerSec int) (BackupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return BackupInfo{}, storage.ErrStorageClosed
	}
	if err := s.flushLocked(ctx); err != nil {
		return BackupInfo{}, err
	}
	if err := s.dm.Sync(); err != nil {
		return BackupInfo{}, err
	}

	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), backupChunkSize)
	}
	info, err := copyFile(ctx, s.cfg.Path, dstPath, limiter)
	if err != nil {
		return BackupInfo{}, err
	}
	s.logger.Info("disk storage backed up",
		zap.String("backup", dstPath),
		zap.Int64("bytes", info.Bytes),
		zap.Uint64("checksum", info.Checksum))
	return info, nil
}

func copyFile(ctx context.Context, srcPath, dstPath string, limiter *rate.Limiter) (BackupInfo, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return BackupInfo{}, fmt.Errorf("%w: open %s: %v", storage.ErrIO, srcPath, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dstPath), filepath.Base(dstPath)+".*")
	if err != nil {
		return BackupInfo{}, fmt.Errorf("%w: create backup: %v", storage.ErrIO, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	buf := backupBufPool.Get().([]byte)
	defer backupBufPool.Put(buf)

	digest := xxhash.New()
	var off int64
	for {
		n, rerr := src.ReadAt(buf, off)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return BackupInfo{}, err
				}
			}
			if _, err := tmp.Write(buf[:n]); err != nil {
				return BackupInfo{}, fmt.Errorf("%w: write backup: %v", storage.ErrIO, err)
			}
			_, _ = digest.Write(buf[:n])
			off += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return BackupInfo{}, fmt.Errorf("%w: read %s: %v", storage.ErrIO, srcPath, rerr)
		}
	}
	if err := tmp.Sync(); err != nil {
		return BackupInfo{}, fmt.Errorf("%w: sync backup: %v", storage.ErrIO, err)
	}

	// Verify what landed on disk before exposing it.
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return BackupInfo{}, fmt.Errorf("%w: %v", storage.ErrIO, err)
	}
	check := xxhash.New()
	if _, err := io.CopyBuffer(check, tmp, buf); err != nil {
		return BackupInfo{}, fmt.Errorf("%w: verify backup: %v", storage.ErrIO, err)
	}
	if check.Sum64() != digest.Sum64() {
		return BackupInfo{}, fmt.Errorf("%w: backup of %s", storage.ErrChecksumMismatch, srcPath)
	}
	if err := tmp.Close(); err != nil {
		return BackupInfo{}, fmt.Errorf("%w: %v", storage.ErrIO, err)
	}
	if err := os.Rename(tmp.Name(), dstPath); err != nil {
		return BackupInfo{}, fmt.Errorf("%w: %v", storage.ErrIO, err)
	}
	return BackupInfo{Path: dstPath, Bytes: off, Checksum: digest.Sum64()}, nil
}
