// Package chunkstore maps chunk indices to backing sparse files and creates
// them idempotently on first touch.
package chunkstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/jiripospisil/blkchnkr/internal/config"
)

// ChunksDir returns the repository's top-level chunks directory.
func ChunksDir(repository string) string {
	return filepath.Join(repository, "chunks")
}

// Path returns the on-disk path for a chunk index, without touching the
// filesystem: <repository>/chunks/<lower 8 bits of index, hex>/<index>.
func Path(cfg *config.Config, chunkIndex uint32) string {
	bucket := fmt.Sprintf("%02x", chunkIndex&0xff)
	return filepath.Join(cfg.Repository, "chunks", bucket, fmt.Sprintf("%d", chunkIndex))
}

// OpenOrCreate opens (creating if necessary) the chunk file for chunkIndex
// and ensures it is exactly cfg.ChunkSize bytes long. The mkdir -> open(CREATE)
// -> truncate sequence is idempotent: concurrent callers from other workers
// racing on the same chunk converge on the same end state because truncating
// to an already-correct size is a no-op.
func OpenOrCreate(cfg *config.Config, chunkIndex uint32) (*os.File, error) {
	path := Path(cfg, chunkIndex)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory for chunk %d: %w", chunkIndex, err)
	}

	flags := os.O_RDWR | os.O_CREATE
	if cfg.DirectIO != nil && *cfg.DirectIO {
		flags |= syscall.O_DIRECT
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk %d at %s: %w", chunkIndex, path, err)
	}

	if err := ftruncateRetryEINTR(f, int64(cfg.ChunkSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to truncate chunk %d to %d bytes: %w", chunkIndex, cfg.ChunkSize, err)
	}

	return f, nil
}

// ftruncateRetryEINTR retries Ftruncate on EINTR; any other error is fatal
// for the caller.
func ftruncateRetryEINTR(f *os.File, size int64) error {
	for {
		err := f.Truncate(size)
		if err == nil {
			return nil
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		return err
	}
}

// IndexForSector returns the chunk index owning a logical sector, given the
// chunk size expressed in sectors.
func IndexForSector(sector, chunkSectors uint64) uint32 {
	return uint32(sector / chunkSectors)
}
