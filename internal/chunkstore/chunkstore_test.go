package chunkstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jiripospisil/blkchnkr/internal/config"
)

func TestPathBucketsByLowByte(t *testing.T) {
	cfg := &config.Config{Repository: "/repo", ChunkSize: 1 << 20}

	got := Path(cfg, 0x1ff)
	want := filepath.Join("/repo", "chunks", "ff", "511")
	if got != want {
		t.Errorf("Path(0x1ff) = %q, want %q", got, want)
	}
}

func TestChunksDir(t *testing.T) {
	if got, want := ChunksDir("/repo"), filepath.Join("/repo", "chunks"); got != want {
		t.Errorf("ChunksDir() = %q, want %q", got, want)
	}
}

func TestOpenOrCreateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{Repository: dir, ChunkSize: 64 * 1024}

	f1, err := OpenOrCreate(cfg, 5)
	if err != nil {
		t.Fatalf("OpenOrCreate() error: %v", err)
	}
	defer f1.Close()

	info, err := f1.Stat()
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if info.Size() != int64(cfg.ChunkSize) {
		t.Errorf("chunk size = %d, want %d", info.Size(), cfg.ChunkSize)
	}

	f2, err := OpenOrCreate(cfg, 5)
	if err != nil {
		t.Fatalf("second OpenOrCreate() error: %v", err)
	}
	defer f2.Close()

	info2, err := f2.Stat()
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if info2.Size() != int64(cfg.ChunkSize) {
		t.Errorf("chunk size after reopen = %d, want %d", info2.Size(), cfg.ChunkSize)
	}
}

func TestIndexForSector(t *testing.T) {
	const chunkSectors = 131072 // 64MiB / 512
	tests := []struct {
		sector uint64
		want   uint32
	}{
		{0, 0},
		{chunkSectors - 1, 0},
		{chunkSectors, 1},
		{chunkSectors*3 + 10, 3},
	}
	for _, tt := range tests {
		if got := IndexForSector(tt.sector, chunkSectors); got != tt.want {
			t.Errorf("IndexForSector(%d, %d) = %d, want %d", tt.sector, chunkSectors, got, tt.want)
		}
	}
}

func TestOpenOrCreateRespectsDirectIOFlag(t *testing.T) {
	dir := t.TempDir()
	direct := false
	cfg := &config.Config{Repository: dir, ChunkSize: 4096, DirectIO: &direct}

	f, err := OpenOrCreate(cfg, 0)
	if err != nil {
		t.Fatalf("OpenOrCreate() error: %v", err)
	}
	defer f.Close()

	if _, err := os.Stat(Path(cfg, 0)); err != nil {
		t.Errorf("chunk file not created: %v", err)
	}
}
