package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewAppliesMinimaAndRounding(t *testing.T) {
	cfg, err := New("/tmp/repo", 100<<20, 10<<20, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if cfg.ChunkSize != minChunkSize {
		t.Errorf("ChunkSize = %d, want minimum %d", cfg.ChunkSize, minChunkSize)
	}
	if cfg.Size != minSize {
		t.Errorf("Size = %d, want minimum %d", cfg.Size, minSize)
	}
}

func TestNewDefaultChunkSize(t *testing.T) {
	cfg, err := New("/tmp/repo", 1<<30, 0, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if cfg.ChunkSize != DefaultChunkSize {
		t.Errorf("ChunkSize = %d, want default %d", cfg.ChunkSize, DefaultChunkSize)
	}
}

func TestNewRoundsSizeUpToChunkSize(t *testing.T) {
	cfg, err := New("/tmp/repo", minSize+1, minChunkSize, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if cfg.Size%cfg.ChunkSize != 0 {
		t.Errorf("Size %d is not a multiple of ChunkSize %d", cfg.Size, cfg.ChunkSize)
	}
	if cfg.Size < minSize+1 {
		t.Errorf("Size %d should not shrink below requested %d", cfg.Size, minSize+1)
	}
}

func TestSaveAndFromRepositoryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	devID := uint32(3)
	threads := uint16(4)
	fsuid := uint32(1000)
	fsgid := uint32(1000)
	direct := true

	cfg, err := New(dir, 1<<30, 64<<20, &devID, &threads, &fsuid, &fsgid)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	cfg.DirectIO = &direct

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	if !Exists(dir) {
		t.Fatal("Exists() = false after Save()")
	}

	loaded, err := FromRepository(dir)
	if err != nil {
		t.Fatalf("FromRepository() error: %v", err)
	}

	if loaded.Size != cfg.Size || loaded.ChunkSize != cfg.ChunkSize {
		t.Errorf("loaded size/chunk-size = %d/%d, want %d/%d", loaded.Size, loaded.ChunkSize, cfg.Size, cfg.ChunkSize)
	}
	if loaded.DevID == nil || *loaded.DevID != devID {
		t.Errorf("loaded DevID = %v, want %d", loaded.DevID, devID)
	}
	if loaded.Threads == nil || *loaded.Threads != threads {
		t.Errorf("loaded Threads = %v, want %d", loaded.Threads, threads)
	}
	if loaded.DirectIO == nil || *loaded.DirectIO != true {
		t.Errorf("loaded DirectIO = %v, want true", loaded.DirectIO)
	}
}

func TestFromRepositoryRejectsUnknownSetting(t *testing.T) {
	dir := t.TempDir()
	contents := "version 1\nsize 268435456\nchunk-size 33554432\nbogus-setting 1\n"
	if err := os.WriteFile(ConfigPath(dir), []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := FromRepository(dir); err == nil {
		t.Fatal("FromRepository() should reject an unknown setting")
	}
}

func TestFromRepositoryRequiresCoreSettings(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(ConfigPath(dir), []byte("version 1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := FromRepository(dir); err == nil {
		t.Fatal("FromRepository() should require size and chunk-size")
	}
}

func TestExpandSizeByBytes(t *testing.T) {
	cfg := &Config{Size: minSize, ChunkSize: minChunkSize}
	if err := cfg.ExpandSizeByBytes(1); err != nil {
		t.Fatalf("ExpandSizeByBytes() error: %v", err)
	}
	if cfg.Size <= minSize {
		t.Errorf("Size should have grown past %d, got %d", minSize, cfg.Size)
	}
	if cfg.Size%cfg.ChunkSize != 0 {
		t.Errorf("Size %d is not a multiple of ChunkSize %d after expand", cfg.Size, cfg.ChunkSize)
	}
}

func TestChunkSectorsAndThreadsOrDefault(t *testing.T) {
	cfg := &Config{ChunkSize: 64 << 20}
	if got, want := cfg.ChunkSectors(), uint64(64<<20)/512; got != want {
		t.Errorf("ChunkSectors() = %d, want %d", got, want)
	}
	if got := cfg.ThreadsOrDefault(); got != 1 {
		t.Errorf("ThreadsOrDefault() with no Threads set = %d, want 1", got)
	}
	threads := uint16(8)
	cfg.Threads = &threads
	if got := cfg.ThreadsOrDefault(); got != 8 {
		t.Errorf("ThreadsOrDefault() = %d, want 8", got)
	}
}

func TestConfigPathJoinsRepository(t *testing.T) {
	if got, want := ConfigPath("/a/b"), filepath.Join("/a/b", "config"); got != want {
		t.Errorf("ConfigPath() = %q, want %q", got, want)
	}
}
