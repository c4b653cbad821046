// Package config reads and writes the blkchnkr repository configuration file.
//
// The on-disk format is a flat text file, one setting per line ("name value"),
// with "#" comment lines ignored. It is intentionally not YAML/TOML: the
// format is small, line-oriented, and needs to stay readable by a human
// operator inspecting a repository directly.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// CurrentVersion is the only config format version this build understands.
	CurrentVersion = 1

	minSize      = 256 << 20 // 256 MiB
	minChunkSize = 32 << 20  // 32 MiB
	pageSize     = 4096

	// DefaultChunkSize is used by `init` when --chunk-size is not supplied.
	DefaultChunkSize = 512 << 20 // 512 MiB
)

// Config is the persisted repository configuration.
type Config struct {
	Version   uint8
	Repository string

	DevID *uint32
	Size  uint64
	ChunkSize uint64
	Threads *uint16
	FSUID *uint32
	FSGID *uint32
	DirectIO *bool
}

// ConfigPath returns the path to the config file within a repository.
func ConfigPath(repository string) string {
	return filepath.Join(repository, "config")
}

// Exists reports whether a config file already exists at repository.
func Exists(repository string) bool {
	_, err := os.Stat(ConfigPath(repository))
	return err == nil
}

// New validates and constructs a fresh Config for `init`. Size and chunkSize
// are rounded up to their respective minimums and alignments.
func New(repository string, size, chunkSize uint64, devID *uint32, threads *uint16, fsuid, fsgid *uint32) (*Config, error) {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < minChunkSize {
		chunkSize = minChunkSize
	}
	chunkSize = roundUpTo(chunkSize, pageSize)

	if size < minSize {
		size = minSize
	}
	size = roundUpTo(size, chunkSize)

	return &Config{
		Version:    CurrentVersion,
		Repository: repository,
		DevID:      devID,
		Size:       size,
		ChunkSize:  chunkSize,
		Threads:    threads,
		FSUID:      fsuid,
		FSGID:      fsgid,
	}, nil
}

// FromRepository loads and parses the config file under repository.
func FromRepository(repository string) (*Config, error) {
	f, err := os.Open(ConfigPath(repository))
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg := &Config{Repository: repository}

	sawVersion, sawSize, sawChunkSize := false, false, false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, value, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("malformed config line: %q", line)
		}
		value = strings.TrimSpace(value)

		switch name {
		case "version":
			v, err := strconv.ParseUint(value, 10, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid version: %w", err)
			}
			cfg.Version = uint8(v)
			sawVersion = true
		case "size":
			v, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid size: %w", err)
			}
			cfg.Size = v
			sawSize = true
		case "chunk-size":
			v, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid chunk-size: %w", err)
			}
			cfg.ChunkSize = v
			sawChunkSize = true
		case "dev-id":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid dev-id: %w", err)
			}
			d := uint32(v)
			cfg.DevID = &d
		case "threads":
			v, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("invalid threads: %w", err)
			}
			t := uint16(v)
			cfg.Threads = &t
		case "fsuid":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid fsuid: %w", err)
			}
			u := uint32(v)
			cfg.FSUID = &u
		case "fsgid":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid fsgid: %w", err)
			}
			g := uint32(v)
			cfg.FSGID = &g
		case "direct-io":
			b, err := parseBool(value)
			if err != nil {
				return nil, fmt.Errorf("invalid direct-io: %w", err)
			}
			cfg.DirectIO = &b
		default:
			return nil, fmt.Errorf("unknown config setting: %q", name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if !sawVersion || !sawSize || !sawChunkSize {
		return nil, fmt.Errorf("config file is missing required settings (version, size, chunk-size)")
	}

	return cfg, nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "1", "on", "true":
		return true, nil
	case "0", "off", "false":
		return false, nil
	default:
		return false, fmt.Errorf("expected one of 1|0|on|off|true|false, got %q", value)
	}
}

// String renders the config in its persisted text format.
func (c *Config) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "version %d\n", c.Version)
	fmt.Fprintf(&b, "size %d\n", c.Size)
	fmt.Fprintf(&b, "chunk-size %d\n", c.ChunkSize)

	if c.DevID != nil {
		fmt.Fprintf(&b, "dev-id %d\n", *c.DevID)
	}
	if c.Threads != nil {
		fmt.Fprintf(&b, "threads %d\n", *c.Threads)
	}
	if c.FSUID != nil {
		fmt.Fprintf(&b, "fsuid %d\n", *c.FSUID)
	}
	if c.FSGID != nil {
		fmt.Fprintf(&b, "fsgid %d\n", *c.FSGID)
	}
	if c.DirectIO != nil {
		fmt.Fprintf(&b, "direct-io %t\n", *c.DirectIO)
	}

	return b.String()
}

// Save persists the config to <repository>/config.
func (c *Config) Save() error {
	return os.WriteFile(ConfigPath(c.Repository), []byte(c.String()), 0o644)
}

// ExpandSizeByBytes grows Size by at least delta bytes, rounded up to the
// next multiple of ChunkSize. Size never shrinks.
func (c *Config) ExpandSizeByBytes(delta uint64) error {
	if delta == 0 {
		return nil
	}

	newSize := c.Size + delta
	if newSize < c.Size {
		return fmt.Errorf("expand overflowed the device size")
	}

	c.Size = roundUpTo(newSize, c.ChunkSize)
	return nil
}

// ChunkSectors returns the chunk size expressed in 512-byte sectors.
func (c *Config) ChunkSectors() uint64 {
	return c.ChunkSize / 512
}

// ThreadsOrDefault returns the configured worker/queue count, defaulting to 1.
func (c *Config) ThreadsOrDefault() uint16 {
	if c.Threads != nil {
		return *c.Threads
	}
	return 1
}

func roundUpTo(v, multiple uint64) uint64 {
	if multiple == 0 {
		return v
	}
	rem := v % multiple
	if rem == 0 {
		return v
	}
	return v + (multiple - rem)
}
