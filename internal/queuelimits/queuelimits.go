// Package queuelimits probes the host's block-queue sysfs attributes so the
// server can advertise sensible parameters to the ublk driver.
package queuelimits

import (
	"fmt"
	"strconv"
	"strings"

	sysfs "github.com/ungerik/go-sysfs"
)

// Limits holds the queue topology values advertised to the kernel.
type Limits struct {
	LogicalBlockSize  uint32
	PhysicalBlockSize uint32
	MinimumIOSize     uint32
	OptimalIOSize     uint32
	DMAAlignment      uint32
	WriteCache        bool
	FUA               bool
}

// Default returns the fallback limits used for virtual devices or when any
// individual sysfs attribute cannot be read.
func Default() Limits {
	return Limits{
		LogicalBlockSize:  512,
		PhysicalBlockSize: 4096,
		MinimumIOSize:     512,
		OptimalIOSize:     4096,
		DMAAlignment:      511,
		WriteCache:        true,
		FUA:               false,
	}
}

// FromDevice reads /sys/dev/block/<major>:<minor>/queue/* and falls back to
// Default() wholesale for virtual devices (major == 0), or per-field when an
// individual attribute is missing or unparsable.
func FromDevice(major, minor uint32) Limits {
	def := Default()
	if major == 0 {
		return def
	}

	base := sysfs.Dev.Object(fmt.Sprintf("block/%d:%d", major, minor)).SubObject("queue")

	return Limits{
		LogicalBlockSize:  readIntLimit(base, "logical_block_size", def.LogicalBlockSize),
		PhysicalBlockSize: readIntLimit(base, "physical_block_size", def.PhysicalBlockSize),
		MinimumIOSize:     readIntLimit(base, "minimum_io_size", def.MinimumIOSize),
		OptimalIOSize:     readIntLimit(base, "optimal_io_size", def.OptimalIOSize),
		DMAAlignment:      readIntLimit(base, "dma_alignment", def.DMAAlignment),
		WriteCache:        readStrLimit(base, "write_cache") == "write back",
		FUA:               readStrLimit(base, "fua") == "1",
	}
}

func readIntLimit(base sysfs.Object, name string, fallback uint32) uint32 {
	raw := readStrLimit(base, name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return fallback
	}
	return uint32(v)
}

func readStrLimit(base sysfs.Object, name string) string {
	val, err := base.Attribute(name).Read()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(val)
}

// ShiftOf returns the base-2 shift for a power-of-two size. A zero input
// (reported for an absent optimal_io_size) is returned as shift 0.
func ShiftOf(size uint32) uint8 {
	if size == 0 {
		return 0
	}
	var shift uint8
	for s := size; s > 1; s >>= 1 {
		shift++
	}
	return shift
}
