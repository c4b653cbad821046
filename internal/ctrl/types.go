package ctrl

// DeviceParams describes the device topology and feature set submitted to
// the driver via ADD_DEV/SET_PARAMS. Capacity and chunk alignment come from
// the repository configuration rather than from a runtime-supplied backend.
type DeviceParams struct {
	DeviceID         int32
	QueueDepth       int
	NumQueues        int
	LogicalBlockSize int
	MaxIOSize        int

	// DevSectors is the device capacity in logical sectors.
	DevSectors uint64
	// ChunkSectors tells the driver never to split a request across this
	// boundary, matching the repository's chunk size so every request the
	// server sees is containable within a single chunk's worth of parts.
	ChunkSectors uint32
	// DMAAlignment is the alignment mask (alignment - 1) advertised via
	// UBLK_PARAM_TYPE_DMA_ALIGN.
	DMAAlignment uint32

	EnableZeroCopy     bool
	EnableUnprivileged bool
	EnableUserCopy     bool
	EnableZoned        bool
	EnableIoctlEncode  bool

	ReadOnly      bool
	Rotational    bool
	VolatileCache bool
	EnableFUA     bool

	DiscardAlignment   uint32
	DiscardGranularity uint32
	MaxDiscardSectors  uint32
	MaxDiscardSegments uint16

	DeviceName  string
	CPUAffinity []int
}

// DefaultDeviceParams returns the baseline parameter set; callers fill in
// DevSectors, ChunkSectors and DeviceID from the loaded repository config.
func DefaultDeviceParams() DeviceParams {
	return DeviceParams{
		DeviceID:         -1,
		QueueDepth:       128,
		NumQueues:        0,
		LogicalBlockSize: 512,
		MaxIOSize:        1 << 20,

		EnableZeroCopy:     false,
		EnableUnprivileged: false,
		EnableUserCopy:     false,
		EnableZoned:        false,
		EnableIoctlEncode:  false, // Disable ioctl mode, use URING_CMD

		ReadOnly:      false,
		Rotational:    false,
		VolatileCache: false,
		EnableFUA:     false,

		DiscardAlignment:   4096,
		DiscardGranularity: 4096,
		MaxDiscardSectors:  0xffffffff,
		MaxDiscardSegments: 256,

		DMAAlignment: 511,
	}
}

type DeviceInfo struct {
	ID         uint32
	State      uint32
	NumQueues  uint16
	QueueDepth uint16
	BlockSize  uint16
	MaxIOSize  uint32
	DevSectors uint64
	Features   uint64
	CharPath   string
	BlockPath  string
}

func (d *DeviceInfo) Size() int64 {
	return int64(d.DevSectors) * int64(d.BlockSize)
}
