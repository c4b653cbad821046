package ctrl

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"syscall"
	"time"
	"unsafe"

	"github.com/jiripospisil/blkchnkr/internal/logging"
	"github.com/jiripospisil/blkchnkr/internal/uapi"
	"github.com/jiripospisil/blkchnkr/internal/uring"
)

const (
	UblkControlPath = "/dev/ublk-control"

	// ctrlCmdTimeout bounds every control-plane round trip; a command that
	// doesn't complete within this window is treated as fatal.
	ctrlCmdTimeout = 5 * time.Second
)

type Controller struct {
	controlFd int
	ring      uring.Ring
	useIoctl  bool
	logger    *logging.Logger
}

func NewController() (*Controller, error) {
	fd, err := syscall.Open(UblkControlPath, syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %v", UblkControlPath, err)
	}

	config := uring.Config{
		Entries: 32,
		FD:      int32(fd),
		Flags:   0,
	}

	ring, err := uring.NewRing(config)
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("failed to create io_uring: %v", err)
	}

	return &Controller{
		controlFd: fd,
		ring:      ring,
		useIoctl:  true,
		logger:    logging.Default(),
	}, nil
}

func (c *Controller) Close() error {
	if c.ring != nil {
		c.ring.Close()
	}
	if c.controlFd >= 0 {
		return syscall.Close(c.controlFd)
	}
	return nil
}

// submitCtrlCmd submits a control command and bounds it to ctrlCmdTimeout.
// The ring call itself is synchronous, so the timeout is enforced by racing
// it against a context deadline on a helper goroutine; a command that never
// completes (a wedged driver) otherwise hangs the supervisor forever.
func (c *Controller) submitCtrlCmd(op uint32, cmd *uapi.UblksrvCtrlCmd) (uring.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctrlCmdTimeout)
	defer cancel()

	type outcome struct {
		result uring.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.ring.SubmitCtrlCmd(op, cmd, 0)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("control command 0x%x timed out after %s", op, ctrlCmdTimeout)
	}
}

func (c *Controller) ctrlCmd(op uint32) uint32 {
	if c.useIoctl {
		return uapi.UblkCtrlCmd(op)
	}
	return op
}

func (c *Controller) AddDevice(params *DeviceParams) (uint32, error) {
	// Use a single queue if the number of queues is not specified
	numQueues := params.NumQueues
	if numQueues <= 0 {
		numQueues = 1 // Start with 1 queue for simplicity
	}

	// Create and populate device info structure
	devInfo := &uapi.UblksrvCtrlDevInfo{
		NrHwQueues:    uint16(numQueues),
		QueueDepth:    uint16(params.QueueDepth),
		State:         0, // UBLK_S_DEV_DEAD (initial)
		MaxIOBufBytes: uint32(params.MaxIOSize),
		DevID:         uint32(params.DeviceID),
		UblksrvPID:    int32(os.Getpid()),
		Flags:         c.buildFeatureFlags(params),
		UblksrvFlags:  0,
		OwnerUID:      uint32(os.Getuid()),
		OwnerGID:      uint32(os.Getgid()),
	}

	c.logger.Debug("submitting ADD_DEV",
		"queues", devInfo.NrHwQueues,
		"depth", devInfo.QueueDepth,
		"max_io", devInfo.MaxIOBufBytes,
		"flags", fmt.Sprintf("0x%x", devInfo.Flags),
		"dev_id", devInfo.DevID)

	// Marshal device info and optionally pad to requested length (64 or 80)
	infoBuf := uapi.Marshal(devInfo)
	if v := os.Getenv("UBLK_DEVINFO_LEN"); v != "" {
		if want, err := strconv.Atoi(v); err == nil && want == 80 && len(infoBuf) == 64 {
			padded := make([]byte, 80)
			copy(padded, infoBuf)
			infoBuf = padded
			c.logger.Debug("using padded dev_info payload", "size", 80)
		}
	}

	cmd := &uapi.UblksrvCtrlCmd{
		DevID:   devInfo.DevID,
		QueueID: 0xFFFF,
		Len:     uint16(len(infoBuf)),
		Addr:    uint64(uintptr(unsafe.Pointer(&infoBuf[0]))),
	}

	result, err := c.submitCtrlCmd(c.ctrlCmd(uapi.UBLK_CMD_ADD_DEV), cmd)
	if err != nil {
		return 0, fmt.Errorf("ADD_DEV submit failed: %v", err)
	}

	c.logger.Info("ADD_DEV completed", "result", result.Value())

	if result.Value() < 0 {
		if result.Value() == -int32(syscall.EEXIST) {
			return 0, ErrDeviceExists
		}
		return 0, fmt.Errorf("ADD_DEV failed with error: %d", result.Value())
	}

	// Ensure device info buffer stays alive until after kernel copies it
	runtime.KeepAlive(infoBuf)

	info := uapi.UnmarshalCtrlDevInfo(infoBuf)
	c.logger.Info("device created", "dev_id", info.DevID)
	return info.DevID, nil
}

func (c *Controller) SetParams(devID uint32, params *DeviceParams) error {
	c.logger.Debug("setting device parameters",
		"logical_bs", params.LogicalBlockSize,
		"max_io", params.MaxIOSize,
		"dev_sectors", params.DevSectors)

	ublkParams := &uapi.UblkParams{}
	ublkParams.SetBasic()
	ublkParams.Basic = uapi.UblkParamBasic{
		Attrs:            c.buildAttrFlags(params),
		LogicalBSShift:   uint8(sizeToShift(params.LogicalBlockSize)),
		PhysicalBSShift:  uint8(sizeToShift(params.LogicalBlockSize)),
		IOOptShift:       0,
		IOMinShift:       uint8(sizeToShift(params.LogicalBlockSize)),
		MaxSectors:       uint32(params.MaxIOSize / params.LogicalBlockSize),
		ChunkSectors:     params.ChunkSectors,
		DevSectors:       params.DevSectors,
		VirtBoundaryMask: 0,
	}

	ublkParams.SetDiscard()
	ublkParams.Discard = uapi.UblkParamDiscard{
		DiscardAlignment:      params.DiscardAlignment,
		DiscardGranularity:    params.DiscardGranularity,
		MaxDiscardSectors:     params.MaxDiscardSectors,
		MaxWriteZeroesSectors: params.MaxDiscardSectors,
		MaxDiscardSegments:    params.MaxDiscardSegments,
	}

	ublkParams.SetDmaAlign()
	ublkParams.DmaAlign = uapi.UblkParamDmaAlign{
		Alignment: uint8(params.DMAAlignment),
	}

	c.logger.Debug("calculated basic parameters",
		"logical_bs_shift", ublkParams.Basic.LogicalBSShift,
		"max_sectors", ublkParams.Basic.MaxSectors,
		"chunk_sectors", ublkParams.Basic.ChunkSectors,
		"dev_sectors", ublkParams.Basic.DevSectors)

	buf := uapi.Marshal(ublkParams)
	if len(buf) < 128 {
		padded := make([]byte, 128)
		copy(padded, buf)
		buf = padded
		binary.LittleEndian.PutUint32(buf[0:4], 128)
		c.logger.Debug("padded parameter buffer", "size", 128)
	}

	cmd := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: 0xFFFF,
		Len:     uint16(len(buf)),
		Addr:    uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}

	result, err := c.submitCtrlCmd(c.ctrlCmd(uapi.UBLK_CMD_SET_PARAMS), cmd)
	if err != nil {
		return fmt.Errorf("SET_PARAMS failed: %v", err)
	}

	c.logger.Info("SET_PARAMS completed", "result", result.Value())

	if result.Value() < 0 {
		return fmt.Errorf("SET_PARAMS failed with error: %d", result.Value())
	}

	runtime.KeepAlive(buf)
	return nil
}

func (c *Controller) StartDevice(devID uint32) error {
	c.logger.Debug("starting device", "dev_id", devID)
	cmd := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: 0xFFFF,
		Data:    uint64(os.Getpid()),
	}
	result, err := c.submitCtrlCmd(c.ctrlCmd(uapi.UBLK_CMD_START_DEV), cmd)
	if err != nil {
		return fmt.Errorf("START_DEV failed: %v", err)
	}

	c.logger.Info("START_DEV completed", "result", result.Value())

	if result.Value() < 0 {
		return fmt.Errorf("START_DEV failed with error: %d", result.Value())
	}

	return nil
}

// AsyncStartHandle wraps the async START_DEV operation
type AsyncStartHandle struct {
	handle *uring.AsyncHandle
	devID  uint32
}

// Wait waits for START_DEV completion
func (h *AsyncStartHandle) Wait(timeout time.Duration) error {
	result, err := h.handle.Wait(timeout)
	if err != nil {
		return fmt.Errorf("START_DEV timeout for device %d: %v", h.devID, err)
	}

	if result.Value() < 0 {
		return fmt.Errorf("START_DEV failed with error: %d", result.Value())
	}

	return nil
}

// StartDeviceAsync initiates START_DEV without blocking
func (c *Controller) StartDeviceAsync(devID uint32) (*AsyncStartHandle, error) {
	cmd := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: 0xFFFF,
		Data:    uint64(os.Getpid()),
	}

	handle, err := c.ring.SubmitCtrlCmdAsync(c.ctrlCmd(uapi.UBLK_CMD_START_DEV), cmd, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to submit START_DEV: %v", err)
	}

	return &AsyncStartHandle{
		handle: handle,
		devID:  devID,
	}, nil
}

// StartUserRecovery begins recovery of a QUIESCED or FAIL_IO device; the
// supervisor issues it before re-attaching its queues and finishes with
// EndUserRecovery in place of a fresh START_DEV. Callers
// are expected to have already checked the device's reported state; this
// call itself just issues the command.
func (c *Controller) StartUserRecovery(devID uint32) error {
	cmd := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: 0xFFFF,
		Data:    uint64(os.Getpid()),
	}
	result, err := c.submitCtrlCmd(c.ctrlCmd(uapi.UBLK_CMD_START_USER_RECOVERY), cmd)
	if err != nil {
		return fmt.Errorf("START_USER_RECOVERY failed: %v", err)
	}
	if result.Value() < 0 {
		return fmt.Errorf("START_USER_RECOVERY failed with error: %d", result.Value())
	}
	return nil
}

// EndUserRecovery hands the recovered device back to the driver as LIVE,
// the recovery-path counterpart of StartDevice.
func (c *Controller) EndUserRecovery(devID uint32) error {
	cmd := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: 0xFFFF,
		Data:    uint64(os.Getpid()),
	}
	result, err := c.submitCtrlCmd(c.ctrlCmd(uapi.UBLK_CMD_END_USER_RECOVERY), cmd)
	if err != nil {
		return fmt.Errorf("END_USER_RECOVERY failed: %v", err)
	}
	if result.Value() < 0 {
		return fmt.Errorf("END_USER_RECOVERY failed with error: %d", result.Value())
	}
	return nil
}

// StartDataPlane is deprecated - queue runners handle FETCH_REQ directly
func (c *Controller) StartDataPlane(devID uint32, numQueues, queueDepth int) error {
	c.logger.Warn("StartDataPlane is deprecated", "dev_id", devID)
	return nil
}

func (c *Controller) StopDevice(devID uint32) error {
	cmd := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: 0xFFFF,
	}
	result, err := c.submitCtrlCmd(c.ctrlCmd(uapi.UBLK_CMD_STOP_DEV), cmd)
	if err != nil {
		return fmt.Errorf("STOP_DEV failed: %v", err)
	}

	if result.Value() < 0 {
		return fmt.Errorf("STOP_DEV failed with error: %d", result.Value())
	}

	return nil
}

func (c *Controller) DeleteDevice(devID uint32) error {
	cmd := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: 0xFFFF,
	}
	result, err := c.submitCtrlCmd(c.ctrlCmd(uapi.UBLK_CMD_DEL_DEV), cmd)
	if err != nil {
		return fmt.Errorf("DEL_DEV failed: %v", err)
	}

	if result.Value() < 0 {
		return fmt.Errorf("DEL_DEV failed with error: %d", result.Value())
	}

	return nil
}

// DeleteDeviceAsync tears the device down without waiting for completion,
// the driver's preferred path for final teardown after STOP_DEV.
func (c *Controller) DeleteDeviceAsync(devID uint32) error {
	cmd := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: 0xFFFF,
	}
	result, err := c.submitCtrlCmd(c.ctrlCmd(uapi.UBLK_CMD_DEL_DEV_ASYNC), cmd)
	if err != nil {
		return fmt.Errorf("DEL_DEV_ASYNC failed: %v", err)
	}
	if result.Value() < 0 {
		return fmt.Errorf("DEL_DEV_ASYNC failed with error: %d", result.Value())
	}
	return nil
}

func (c *Controller) GetDeviceInfo(devID uint32) (*uapi.UblksrvCtrlDevInfo, error) {
	buf := make([]byte, 80)

	cmd := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: 0xFFFF,
		Len:     uint16(len(buf)),
		Addr:    uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}

	result, err := c.submitCtrlCmd(c.ctrlCmd(uapi.UBLK_CMD_GET_DEV_INFO), cmd)
	if err != nil {
		return nil, fmt.Errorf("GET_DEV_INFO failed: %v", err)
	}

	if result.Value() < 0 {
		return nil, fmt.Errorf("GET_DEV_INFO failed with error: %d", result.Value())
	}

	devInfo := uapi.UnmarshalCtrlDevInfo(buf)
	runtime.KeepAlive(buf)
	return devInfo, nil
}

// GetParams retrieves current device parameters (including devt majors/minors when available)
func (c *Controller) GetParams(devID uint32) (*uapi.UblkParams, error) {
	buf := make([]byte, 128)

	cmd := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: 0xFFFF,
		Len:     uint16(len(buf)),
		Addr:    uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}

	result, err := c.submitCtrlCmd(c.ctrlCmd(uapi.UBLK_CMD_GET_PARAMS), cmd)
	if err != nil {
		return nil, fmt.Errorf("GET_PARAMS failed: %v", err)
	}
	if result.Value() < 0 {
		return nil, fmt.Errorf("GET_PARAMS failed with error: %d", result.Value())
	}
	params := &uapi.UblkParams{}
	if err := uapi.Unmarshal(buf, params); err != nil {
		params.Len = uint32(len(buf))
	}
	runtime.KeepAlive(buf)
	return params, nil
}

func (c *Controller) buildFeatureFlags(params *DeviceParams) uint64 {
	var flags uint64

	// Prefer completions in task context for control plane, as seen in
	// working reference setups. IOCTL_ENCODE is added further down only when
	// params.EnableIoctlEncode is set.
	flags |= uapi.UBLK_F_URING_CMD_COMP_IN_TASK

	// Recovery is always negotiated: the supervisor's restart path always
	// tries ADD_DEV first and falls back to recovery on -EEXIST.
	flags |= uapi.UBLK_F_USER_RECOVERY
	flags |= uapi.UBLK_F_USER_RECOVERY_REISSUE

	if params.EnableZeroCopy {
		flags |= uapi.UBLK_F_SUPPORT_ZERO_COPY
	}

	if params.EnableUnprivileged {
		flags |= uapi.UBLK_F_UNPRIVILEGED_DEV
	}

	if params.EnableUserCopy {
		flags |= uapi.UBLK_F_USER_COPY
	}

	if params.EnableIoctlEncode {
		flags |= uapi.UBLK_F_CMD_IOCTL_ENCODE
	}

	return flags
}

func (c *Controller) buildAttrFlags(params *DeviceParams) uint32 {
	var attrs uint32
	if params.ReadOnly {
		attrs |= uapi.UBLK_ATTR_READ_ONLY
	}
	if params.Rotational {
		attrs |= uapi.UBLK_ATTR_ROTATIONAL
	}
	if params.VolatileCache {
		attrs |= uapi.UBLK_ATTR_VOLATILE_CACHE
	}
	if params.EnableFUA {
		attrs |= uapi.UBLK_ATTR_FUA
	}
	return attrs
}

// SetLogger sets the logger for this controller
func (c *Controller) SetLogger(logger *logging.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// sizeToShift converts a size to its shift value (log2)
func sizeToShift(size int) int {
	shift := 0
	for s := size; s > 1; s >>= 1 {
		shift++
	}
	return shift
}
