// Package uring provides minimal URING_CMD implementation for ublk control operations
package uring

import (
	"encoding/binary"
	"fmt"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/jiripospisil/blkchnkr/internal/logging"
	"github.com/jiripospisil/blkchnkr/internal/uapi"
)

// System call numbers for io_uring
const (
	__NR_io_uring_setup          = 425
	__NR_io_uring_enter          = 426
	__NR_io_uring_register       = 427
	IORING_REGISTER_FILES_UPDATE = 6
)

// Minimal io_uring structures for URING_CMD operations only
// Based on kernel include/uapi/linux/io_uring.h

const (
	IORING_OP_URING_CMD = 46

	IORING_SETUP_SQE128 = 1 << 10
	IORING_SETUP_CQE32  = 1 << 11
)

// Minimal SQE for URING_CMD (128-byte version)
type sqe128 struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	opcodeFlags uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceOff   int32
	addr3       uint64
	_           uint64
	cmd         [80]byte // Command-specific data for URING_CMD
}

// Minimal CQE (32-byte version)
type cqe32 struct {
	userData uint64
	res      int32
	flags    uint32
	bigCQE   [16]uint8 // Extra data for CQE32
}

// io_uring_files_update mirrors struct io_uring_files_update from the UAPI
// header, used with IORING_REGISTER_FILES_UPDATE.
type ioUringFilesUpdate struct {
	offset uint32
	resv   uint32
	fds    uint64 // pointer to an array of int32 fds
}

// Minimal ring structures
type io_uring_params struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCpu  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        struct {
		head        uint32
		tail        uint32
		ringMask    uint32
		ringEntries uint32
		flags       uint32
		dropped     uint32
		array       uint32
		resv1       uint32
		userAddr    uint64
	}
	cqOff struct {
		head        uint32
		tail        uint32
		ringMask    uint32
		ringEntries uint32
		overflow    uint32
		cqes        uint32
		flags       uint32
		resv1       uint32
		userAddr    uint64
	}
}

// minimalRing implements URING_CMD submission plus fixed-file registration
// for ublk control and data-plane operations, using raw io_uring syscalls.
type minimalRing struct {
	mu      sync.Mutex
	fd      int
	ctrlFd  int32
	params  io_uring_params
	sqAddr  unsafe.Pointer
	cqAddr  unsafe.Pointer
	pending []*sqe128
}

// NewMinimalRing creates a minimal io_uring for ublk control operations
func NewMinimalRing(entries uint32, ctrlFd int32) (Ring, error) {
	logger := logging.Default()
	logger.Debug("creating minimal io_uring", "entries", entries, "ctrl_fd", ctrlFd)

	// Set up ring parameters with SQE128/CQE32 for URING_CMD
	params := io_uring_params{
		sqEntries: entries,
		cqEntries: entries * 2, // Usually CQ is 2x SQ size
		flags:     IORING_SETUP_SQE128 | IORING_SETUP_CQE32,
	}

	logger.Debug("calling io_uring_setup", "flags", fmt.Sprintf("0x%x", params.flags))

	ringFd, _, errno := syscall.Syscall(unix.SYS_IO_URING_SETUP,
		uintptr(entries),
		uintptr(unsafe.Pointer(&params)),
		0)
	if errno != 0 {
		logger.Error("io_uring_setup failed", "errno", errno)
		return nil, fmt.Errorf("io_uring_setup failed: %v", errno)
	}

	logger.Debug("io_uring_setup succeeded", "ring_fd", ringFd)

	sqSize := params.sqOff.array + params.sqEntries*4
	cqSize := params.cqOff.cqes + params.cqEntries*uint32(unsafe.Sizeof(cqe32{}))

	sqAddr, err := unix.Mmap(int(ringFd), 0, int(sqSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		syscall.Close(int(ringFd))
		return nil, fmt.Errorf("failed to mmap SQ: %v", err)
	}

	cqAddr, err := unix.Mmap(int(ringFd), 0x8000000, int(cqSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(sqAddr)
		syscall.Close(int(ringFd))
		return nil, fmt.Errorf("failed to mmap CQ: %v", err)
	}

	return &minimalRing{
		fd:     int(ringFd),
		ctrlFd: ctrlFd,
		params: params,
		sqAddr: unsafe.Pointer(&sqAddr[0]),
		cqAddr: unsafe.Pointer(&cqAddr[0]),
	}, nil
}

func (r *minimalRing) Close() error {
	return syscall.Close(r.fd)
}

func (r *minimalRing) SubmitCtrlCmd(cmd uint32, ctrlCmd *uapi.UblksrvCtrlCmd, userData uint64) (Result, error) {
	logger := logging.Default()
	logger.Debug("preparing URING_CMD", "cmd", cmd, "dev_id", ctrlCmd.DevID)

	sqe := r.buildCtrlSQE(cmd, ctrlCmd, userData)

	result, err := r.submitAndWait(sqe)
	if err != nil {
		logger.Error("submitAndWait failed", "error", err)
		return nil, fmt.Errorf("failed to submit control command: %v", err)
	}

	logger.Debug("URING_CMD completed", "result", result.Value(), "error", result.Error())
	return result, nil
}

// AsyncHandle represents an in-flight control command whose completion has
// not yet been reaped.
type AsyncHandle struct {
	userData uint64
	ring     *minimalRing
}

// Wait blocks until the command associated with this handle completes, or
// returns an error once timeout elapses.
func (h *AsyncHandle) Wait(timeout time.Duration) (Result, error) {
	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.ring.processCompletion()
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("async command timed out after %s", timeout)
	}
}

func (r *minimalRing) SubmitCtrlCmdAsync(cmd uint32, ctrlCmd *uapi.UblksrvCtrlCmd, userData uint64) (*AsyncHandle, error) {
	sqe := r.buildCtrlSQE(cmd, ctrlCmd, userData)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.pushSQE(sqe); err != nil {
		return nil, err
	}
	if _, _, errno := r.submitAndWaitRing(1, 0); errno != 0 {
		return nil, fmt.Errorf("io_uring_enter failed: %v", errno)
	}

	return &AsyncHandle{userData: userData, ring: r}, nil
}

func (r *minimalRing) buildCtrlSQE(cmd uint32, ctrlCmd *uapi.UblksrvCtrlCmd, userData uint64) *sqe128 {
	sqe := &sqe128{
		opcode:   IORING_OP_URING_CMD,
		fd:       r.ctrlFd,
		addr:     uint64(uintptr(unsafe.Pointer(ctrlCmd))),
		len:      uint32(unsafe.Sizeof(*ctrlCmd)),
		userData: userData,
	}
	cmdBytes := (*[80]byte)(unsafe.Pointer(&sqe.cmd[0]))
	binary.LittleEndian.PutUint32(cmdBytes[0:4], cmd)
	return sqe
}

// minimalResult implements the Result interface
type minimalResult struct {
	userData uint64
	value    int32
	err      error
}

func (r *minimalResult) UserData() uint64 { return r.userData }
func (r *minimalResult) Value() int32     { return r.value }
func (r *minimalResult) Error() error     { return r.err }

func (r *minimalRing) SubmitIOCmd(cmd uint32, ioCmd *uapi.UblksrvIOCmd, userData uint64) (Result, error) {
	sqe := r.buildIOSQE(cmd, ioCmd, userData)
	return r.submitAndWait(sqe)
}

func (r *minimalRing) buildIOSQE(cmd uint32, ioCmd *uapi.UblksrvIOCmd, userData uint64) *sqe128 {
	sqe := &sqe128{
		opcode:   IORING_OP_URING_CMD,
		fd:       r.ctrlFd,
		addr:     uint64(uintptr(unsafe.Pointer(ioCmd))),
		len:      uint32(unsafe.Sizeof(*ioCmd)),
		userData: userData,
	}
	cmdBytes := (*[80]byte)(unsafe.Pointer(&sqe.cmd[0]))
	binary.LittleEndian.PutUint32(cmdBytes[0:4], cmd)
	return sqe
}

// PrepareIOCmd stages an SQE without submitting; FlushSubmissions pushes all
// staged SQEs into the ring with one io_uring_enter call.
func (r *minimalRing) PrepareIOCmd(cmd uint32, ioCmd *uapi.UblksrvIOCmd, userData uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) >= int(r.params.sqEntries) {
		return ErrRingFull
	}
	r.pending = append(r.pending, r.buildIOSQE(cmd, ioCmd, userData))
	return nil
}

func (r *minimalRing) FlushSubmissions() (uint32, error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	for _, sqe := range pending {
		if err := r.pushSQE(sqe); err != nil {
			r.mu.Unlock()
			return 0, err
		}
	}
	r.mu.Unlock()

	if len(pending) == 0 {
		return 0, nil
	}

	submitted, _, errno := r.submitAndWaitRing(uint32(len(pending)), 0)
	if errno != 0 {
		return 0, fmt.Errorf("io_uring_enter failed: %v", errno)
	}
	return submitted, nil
}

func (r *minimalRing) WaitForCompletion(timeout int) ([]Result, error) {
	_, completed, errno := r.submitAndWaitRing(0, 1)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_enter failed: %v", errno)
	}

	results := make([]Result, 0, completed)
	for i := uint32(0); i < completed; i++ {
		res, err := r.processCompletion()
		if err != nil {
			break
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *minimalRing) NewBatch() Batch {
	return &minimalBatch{}
}

// RegisterFilesUpdate installs fds into the ring's fixed-file table via
// IORING_REGISTER_FILES_UPDATE, so later SQEs can reference a chunk file by
// fixed index instead of a raw fd.
func (r *minimalRing) RegisterFilesUpdate(offset uint32, fds []int32) error {
	if len(fds) == 0 {
		return nil
	}

	update := ioUringFilesUpdate{
		offset: offset,
		fds:    uint64(uintptr(unsafe.Pointer(&fds[0]))),
	}

	_, _, errno := syscall.Syscall6(__NR_io_uring_register,
		uintptr(r.fd),
		uintptr(IORING_REGISTER_FILES_UPDATE),
		uintptr(unsafe.Pointer(&update)),
		uintptr(len(fds)),
		0, 0)
	if errno != 0 {
		return fmt.Errorf("io_uring_register(FILES_UPDATE) failed: %v", errno)
	}
	return nil
}

// Minimal batch implementation
type minimalBatch struct{}

func (b *minimalBatch) AddCtrlCmd(cmd uint32, ctrlCmd *uapi.UblksrvCtrlCmd, userData uint64) error {
	return fmt.Errorf("batch not implemented in minimal ring")
}

func (b *minimalBatch) AddIOCmd(cmd uint32, ioCmd *uapi.UblksrvIOCmd, userData uint64) error {
	return fmt.Errorf("batch not implemented in minimal ring")
}

func (b *minimalBatch) Submit() ([]Result, error) {
	return nil, fmt.Errorf("batch not implemented in minimal ring")
}

func (b *minimalBatch) Len() int {
	return 0
}

// submitAndWait submits a single SQE and blocks for its completion.
func (r *minimalRing) submitAndWait(sqe *sqe128) (Result, error) {
	r.mu.Lock()
	if err := r.pushSQE(sqe); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.mu.Unlock()

	_, _, errno := r.submitAndWaitRing(1, 1)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_enter failed: %v", errno)
	}

	return r.processCompletion()
}

// pushSQE writes sqe into the next free submission queue slot. Caller must
// hold r.mu.
func (r *minimalRing) pushSQE(sqe *sqe128) error {
	sqHead := (*uint32)(unsafe.Add(r.sqAddr, r.params.sqOff.head))
	sqTail := (*uint32)(unsafe.Add(r.sqAddr, r.params.sqOff.tail))
	sqMask := r.params.sqEntries - 1

	if (*sqTail - *sqHead) >= r.params.sqEntries {
		return ErrRingFull
	}

	sqArray := unsafe.Add(r.sqAddr, r.params.sqOff.array)
	sqIndex := *sqTail & sqMask
	sqeSlot := unsafe.Add(r.sqAddr, uintptr(128*sqIndex))

	*(*sqe128)(sqeSlot) = *sqe
	*(*uint32)(unsafe.Add(sqArray, uintptr(4*sqIndex))) = sqIndex
	*sqTail = *sqTail + 1

	return nil
}

// submitAndWaitRing calls io_uring_enter to submit and wait for completions
func (r *minimalRing) submitAndWaitRing(toSubmit, minComplete uint32) (submitted, completed uint32, errno syscall.Errno) {
	const IORING_ENTER_GETEVENTS = 1 << 0

	flags := uint32(0)
	if minComplete > 0 {
		flags = IORING_ENTER_GETEVENTS
	}

	r1, r2, err := syscall.Syscall6(
		unix.SYS_IO_URING_ENTER,
		uintptr(r.fd),
		uintptr(toSubmit),
		uintptr(minComplete),
		uintptr(flags),
		0, 0)

	return uint32(r1), uint32(r2), err
}

// processCompletion consumes the oldest unread CQE.
func (r *minimalRing) processCompletion() (Result, error) {
	logger := logging.Default()

	cqHead := (*uint32)(unsafe.Add(r.cqAddr, r.params.cqOff.head))
	cqTail := (*uint32)(unsafe.Add(r.cqAddr, r.params.cqOff.tail))

	if *cqHead == *cqTail {
		return nil, fmt.Errorf("no completions available")
	}

	cqMask := r.params.cqEntries - 1
	cqIndex := *cqHead & cqMask
	cqeSlot := unsafe.Add(r.cqAddr, uintptr(32*cqIndex))
	cqe := (*cqe32)(cqeSlot)

	logger.Debug("processing completion", "user_data", cqe.userData, "res", cqe.res, "flags", cqe.flags)

	result := &minimalResult{
		userData: cqe.userData,
		value:    cqe.res,
	}
	if cqe.res < 0 {
		result.err = fmt.Errorf("operation failed with result: %d", cqe.res)
	}

	*cqHead = *cqHead + 1

	return result, nil
}
