//go:build giouring
// +build giouring

// Package uring implements real io_uring operations using giouring, a Go
// port of liburing's low-level API. giouring's SubmissionQueueEntry models
// the 64-byte base SQE; URING_CMD's extra 64-byte command area in a SQE128
// slot is written directly through an unsafe overlay with sqe128, since
// giouring does not special-case URING_CMD's payload layout.
package uring

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/pawelgaczynski/giouring"

	"github.com/jiripospisil/blkchnkr/internal/uapi"
)

type iouRing struct {
	mu     sync.Mutex
	ring   *giouring.Ring
	config Config
	pinned []unsafe.Pointer // keeps command payloads alive until reaped
}

type iouResult struct {
	userData uint64
	value    int32
	err      error
}

func (r *iouResult) UserData() uint64 { return r.userData }
func (r *iouResult) Value() int32     { return r.value }
func (r *iouResult) Error() error     { return r.err }

// NewRealRing creates a giouring-backed Ring with SQE128/CQE32 enabled, the
// mode the ublk driver's URING_CMD interface requires.
func NewRealRing(config Config) (Ring, error) {
	params := giouring.IOUringParams{
		Flags: giouring.SetupSQE128 | giouring.SetupCQE32,
	}

	ring, err := giouring.CreateRingParams(config.Entries, &params)
	if err != nil {
		return nil, fmt.Errorf("failed to create io_uring: %w", err)
	}

	return &iouRing{ring: ring, config: config}, nil
}

func (r *iouRing) Close() error {
	if r.ring != nil {
		r.ring.QueueExit()
	}
	return nil
}

func writeCmd(sqe *giouring.SubmissionQueueEntry, fd int32, addr uint64, length uint32, userData uint64, cmd uint32) {
	// Overlay the kernel's 128-byte SQE layout on top of giouring's 64-byte
	// view so the URING_CMD payload area (bytes 48-127) can be addressed.
	raw := (*sqe128)(unsafe.Pointer(sqe))
	*raw = sqe128{
		opcode:   IORING_OP_URING_CMD,
		fd:       fd,
		addr:     addr,
		len:      length,
		userData: userData,
	}
	cmdBytes := (*[80]byte)(unsafe.Pointer(&raw.cmd[0]))
	binary.LittleEndian.PutUint32(cmdBytes[0:4], cmd)
}

func (r *iouRing) submitAndReap() (*giouring.CompletionQueueEvent, error) {
	if _, err := r.ring.SubmitAndWait(1); err != nil {
		return nil, fmt.Errorf("submit_and_wait failed: %w", err)
	}
	cqe, err := r.ring.WaitCQE()
	if err != nil {
		return nil, fmt.Errorf("wait_cqe failed: %w", err)
	}
	r.ring.CQESeen(cqe)
	return cqe, nil
}

func (r *iouRing) SubmitCtrlCmd(cmd uint32, ctrlCmd *uapi.UblksrvCtrlCmd, userData uint64) (Result, error) {
	r.mu.Lock()
	sqe := r.ring.GetSQE()
	if sqe == nil {
		r.mu.Unlock()
		return nil, ErrRingFull
	}
	writeCmd(sqe, r.config.FD, uint64(uintptr(unsafe.Pointer(ctrlCmd))), uint32(unsafe.Sizeof(*ctrlCmd)), userData, cmd)
	cqe, err := r.submitAndReap()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	res := &iouResult{userData: cqe.UserData, value: cqe.Res}
	if cqe.Res < 0 {
		res.err = fmt.Errorf("control command failed: result %d", cqe.Res)
	}
	return res, nil
}

func (r *iouRing) SubmitCtrlCmdAsync(cmd uint32, ctrlCmd *uapi.UblksrvCtrlCmd, userData uint64) (*AsyncHandle, error) {
	return nil, fmt.Errorf("SubmitCtrlCmdAsync not supported by giouring ring; use SubmitCtrlCmd")
}

func (r *iouRing) SubmitIOCmd(cmd uint32, ioCmd *uapi.UblksrvIOCmd, userData uint64) (Result, error) {
	r.mu.Lock()
	sqe := r.ring.GetSQE()
	if sqe == nil {
		r.mu.Unlock()
		return nil, ErrRingFull
	}
	writeCmd(sqe, r.config.FD, uint64(uintptr(unsafe.Pointer(ioCmd))), uint32(unsafe.Sizeof(*ioCmd)), userData, cmd)
	cqe, err := r.submitAndReap()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	res := &iouResult{userData: cqe.UserData, value: cqe.Res}
	if cqe.Res < 0 {
		res.err = fmt.Errorf("I/O command failed: result %d", cqe.Res)
	}
	return res, nil
}

func (r *iouRing) PrepareIOCmd(cmd uint32, ioCmd *uapi.UblksrvIOCmd, userData uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sqe := r.ring.GetSQE()
	if sqe == nil {
		return ErrRingFull
	}
	writeCmd(sqe, r.config.FD, uint64(uintptr(unsafe.Pointer(ioCmd))), uint32(unsafe.Sizeof(*ioCmd)), userData, cmd)
	return nil
}

func (r *iouRing) FlushSubmissions() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.ring.Submit()
	if err != nil {
		return 0, fmt.Errorf("submit failed: %w", err)
	}
	return uint32(n), nil
}

func (r *iouRing) WaitForCompletion(timeout int) ([]Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var results []Result
	for {
		cqe, err := r.ring.PeekCQE()
		if err != nil {
			break
		}
		res := &iouResult{userData: cqe.UserData, value: cqe.Res}
		if cqe.Res < 0 {
			res.err = fmt.Errorf("I/O command failed: result %d", cqe.Res)
		}
		results = append(results, res)
		r.ring.CQESeen(cqe)
	}
	return results, nil
}

// RegisterFilesUpdate installs fds into giouring's fixed-file table.
func (r *iouRing) RegisterFilesUpdate(offset uint32, fds []int32) error {
	if len(fds) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.ring.RegisterFilesUpdate(offset, fds); err != nil {
		return fmt.Errorf("register_files_update failed: %w", err)
	}
	return nil
}

func (r *iouRing) NewBatch() Batch {
	return &iouBatch{ring: r}
}

// iouBatch stages SQEs and submits them with one syscall.
type iouBatch struct {
	ring  *iouRing
	items []batchItem
}

type batchItem struct {
	userData uint64
	isCtrl   bool
}

func (b *iouBatch) AddCtrlCmd(cmd uint32, ctrlCmd *uapi.UblksrvCtrlCmd, userData uint64) error {
	b.ring.mu.Lock()
	defer b.ring.mu.Unlock()

	sqe := b.ring.ring.GetSQE()
	if sqe == nil {
		return ErrRingFull
	}
	writeCmd(sqe, b.ring.config.FD, uint64(uintptr(unsafe.Pointer(ctrlCmd))), uint32(unsafe.Sizeof(*ctrlCmd)), userData, cmd)
	b.items = append(b.items, batchItem{userData: userData, isCtrl: true})
	return nil
}

func (b *iouBatch) AddIOCmd(cmd uint32, ioCmd *uapi.UblksrvIOCmd, userData uint64) error {
	b.ring.mu.Lock()
	defer b.ring.mu.Unlock()

	sqe := b.ring.ring.GetSQE()
	if sqe == nil {
		return ErrRingFull
	}
	writeCmd(sqe, b.ring.config.FD, uint64(uintptr(unsafe.Pointer(ioCmd))), uint32(unsafe.Sizeof(*ioCmd)), userData, cmd)
	b.items = append(b.items, batchItem{userData: userData})
	return nil
}

func (b *iouBatch) Submit() ([]Result, error) {
	if len(b.items) == 0 {
		return nil, nil
	}

	b.ring.mu.Lock()
	defer b.ring.mu.Unlock()

	if _, err := b.ring.ring.SubmitAndWait(uint32(len(b.items))); err != nil {
		return nil, fmt.Errorf("batch submit failed: %w", err)
	}

	results := make([]Result, 0, len(b.items))
	for range b.items {
		cqe, err := b.ring.ring.WaitCQE()
		if err != nil {
			return results, fmt.Errorf("batch wait failed: %w", err)
		}
		res := &iouResult{userData: cqe.UserData, value: cqe.Res}
		if cqe.Res < 0 {
			res.err = fmt.Errorf("batch item failed: result %d", cqe.Res)
		}
		results = append(results, res)
		b.ring.ring.CQESeen(cqe)
	}

	b.items = b.items[:0]
	return results, nil
}

func (b *iouBatch) Len() int {
	return len(b.items)
}
