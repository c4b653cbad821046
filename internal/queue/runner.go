package queue

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jiripospisil/blkchnkr/internal/chunkstore"
	"github.com/jiripospisil/blkchnkr/internal/config"
	"github.com/jiripospisil/blkchnkr/internal/descmap"
	"github.com/jiripospisil/blkchnkr/internal/interfaces"
	"github.com/jiripospisil/blkchnkr/internal/iobuf"
	"github.com/jiripospisil/blkchnkr/internal/parts"
	"github.com/jiripospisil/blkchnkr/internal/uapi"
	"github.com/jiripospisil/blkchnkr/internal/uring"
)

// TagState represents the state of a tag in the ublk state machine
type TagState int

const (
	TagStateInFlightFetch  TagState = iota // Kernel owns; FETCH_REQ in flight
	TagStateOwned                          // User owns; descriptor is readable
	TagStateInFlightCommit                 // Kernel owns; COMMIT_AND_FETCH_REQ in flight
	TagStateDone                           // Kernel reported abort; tag retired
)

// User data encoding: high bit indicates operation type
const (
	udOpFetch  uint64 = 0 << 63 // FETCH_REQ completion
	udOpCommit uint64 = 1 << 63 // COMMIT_AND_FETCH_REQ completion
)

// resultAbort is the CQE value the driver reports when a tag is torn down
// out from under an in-flight FETCH/COMMIT_AND_FETCH (e.g. STOP_DEV).
const resultAbort = int32(uapi.UBLK_IO_RES_ABORT)

// Runner drives one ublk hardware queue: it owns the queue's char-device fd,
// its URING_CMD ring, the descriptor map and I/O buffer arena, and the
// per-chunk file cache backing every tag's read/write/flush/write-zeroes.
type Runner struct {
	deviceID     uint32
	queueID      uint16
	depth        int
	cfg          *config.Config
	chunkSectors uint64
	charDeviceFd int
	ring         uring.Ring
	descs        *descmap.Map
	bufs         *iobuf.Arena
	ctx          context.Context
	cancel       context.CancelFunc
	logger       interfaces.Logger
	observer     interfaces.Observer
	cpuAffinity  []int

	files *fileCache

	tagStates  []TagState
	tagMutexes []sync.Mutex
	ioCmds     []uapi.UblksrvIOCmd

	remaining atomic32 // count of tags not yet Done, for clean shutdown
}

// atomic32 is a tiny counter; defined locally to avoid pulling in
// sync/atomic's generic wrappers for a single use.
type atomic32 struct {
	mu sync.Mutex
	n  int
}

func (a *atomic32) set(n int) { a.mu.Lock(); a.n = n; a.mu.Unlock() }
func (a *atomic32) dec() int {
	a.mu.Lock()
	a.n--
	n := a.n
	a.mu.Unlock()
	return n
}

// fileCache maps a chunk index to its open backing file, opening each chunk
// at most once per worker regardless of how many tags touch it.
type fileCache struct {
	mu    sync.Mutex
	cfg   *config.Config
	files map[uint32]*fileHandle
}

type fileHandle struct {
	f   *os.File
	fd  int
}

func newFileCache(cfg *config.Config) *fileCache {
	return &fileCache{cfg: cfg, files: make(map[uint32]*fileHandle)}
}

func (c *fileCache) get(chunkIndex uint32) (*fileHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h, ok := c.files[chunkIndex]; ok {
		return h, nil
	}

	f, err := chunkstore.OpenOrCreate(c.cfg, chunkIndex)
	if err != nil {
		return nil, err
	}
	h := &fileHandle{f: f, fd: int(f.Fd())}
	c.files[chunkIndex] = h
	return h, nil
}

func (c *fileCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for idx, h := range c.files {
		h.f.Close()
		delete(c.files, idx)
	}
}

// Config configures a Runner.
type Config struct {
	DevID       uint32
	QueueID     uint16
	Depth       int
	MaxIOBytes  uint32 // per-tag buffer slot size; 0 defaults to 64KiB
	Repository  *config.Config
	Logger      interfaces.Logger
	Observer    interfaces.Observer
	CPUAffinity []int
	CharFd      int // if >0, duplicated instead of opening /dev/ublkcN directly
}

const defaultMaxIOBytes = 64 * 1024

// NewRunner creates a new queue runner
func NewRunner(ctx context.Context, cfg Config) (*Runner, error) {
	if cfg.Logger != nil {
		cfg.Logger.Debugf("creating queue runner for device %d queue %d", cfg.DevID, cfg.QueueID)
	}

	var fd int
	var err error

	if cfg.CharFd > 0 {
		fd, err = syscall.Dup(cfg.CharFd)
		if err != nil {
			return nil, fmt.Errorf("failed to dup char fd: %v", err)
		}
	} else {
		charPath := uapi.UblkDevicePath(cfg.DevID)
		if cfg.Logger != nil {
			cfg.Logger.Debugf("opening character device %s", charPath)
		}

		// udev typically creates /dev/ublkcN within 100ms of ADD_DEV; retry a
		// handful of times with a short backoff rather than failing outright.
		const maxRetries = 3
		const retryDelay = 150 * time.Millisecond
		for i := 0; i < maxRetries; i++ {
			fd, err = syscall.Open(charPath, syscall.O_RDWR, 0)
			if err == nil {
				break
			}
			if err != syscall.ENOENT {
				return nil, fmt.Errorf("failed to open %s: %v", charPath, err)
			}
			time.Sleep(retryDelay)
		}
		if err != nil {
			return nil, fmt.Errorf("character device did not appear: %s", charPath)
		}
	}

	ringConfig := uring.Config{
		Entries: uint32(cfg.Depth),
		FD:      int32(fd),
	}
	ring, err := uring.NewRing(ringConfig)
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("failed to create io_uring: %v", err)
	}

	descs, err := descmap.New(fd, cfg.QueueID, uint16(cfg.Depth))
	if err != nil {
		ring.Close()
		syscall.Close(fd)
		return nil, fmt.Errorf("failed to map descriptor table: %v", err)
	}

	maxIOBytes := cfg.MaxIOBytes
	if maxIOBytes == 0 {
		maxIOBytes = defaultMaxIOBytes
	}
	bufs, err := iobuf.New(maxIOBytes, uint16(cfg.Depth))
	if err != nil {
		descs.Close()
		ring.Close()
		syscall.Close(fd)
		return nil, fmt.Errorf("failed to allocate I/O buffer arena: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	r := &Runner{
		deviceID:     cfg.DevID,
		queueID:      cfg.QueueID,
		depth:        cfg.Depth,
		cfg:          cfg.Repository,
		chunkSectors: cfg.Repository.ChunkSectors(),
		charDeviceFd: fd,
		ring:         ring,
		descs:        descs,
		bufs:         bufs,
		ctx:          runCtx,
		cancel:       cancel,
		logger:       cfg.Logger,
		observer:     cfg.Observer,
		cpuAffinity:  cfg.CPUAffinity,
		files:        newFileCache(cfg.Repository),
		tagStates:    make([]TagState, cfg.Depth),
		tagMutexes:   make([]sync.Mutex, cfg.Depth),
		ioCmds:       make([]uapi.UblksrvIOCmd, cfg.Depth),
	}
	r.remaining.set(cfg.Depth)

	return r, nil
}

// Start begins processing I/O requests
func (r *Runner) Start() error {
	if r.logger != nil {
		r.logger.Printf("Starting queue %d for device %d", r.queueID, r.deviceID)
	}

	startErr := make(chan error, 1)
	go r.ioLoop(startErr)

	if err := <-startErr; err != nil {
		return fmt.Errorf("failed to prime queue %d: %w", r.queueID, err)
	}
	return nil
}

// Prime submits initial FETCH_REQ commands to fill the queue.
func (r *Runner) Prime() error {
	if r.charDeviceFd < 0 || r.ring == nil {
		return fmt.Errorf("runner not initialized")
	}

	for tag := 0; tag < r.depth; tag++ {
		if err := r.submitInitialFetchReq(uint16(tag)); err != nil {
			if errno, ok := err.(syscall.Errno); ok && errno == syscall.EOPNOTSUPP {
				return fmt.Errorf("device not ready (START_DEV pending): %w", err)
			}
			return fmt.Errorf("submit initial FETCH_REQ[%d]: %w", tag, err)
		}
	}
	return nil
}

// Stop cancels the I/O loop.
func (r *Runner) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

// Close releases all resources: the ring, descriptor map, buffer arena, the
// queue's cached chunk files, and the character device fd.
func (r *Runner) Close() error {
	_ = r.Stop()

	if r.ring != nil {
		r.ring.Close()
	}
	if r.descs != nil {
		r.descs.Close()
		r.descs = nil
	}
	if r.bufs != nil {
		r.bufs.Close()
		r.bufs = nil
	}
	if r.files != nil {
		r.files.closeAll()
	}
	if r.charDeviceFd >= 0 {
		syscall.Close(r.charDeviceFd)
		r.charDeviceFd = -1
	}

	return nil
}

// ioLoop is the main, single-threaded I/O processing loop for this queue.
// ublk_drv pins one kernel-side thread per queue and rejects FETCH/COMMIT
// commands arriving from any other thread, hence LockOSThread.
func (r *Runner) ioLoop(started chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if len(r.cpuAffinity) > 0 {
		cpuIdx := r.cpuAffinity[int(r.queueID)%len(r.cpuAffinity)]
		var mask unix.CPUSet
		mask.Set(cpuIdx)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			if r.logger != nil {
				r.logger.Printf("Queue %d: failed to set CPU affinity to CPU %d: %v", r.queueID, cpuIdx, err)
			}
		}
	}

	primeErr := r.Prime()
	if started != nil {
		started <- primeErr
	}
	if primeErr != nil {
		if r.logger != nil {
			r.logger.Printf("Queue %d: failed to prime queue: %v", r.queueID, primeErr)
		}
		return
	}

	for {
		select {
		case <-r.ctx.Done():
			return
		default:
			if err := r.processRequests(); err != nil {
				if r.logger != nil {
					r.logger.Printf("Queue %d: error processing requests: %v", r.queueID, err)
				}
				return
			}
			if r.remaining.n == 0 {
				return
			}
		}
	}
}

func (r *Runner) submitInitialFetchReq(tag uint16) error {
	r.tagMutexes[tag].Lock()
	defer r.tagMutexes[tag].Unlock()

	if r.tagStates[tag] != TagState(0) {
		return fmt.Errorf("tag %d already initialized (state=%d)", tag, r.tagStates[tag])
	}

	ioCmd := &r.ioCmds[tag]
	ioCmd.QID = r.queueID
	ioCmd.Tag = tag
	ioCmd.Result = 0
	ioCmd.Addr = r.bufs.Addr(tag)

	userData := udOpFetch | (uint64(r.queueID) << 16) | uint64(tag)
	cmd := uapi.UblkIOCmd(uapi.UBLK_IO_FETCH_REQ)
	if _, err := r.ring.SubmitIOCmd(cmd, ioCmd, userData); err != nil {
		return err
	}

	r.tagStates[tag] = TagStateInFlightFetch
	return nil
}

// processRequests drains one batch of completions and re-submits everything
// it triggers with a single FlushSubmissions call.
func (r *Runner) processRequests() error {
	completions, err := r.ring.WaitForCompletion(0)
	if err != nil {
		return fmt.Errorf("failed to wait for completions: %w", err)
	}
	if len(completions) == 0 {
		return nil
	}

	for _, completion := range completions {
		if completion == nil {
			continue
		}
		userData := completion.UserData()
		tag := uint16(userData & 0xFFFF)
		if tag >= uint16(r.depth) {
			continue
		}
		// A single tag's completion anomaly only ends that tag; the queue
		// keeps driving the rest of the batch.
		r.handleCompletion(tag, completion.Value())
	}

	if _, err := r.ring.FlushSubmissions(); err != nil {
		return fmt.Errorf("failed to flush submissions: %w", err)
	}
	return nil
}

// handleCompletion reacts to one ring completion for one tag. A tag that
// panics or hits an unexpected result or state logs the cause and is marked
// Done; it never propagates an error that would stop the other tags on this
// queue from being serviced.
func (r *Runner) handleCompletion(tag uint16, result int32) {
	r.tagMutexes[tag].Lock()
	defer r.tagMutexes[tag].Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			if r.logger != nil {
				r.logger.Printf("Queue %d: tag %d: panic: %v, abandoning tag", r.queueID, tag, rec)
			}
			r.tagStates[tag] = TagStateDone
			r.remaining.dec()
		}
	}()

	switch r.tagStates[tag] {
	case TagStateInFlightFetch, TagStateInFlightCommit:
		if result == resultAbort {
			r.tagStates[tag] = TagStateDone
			r.remaining.dec()
			return
		}
		if result != uapi.UBLK_IO_RES_OK {
			if r.logger != nil {
				r.logger.Printf("Queue %d: tag %d: unexpected completion result %d, abandoning tag", r.queueID, tag, result)
			}
			r.tagStates[tag] = TagStateDone
			r.remaining.dec()
			return
		}
		r.tagStates[tag] = TagStateOwned
		if err := r.processIOAndCommit(tag); err != nil {
			if r.logger != nil {
				r.logger.Printf("Queue %d: tag %d: error processing request: %v", r.queueID, tag, err)
			}
			r.tagStates[tag] = TagStateDone
			r.remaining.dec()
		}

	case TagStateDone:
		return

	default:
		if r.logger != nil {
			r.logger.Printf("Queue %d: tag %d: completion in unexpected state %d, abandoning tag", r.queueID, tag, r.tagStates[tag])
		}
		r.tagStates[tag] = TagStateDone
		r.remaining.dec()
	}
}

func (r *Runner) processIOAndCommit(tag uint16) error {
	desc := r.descs.Desc(tag)

	if desc.OpFlags == 0 && desc.NrSectors == 0 {
		return r.submitCommitAndFetch(tag, 0)
	}

	result := r.handleIORequest(tag, desc)
	return r.submitCommitAndFetch(tag, result)
}

// handleIORequest dispatches a descriptor across chunk-aligned parts and
// returns the COMMIT_AND_FETCH result: bytes processed on success, a
// negative errno on failure.
func (r *Runner) handleIORequest(tag uint16, desc uapi.UblksrvIODesc) int32 {
	op := desc.GetOp()
	fua := desc.GetFlags()&uapi.UBLK_IO_F_FUA != 0
	nounmap := desc.GetFlags()&uapi.UBLK_IO_F_NOUNMAP != 0

	ps := parts.ForDescriptor(r.chunkSectors, desc)

	var startTime time.Time
	if r.observer != nil {
		startTime = time.Now()
	}

	var err error
	switch op {
	case uapi.UBLK_IO_OP_READ:
		err = r.doRead(tag, ps)
		if r.observer != nil {
			r.observer.ObserveRead(uint64(desc.NrSectors)<<9, uint64(time.Since(startTime).Nanoseconds()), err == nil)
		}
	case uapi.UBLK_IO_OP_WRITE:
		err = r.doWrite(tag, ps, fua)
		if r.observer != nil {
			r.observer.ObserveWrite(uint64(desc.NrSectors)<<9, uint64(time.Since(startTime).Nanoseconds()), err == nil)
		}
	case uapi.UBLK_IO_OP_FLUSH:
		err = r.doFlush(ps)
		if r.observer != nil {
			r.observer.ObserveFlush(uint64(time.Since(startTime).Nanoseconds()), err == nil)
		}
	case uapi.UBLK_IO_OP_WRITE_ZEROES:
		err = r.doWriteZeroes(ps, nounmap)
		if r.observer != nil {
			r.observer.ObserveDiscard(uint64(desc.NrSectors)<<9, uint64(time.Since(startTime).Nanoseconds()), err == nil)
		}
	case uapi.UBLK_IO_OP_DISCARD:
		err = r.doWriteZeroes(ps, true)
		if r.observer != nil {
			r.observer.ObserveDiscard(uint64(desc.NrSectors)<<9, uint64(time.Since(startTime).Nanoseconds()), err == nil)
		}
	default:
		if r.logger != nil {
			r.logger.Printf("Queue %d: unsupported op %d for tag %d", r.queueID, op, tag)
		}
		return -5 // -EIO
	}

	if err != nil {
		if r.logger != nil {
			r.logger.Printf("Queue %d: op %d failed for tag %d: %v", r.queueID, op, tag, err)
		}
		return -5 // -EIO
	}
	return int32(desc.NrSectors) << 9
}

func (r *Runner) doRead(tag uint16, ps []parts.Part) error {
	for _, p := range ps {
		h, err := r.files.get(p.FileNum)
		if err != nil {
			return err
		}
		buf := r.bufs.Slice(tag, p.BufOffset, 0, p.NrSectors<<9)
		if err := preadFull(h.fd, buf, int64(p.StartSector)<<9); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) doWrite(tag uint16, ps []parts.Part, fua bool) error {
	for _, p := range ps {
		h, err := r.files.get(p.FileNum)
		if err != nil {
			return err
		}
		buf := r.bufs.Slice(tag, p.BufOffset, 0, p.NrSectors<<9)
		if err := pwriteFull(h.fd, buf, int64(p.StartSector)<<9); err != nil {
			return err
		}
		if fua {
			if err := unix.Fsync(h.fd); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Runner) doFlush(ps []parts.Part) error {
	seen := make(map[uint32]bool, len(ps))
	for _, p := range ps {
		if seen[p.FileNum] {
			continue
		}
		seen[p.FileNum] = true
		h, err := r.files.get(p.FileNum)
		if err != nil {
			return err
		}
		if err := unix.Fsync(h.fd); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) doWriteZeroes(ps []parts.Part, nounmap bool) error {
	mode := unix.FALLOC_FL_KEEP_SIZE
	if nounmap {
		mode |= unix.FALLOC_FL_ZERO_RANGE
	} else {
		mode |= unix.FALLOC_FL_PUNCH_HOLE
	}
	for _, p := range ps {
		h, err := r.files.get(p.FileNum)
		if err != nil {
			return err
		}
		off := int64(p.StartSector) << 9
		length := int64(p.NrSectors) << 9
		if err := unix.Fallocate(h.fd, uint32(mode), off, length); err != nil {
			return err
		}
	}
	return nil
}

// preadFull reads len(buf) bytes at off, retrying on EINTR and re-issuing
// from the point reached on a short read.
func preadFull(fd int, buf []byte, off int64) error {
	for len(buf) > 0 {
		n, err := unix.Pread(fd, buf, off)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short read: %d bytes remaining at offset %d", len(buf), off)
		}
		buf = buf[n:]
		off += int64(n)
	}
	return nil
}

// pwriteFull writes len(buf) bytes at off, retrying on EINTR and short writes.
func pwriteFull(fd int, buf []byte, off int64) error {
	for len(buf) > 0 {
		n, err := unix.Pwrite(fd, buf, off)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write: %d bytes remaining at offset %d", len(buf), off)
		}
		buf = buf[n:]
		off += int64(n)
	}
	return nil
}

// submitCommitAndFetch prepares COMMIT_AND_FETCH_REQ with the given result.
// Caller must call FlushSubmissions() to actually submit it.
func (r *Runner) submitCommitAndFetch(tag uint16, result int32) error {
	if r.tagStates[tag] != TagStateOwned {
		return fmt.Errorf("cannot submit COMMIT for tag %d in state %d (not Owned)", tag, r.tagStates[tag])
	}

	ioCmd := &r.ioCmds[tag]
	ioCmd.QID = r.queueID
	ioCmd.Tag = tag
	ioCmd.Result = result
	ioCmd.Addr = r.bufs.Addr(tag)

	userData := udOpCommit | (uint64(r.queueID) << 16) | uint64(tag)
	cmd := uapi.UblkIOCmd(uapi.UBLK_IO_COMMIT_AND_FETCH_REQ)

	if err := r.ring.PrepareIOCmd(cmd, ioCmd, userData); err != nil {
		return fmt.Errorf("COMMIT_AND_FETCH_REQ prepare failed: %w", err)
	}

	r.tagStates[tag] = TagStateInFlightCommit
	return nil
}
