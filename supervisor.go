// Package ublk drives the full lifecycle of a blkchnkr device: negotiating
// it with the ublk driver, spawning one queue runner per hardware queue, and
// tearing it down cleanly on a termination signal.
package ublk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jiripospisil/blkchnkr/internal/config"
	"github.com/jiripospisil/blkchnkr/internal/constants"
	"github.com/jiripospisil/blkchnkr/internal/ctrl"
	"github.com/jiripospisil/blkchnkr/internal/logging"
	"github.com/jiripospisil/blkchnkr/internal/queue"
	"github.com/jiripospisil/blkchnkr/internal/queuelimits"
	"github.com/jiripospisil/blkchnkr/internal/uapi"
)

// prSetIOFlusher is PR_SET_IO_FLUSHER (Linux 5.6+), not yet exposed as a
// named constant by golang.org/x/sys/unix; it's passed straight through to
// unix.Prctl, which already wraps the raw prctl(2) syscall.
const prSetIOFlusher = 57

// minNoFile is the soft/hard RLIMIT_NOFILE floor a repository with many
// chunks and deep queues needs; every chunk file a worker has touched stays
// open for the worker's lifetime.
const minNoFile = 400000

// Options configures a run beyond what the repository config carries.
type Options struct {
	// Context for cancellation (if nil, uses context.Background())
	Context context.Context

	// Logger for debug/info messages (if nil, no logging)
	Logger Logger

	// Observer for metrics collection (if nil, uses a MetricsObserver)
	Observer Observer

	// CPUAffinity pins queue worker goroutines to specific CPUs, indexed by
	// queue ID modulo len(CPUAffinity).
	CPUAffinity []int
}

// Device represents a running blkchnkr device.
type Device struct {
	ID       uint32
	Path     string
	CharPath string

	queues    int
	depth     int
	blockSize int
	started   bool
	runners   []*queue.Runner

	ctx    context.Context
	cancel context.CancelFunc

	metrics  *Metrics
	observer Observer
}

// DeviceState represents the current state of a ublk device
type DeviceState string

const (
	DeviceStateCreated DeviceState = "created"
	DeviceStateRunning DeviceState = "running"
	DeviceStateStopped DeviceState = "stopped"
)

func (d *Device) State() DeviceState {
	if d == nil {
		return DeviceStateStopped
	}
	if !d.started {
		return DeviceStateCreated
	}
	if d.ctx != nil {
		select {
		case <-d.ctx.Done():
			return DeviceStateStopped
		default:
			return DeviceStateRunning
		}
	}
	return DeviceStateRunning
}

func (d *Device) IsRunning() bool        { return d.State() == DeviceStateRunning }
func (d *Device) NumQueues() int         { return d.queues }
func (d *Device) QueueDepth() int        { return d.depth }
func (d *Device) BlockSize() int         { return d.blockSize }
func (d *Device) BlockPath() string      { return d.Path }
func (d *Device) CharDevicePath() string { return d.CharPath }
func (d *Device) DeviceID() uint32       { return d.ID }

// DeviceInfo contains comprehensive information about a ublk device
type DeviceInfo struct {
	ID         uint32      `json:"id"`
	BlockPath  string      `json:"block_path"`
	CharPath   string      `json:"char_path"`
	State      DeviceState `json:"state"`
	NumQueues  int         `json:"num_queues"`
	QueueDepth int         `json:"queue_depth"`
	BlockSize  int         `json:"block_size"`
	Running    bool        `json:"running"`
}

func (d *Device) Info() DeviceInfo {
	if d == nil {
		return DeviceInfo{}
	}
	state := d.State()
	return DeviceInfo{
		ID:         d.ID,
		BlockPath:  d.Path,
		CharPath:   d.CharPath,
		State:      state,
		NumQueues:  d.queues,
		QueueDepth: d.depth,
		BlockSize:  d.blockSize,
		Running:    state == DeviceStateRunning,
	}
}

func (d *Device) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// CreateAndServe negotiates a device with the driver from repoCfg, spawns
// one queue runner per configured worker thread, and submits START_DEV (or
// END_USER_RECOVERY, if the device already existed in a recoverable state).
// It returns once the device is LIVE and serving I/O.
func CreateAndServe(ctx context.Context, repoCfg *config.Config, options *Options) (*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}

	logger := logging.Default()

	controller, err := ctrl.NewController()
	if err != nil {
		return nil, WrapError("CREATE_CONTROLLER", err)
	}
	defer controller.Close()

	limits := queuelimits.Default()
	numQueues := int(repoCfg.ThreadsOrDefault())

	params := ctrl.DefaultDeviceParams()
	if repoCfg.DevID != nil {
		params.DeviceID = int32(*repoCfg.DevID)
	}
	params.NumQueues = numQueues
	params.LogicalBlockSize = int(limits.LogicalBlockSize)
	params.MaxIOSize = constants.DefaultMaxIOSize
	params.DevSectors = repoCfg.Size / uint64(limits.LogicalBlockSize)
	params.ChunkSectors = uint32(repoCfg.ChunkSectors())
	params.DMAAlignment = limits.DMAAlignment
	params.VolatileCache = limits.WriteCache
	params.EnableFUA = limits.FUA

	devID, recovered, err := addOrRecoverDevice(controller, &params)
	if err != nil {
		return nil, WrapError("ADD_DEV", err)
	}

	if !recovered {
		if err := controller.SetParams(devID, &params); err != nil {
			controller.DeleteDevice(devID)
			return nil, NewDeviceError("SET_PARAMS", devID, ErrCodeInvalidParameters, err.Error())
		}
	}

	// Chunk files must be created with the repository's configured
	// ownership, not the server process's, even when root.
	setFsids(repoCfg)

	charFd, err := openCharDeviceRetry(devID)
	if err != nil {
		controller.DeleteDevice(devID)
		return nil, NewDeviceError("OPEN_CHAR_DEVICE", devID, ErrCodeIOError, err.Error())
	}
	defer syscall.Close(charFd)

	var observer Observer = &NoOpObserver{}
	metrics := NewMetrics()
	if options.Observer != nil {
		observer = options.Observer
	} else {
		observer = NewMetricsObserver(metrics)
	}

	device := &Device{
		ID:        devID,
		Path:      uapi.UblkBlockDevicePath(devID),
		CharPath:  uapi.UblkDevicePath(devID),
		queues:    numQueues,
		depth:     params.QueueDepth,
		blockSize: params.LogicalBlockSize,
		metrics:   metrics,
		observer:  observer,
	}
	device.ctx, device.cancel = context.WithCancel(ctx)

	device.runners = make([]*queue.Runner, numQueues)
	for i := 0; i < numQueues; i++ {
		runnerConfig := queue.Config{
			DevID:       devID,
			QueueID:     uint16(i),
			Depth:       params.QueueDepth,
			MaxIOBytes:  uint32(params.MaxIOSize),
			Repository:  repoCfg,
			Logger:      options.Logger,
			Observer:    observer,
			CPUAffinity: options.CPUAffinity,
			CharFd:      charFd,
		}

		runner, err := queue.NewRunner(device.ctx, runnerConfig)
		if err != nil {
			closeRunners(device.runners[:i])
			controller.DeleteDevice(devID)
			return nil, &Error{Op: "CREATE_QUEUE_RUNNER", DevID: devID, Queue: i, Code: ErrCodeIOError, Msg: err.Error(), Inner: err}
		}
		device.runners[i] = runner
	}

	for i, runner := range device.runners {
		if err := runner.Start(); err != nil {
			closeRunners(device.runners)
			controller.DeleteDevice(devID)
			return nil, &Error{Op: "START_QUEUE_RUNNER", DevID: devID, Queue: i, Code: ErrCodeIOError, Msg: err.Error(), Inner: err}
		}
	}

	// The kernel waits for an initial FETCH_REQ on every queue before
	// START_DEV/END_USER_RECOVERY can complete; give io_uring submissions
	// time to become visible.
	time.Sleep(constants.QueueInitDelay)

	if recovered {
		err = controller.EndUserRecovery(devID)
	} else {
		err = controller.StartDevice(devID)
	}
	if err != nil {
		closeRunners(device.runners)
		controller.DeleteDevice(devID)
		return nil, NewDeviceError("START_DEV", devID, ErrCodeIOError, err.Error())
	}

	device.started = true
	if options.Logger != nil {
		options.Logger.Printf("device %s (ID: %d) live with %d queues, recovered=%v", device.Path, device.ID, numQueues, recovered)
	}
	logger.Info("device initialization complete", "dev_id", devID, "recovered", recovered)

	return device, nil
}

// StopAndDelete stops the device and removes it from the system.
func StopAndDelete(ctx context.Context, device *Device) error {
	if device == nil {
		return ErrInvalidParameters
	}

	if device.cancel != nil {
		device.cancel()
	}
	if device.metrics != nil {
		device.metrics.Stop()
	}

	// Give worker goroutines a moment to observe the cancellation before
	// their char-device fds are pulled out from under them by STOP_DEV.
	time.Sleep(10 * time.Millisecond)

	closeRunners(device.runners)
	device.runners = nil

	controller, err := ctrl.NewController()
	if err != nil {
		return WrapError("CREATE_CONTROLLER", err)
	}
	defer controller.Close()

	if err := controller.StopDevice(device.ID); err != nil {
		return NewDeviceError("STOP_DEV", device.ID, ErrCodeIOError, err.Error())
	}
	if err := controller.DeleteDeviceAsync(device.ID); err != nil {
		return NewDeviceError("DEL_DEV_ASYNC", device.ID, ErrCodeIOError, err.Error())
	}

	device.started = false
	return nil
}

// Run drives the full supervisor lifecycle described for the `start`
// command: ambient process setup, device negotiation, and teardown on
// SIGINT/SIGTERM or context cancellation. It blocks until shutdown
// completes.
func Run(ctx context.Context, repoCfg *config.Config, options *Options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.Default()
	if options != nil && options.Logger != nil {
		logger.Info("starting supervisor", "repository", repoCfg.Repository)
	}

	setIOFlusher(logger)
	raiseFileLimit(logger)
	installDiagnosticHandler(logger)

	sigFd, err := blockTerminationSignals()
	if err != nil {
		return err
	}
	defer unix.Close(sigFd)

	device, err := CreateAndServe(ctx, repoCfg, options)
	if err != nil {
		return err
	}

	sigCh := make(chan struct{}, 1)
	go func() {
		buf := make([]byte, unix.SizeofSignalfdSiginfo)
		n, err := unix.Read(sigFd, buf)
		if err != nil || n <= 0 {
			return
		}
		sigCh <- struct{}{}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down: context cancelled")
	case <-sigCh:
		logger.Info("shutting down: termination signal received")
	}

	return StopAndDelete(context.Background(), device)
}

// addOrRecoverDevice tries a fresh ADD_DEV first, falling back to the
// recovery path when the driver reports the device already exists.
func addOrRecoverDevice(c *ctrl.Controller, params *ctrl.DeviceParams) (devID uint32, recovered bool, err error) {
	devID, err = c.AddDevice(params)
	if err == nil {
		return devID, false, nil
	}
	if !errors.Is(err, ctrl.ErrDeviceExists) {
		return 0, false, err
	}
	if params.DeviceID < 0 {
		return 0, false, NewError("ADD_DEV", ErrCodeDeviceBusy, "device exists but no explicit dev-id was configured for recovery")
	}

	existing := uint32(params.DeviceID)
	info, infoErr := c.GetDeviceInfo(existing)
	if infoErr != nil {
		return 0, false, NewDeviceError("GET_DEV_INFO", existing, ErrCodeIOError, infoErr.Error())
	}

	switch info.State {
	case uapi.UBLK_S_DEV_QUIESCED, uapi.UBLK_S_DEV_FAIL_IO:
		if err := c.StartUserRecovery(existing); err != nil {
			return 0, false, NewDeviceError("START_USER_RECOVERY", existing, ErrCodeIOError, err.Error())
		}
		return existing, true, nil
	case uapi.UBLK_S_DEV_LIVE:
		return 0, false, NewDeviceError("ADD_DEV", existing, ErrCodeDeviceBusy, "device is already running")
	default:
		return 0, false, NewDeviceError("ADD_DEV", existing, ErrCodeDeviceOffline, fmt.Sprintf("device is in an unrecoverable state (%d)", info.State))
	}
}

// setFsids applies the repository's configured fsuid/fsgid so chunk files
// created from this point on carry that ownership regardless of the server
// process's real identity.
func setFsids(cfg *config.Config) {
	if cfg.FSGID != nil {
		unix.Setfsgid(int(*cfg.FSGID))
	}
	if cfg.FSUID != nil {
		unix.Setfsuid(int(*cfg.FSUID))
	}
}

func openCharDeviceRetry(devID uint32) (int, error) {
	path := uapi.UblkDevicePath(devID)
	const maxRetries = 3
	const retryDelay = 150 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		fd, err := syscall.Open(path, syscall.O_RDWR, 0)
		if err == nil {
			return fd, nil
		}
		lastErr = err
		if err != syscall.ENOENT && err != syscall.EBUSY && err != syscall.EINTR {
			return -1, fmt.Errorf("failed to open %s: %w", path, err)
		}
		time.Sleep(retryDelay)
	}
	return -1, fmt.Errorf("character device did not appear: %s: %w", path, lastErr)
}

func closeRunners(runners []*queue.Runner) {
	for _, r := range runners {
		if r != nil {
			r.Close()
		}
	}
}

func setIOFlusher(logger *logging.Logger) {
	if err := unix.Prctl(prSetIOFlusher, 1, 0, 0, 0); err != nil {
		logger.Warn("failed to set PR_SET_IO_FLUSHER", "error", err)
	}
}

func raiseFileLimit(logger *logging.Logger) {
	limit := unix.Rlimit{Cur: minNoFile, Max: minNoFile}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		logger.Warn("failed to raise RLIMIT_NOFILE", "target", minNoFile, "error", err)
	}
}

// blockTerminationSignals blocks SIGINT/SIGTERM process-wide and returns a
// signalfd that becomes readable exactly when one of them arrives, so the
// supervisor can wait on it alongside context cancellation instead of
// racing a signal.Notify channel against in-flight control commands.
func blockTerminationSignals() (int, error) {
	set := sigsetWith(syscall.SIGINT, syscall.SIGTERM)
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		return -1, fmt.Errorf("failed to block termination signals: %w", err)
	}
	fd, err := unix.Signalfd(-1, &set, unix.SFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("failed to create signalfd: %w", err)
	}
	return fd, nil
}

func sigsetWith(sigs ...syscall.Signal) unix.Sigset_t {
	var set unix.Sigset_t
	for _, s := range sigs {
		bit := uint(s) - 1
		set.Val[bit/64] |= 1 << (bit % 64)
	}
	return set
}

// installDiagnosticHandler dumps every goroutine's stack to the log on
// SIGUSR1, independent of the blocked SIGINT/SIGTERM mask above.
func installDiagnosticHandler(logger *logging.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	go func() {
		buf := make([]byte, 1<<20)
		for range ch {
			n := runtime.Stack(buf, true)
			logger.Warn("SIGUSR1 diagnostic dump", "stack", string(buf[:n]))
		}
	}()
}
