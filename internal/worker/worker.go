// Package worker is the coordinator-side handle to one worker
// subprocess: launching it, handshaking, sending EVAL/EVAL_CODE requests
// over its transport, and tearing it down. Contract and state machine
// match spec §4.1 exactly.
package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpequegn/retestrunner/internal/memstat"
	"github.com/jpequegn/retestrunner/internal/model"
	"github.com/jpequegn/retestrunner/internal/wireproto"
)

// State is the worker's lifecycle state (spec §4.1):
// New -> Running -> {Closing | Terminating} -> Closed.
type State int32

const (
	StateNew State = iota
	StateRunning
	StateClosing
	StateTerminating
	StateClosed
)

// ErrWorkerTerminated is the sentinel error every pending future resolves
// with when the worker's process exits, whether by crash, timeout-driven
// kill, or graceful close.
var ErrWorkerTerminated = fmt.Errorf("worker: terminated")

// ErrStartFailed wraps a handshake or launch failure. The Coordinator
// retries Start up to two times with a short delay before giving up
// (spec §4.1, §7).
type ErrStartFailed struct {
	Cause error
}

func (e *ErrStartFailed) Error() string { return fmt.Sprintf("worker: start failed: %v", e.Cause) }
func (e *ErrStartFailed) Unwrap() error { return e.Cause }

// Config configures the subprocess handshake.
type Config struct {
	// WorkerBinary is the executable to spawn (cmd/retestrunner-worker).
	WorkerBinary string
	ProjectName  string
	ThreadsSpec  string
	InitCode     *model.CodeRef
	TotalItems   int
	SocketDir    string // directory to create the per-worker Unix socket in
	LogDir       string // directory the worker writes per-item/per-setup logs into
}

var reqSeq uint64

func nextRequestID() uint64 {
	return atomic.AddUint64(&reqSeq, 1)
}

// pending is one outstanding request awaiting a reply frame.
type pending struct {
	onDone func(wireproto.Frame, error) // called exactly once, from the reader goroutine or failAllPending
}

// Worker is the coordinator's handle to one subprocess.
type Worker struct {
	cfg Config
	pid int

	cmd    *exec.Cmd
	listen net.Listener
	conn   net.Conn
	wire   *wireproto.Conn

	state atomic.Int32

	mu      sync.Mutex
	pending map[uint64]*pending
	busy    bool

	memPercentFn func() float64

	socketPath string

	doneCh chan struct{}
	once   sync.Once
}

// Start launches the child process, performs the handshake, and blocks
// until the child signals ready. On handshake failure the caller should
// retry per spec §4.1; Start itself attempts no retries.
func Start(ctx context.Context, cfg Config) (*Worker, error) {
	if cfg.SocketDir == "" {
		cfg.SocketDir = os.TempDir()
	}
	socketPath := filepath.Join(cfg.SocketDir, fmt.Sprintf("retestrunner-worker-%d-%d.sock", os.Getpid(), nextRequestID()))
	_ = os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, &ErrStartFailed{Cause: fmt.Errorf("listen %s: %w", socketPath, err)}
	}

	args := []string{"-socket", socketPath}
	if cfg.LogDir != "" {
		args = append(args, "-logdir", cfg.LogDir)
	}
	cmd := exec.CommandContext(ctx, cfg.WorkerBinary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = ln.Close()
		return nil, &ErrStartFailed{Cause: fmt.Errorf("spawn %s: %w", cfg.WorkerBinary, err)}
	}

	w := &Worker{
		cfg:          cfg,
		pid:          cmd.Process.Pid,
		cmd:          cmd,
		listen:       ln,
		pending:      make(map[uint64]*pending),
		memPercentFn: memstat.Percent,
		socketPath:   socketPath,
		doneCh:       make(chan struct{}),
	}

	acceptCh := make(chan net.Conn, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptErrCh <- err
			return
		}
		acceptCh <- conn
	}()

	select {
	case conn := <-acceptCh:
		w.conn = conn
		w.wire = wireproto.NewConn(conn)
	case err := <-acceptErrCh:
		_ = cmd.Process.Kill()
		_ = ln.Close()
		return nil, &ErrStartFailed{Cause: fmt.Errorf("accept: %w", err)}
	case <-time.After(30 * time.Second):
		_ = cmd.Process.Kill()
		_ = ln.Close()
		return nil, &ErrStartFailed{Cause: fmt.Errorf("timed out waiting for worker to connect")}
	}

	go w.readLoop()
	go w.reapLoop()

	if cfg.InitCode != nil {
		if _, err := w.evalCodeSync(ctx, *cfg.InitCode); err != nil {
			w.Terminate()
			return nil, &ErrStartFailed{Cause: err}
		}
	}

	w.state.Store(int32(StateRunning))
	return w, nil
}

// PID returns the child process id, used as the worker's model.WorkerID.
func (w *Worker) PID() model.WorkerID { return model.WorkerID(w.pid) }

// Busy reports whether an EVAL is currently outstanding.
func (w *Worker) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busy
}

// MemoryPercent reports host-wide memory pressure, used by the
// Coordinator's recycling policy. Per spec §4.1 this is deliberately not
// a worker-local measurement.
func (w *Worker) MemoryPercent() float64 {
	return w.memPercentFn()
}

// State reports the worker's current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) readLoop() {
	for {
		f, err := wireproto.ReadFrame(w.conn)
		if err != nil {
			w.failAllPending(ErrWorkerTerminated)
			return
		}
		w.dispatch(f)
	}
}

func (w *Worker) reqIDOf(f wireproto.Frame) uint64 {
	switch f.Tag {
	case wireproto.TagResult:
		var rf wireproto.ResultFrame
		_ = wireproto.Decode(f, &rf)
		return rf.RequestID
	case wireproto.TagValue:
		var vf wireproto.ValueFrame
		_ = wireproto.Decode(f, &vf)
		return vf.RequestID
	case wireproto.TagError:
		var ef wireproto.ErrorFrame
		_ = wireproto.Decode(f, &ef)
		return ef.RequestID
	default:
		return 0
	}
}

func (w *Worker) dispatch(f wireproto.Frame) {
	reqID := w.reqIDOf(f)
	if reqID == 0 {
		return // PROFILE and unrecognized frames have no reply bookkeeping
	}

	w.mu.Lock()
	p, ok := w.pending[reqID]
	if ok {
		delete(w.pending, reqID)
		if f.Tag == wireproto.TagResult {
			w.busy = false
		}
	}
	w.mu.Unlock()

	if ok {
		p.onDone(f, nil)
	}
}

func (w *Worker) failAllPending(err error) {
	w.mu.Lock()
	pendings := w.pending
	w.pending = make(map[uint64]*pending)
	w.busy = false
	w.mu.Unlock()

	for _, p := range pendings {
		p.onDone(wireproto.Frame{}, err)
	}
}

// reapLoop is the only closer of doneCh, so waiting on it means the child
// process has exited.
func (w *Worker) reapLoop() {
	_ = w.cmd.Wait()
	w.failAllPending(ErrWorkerTerminated)
	w.once.Do(func() { close(w.doneCh) })
}

// Future resolves with a model.Result once the worker replies, or with
// ErrWorkerTerminated if the child dies first.
type Future struct {
	done chan struct{}
	res  model.Result
	err  error
}

// Wait blocks until the future resolves or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (model.Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return model.Result{}, ctx.Err()
	}
}

// EvalItem sends one EVAL request and returns a Future for its Result.
// Per spec §4.1, at most one EVAL may be in flight per worker at a time.
func (w *Worker) EvalItem(req wireproto.EvalRequest) (*Future, error) {
	w.mu.Lock()
	if w.busy {
		w.mu.Unlock()
		return nil, fmt.Errorf("worker: EVAL already in flight")
	}
	if State(w.state.Load()) != StateRunning {
		w.mu.Unlock()
		return nil, ErrWorkerTerminated
	}
	w.busy = true
	reqID := nextRequestID()
	req.RequestID = reqID

	fut := &Future{done: make(chan struct{})}
	w.pending[reqID] = &pending{onDone: func(f wireproto.Frame, err error) {
		if err != nil {
			fut.err = err
		} else {
			var rf wireproto.ResultFrame
			if derr := wireproto.Decode(f, &rf); derr != nil {
				fut.err = fmt.Errorf("worker: decode result: %w", derr)
			} else {
				fut.res = rf.Result
			}
		}
		close(fut.done)
	}}
	w.mu.Unlock()

	if err := w.wire.WriteFrame(wireproto.TagEval, req); err != nil {
		w.mu.Lock()
		delete(w.pending, reqID)
		w.busy = false
		w.mu.Unlock()
		return nil, fmt.Errorf("worker: %w: %v", ErrWorkerTerminated, err)
	}
	return fut, nil
}

// evalCodeSync sends an EVAL_CODE request and waits for its reply.
func (w *Worker) evalCodeSync(ctx context.Context, code model.CodeRef) (string, error) {
	reqID := nextRequestID()
	done := make(chan struct{})
	var value string
	var resErr error

	w.mu.Lock()
	w.pending[reqID] = &pending{onDone: func(f wireproto.Frame, err error) {
		if err != nil {
			resErr = err
		} else if f.Tag == wireproto.TagError {
			var ef wireproto.ErrorFrame
			_ = wireproto.Decode(f, &ef)
			resErr = fmt.Errorf("worker: %s", ef.Message)
		} else {
			var vf wireproto.ValueFrame
			if derr := wireproto.Decode(f, &vf); derr != nil {
				resErr = fmt.Errorf("worker: decode value: %w", derr)
			} else {
				value = vf.Value
			}
		}
		close(done)
	}}
	w.mu.Unlock()

	if err := w.wire.WriteFrame(wireproto.TagEvalCode, wireproto.EvalCodeRequest{RequestID: reqID, Code: code}); err != nil {
		return "", fmt.Errorf("worker: %w: %v", ErrWorkerTerminated, err)
	}

	select {
	case <-done:
		return value, resErr
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// EvalCode is the coordinator-facing utility used for GC hints (spec
// §4.5) between items.
func (w *Worker) EvalCode(ctx context.Context, code model.CodeRef) (string, error) {
	return w.evalCodeSync(ctx, code)
}

// Profile sends a fire-and-forget PROFILE request for diagnostic stack
// capture (spec §4.2); the worker never replies.
func (w *Worker) Profile(nseconds int64, label string) error {
	return w.wire.WriteFrame(wireproto.TagProfile, wireproto.ProfileRequest{NSeconds: nseconds, Label: label})
}

// Terminate sends an interrupt then, after a short grace period, kills
// the process outright. Idempotent.
func (w *Worker) Terminate() {
	prev := State(w.state.Swap(int32(StateTerminating)))
	if prev == StateClosed || prev == StateTerminating {
		return
	}
	if w.cmd.Process == nil {
		return
	}
	_ = w.cmd.Process.Signal(os.Interrupt)
	go func() {
		select {
		case <-w.doneCh:
		case <-time.After(3 * time.Second):
			_ = w.cmd.Process.Kill()
		}
		w.cleanup()
	}()
}

// Close performs a graceful shutdown: it blocks until the child exits and
// transport tasks finish. A worker is never reused after Close.
func (w *Worker) Close() error {
	prev := State(w.state.Swap(int32(StateClosing)))
	if prev == StateClosed {
		return nil
	}
	if w.conn != nil {
		_ = w.conn.Close()
	}
	<-w.doneCh
	w.cleanup()
	return nil
}

func (w *Worker) cleanup() {
	w.state.Store(int32(StateClosed))
	if w.conn != nil {
		_ = w.conn.Close()
	}
	if w.listen != nil {
		_ = w.listen.Close()
	}
	_ = os.Remove(w.socketPath)
}
