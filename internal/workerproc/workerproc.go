// Package workerproc is the worker subprocess's own side of the
// handshake and EVAL/EVAL_CODE/PROFILE loop described in spec §4.1-§4.2.
// It runs inside cmd/retestrunner-worker only.
package workerproc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/pprof"
	"time"

	"github.com/jpequegn/retestrunner/internal/hostrunner"
	"github.com/jpequegn/retestrunner/internal/logpipe"
	"github.com/jpequegn/retestrunner/internal/model"
	"github.com/jpequegn/retestrunner/internal/setupcache"
	"github.com/jpequegn/retestrunner/internal/wireproto"
)

// Loop owns one worker process's connection back to the coordinator, its
// SetupCache, and its host evaluator. Run blocks until the connection is
// closed or ctx is cancelled.
type Loop struct {
	reader io.Reader
	conn   *wireproto.Conn
	eval   hostrunner.Evaluator
	cache  *setupcache.Cache
	logDir string
	log    *slog.Logger
}

// NewLoop wires together one worker process's evaluator and setup cache
// around the socket conn it was dialed with. logDir is where per-item and
// per-setup log sinks are created.
func NewLoop(conn net.Conn, eval hostrunner.Evaluator, logDir string, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		reader: conn,
		conn:   wireproto.NewConn(conn),
		eval:   eval,
		cache:  setupcache.New(eval, logDir),
		logDir: logDir,
		log:    log,
	}
}

// Run reads frames until the connection closes. Each EVAL/EVAL_CODE is
// handled synchronously -- a worker process evaluates at most one item at
// a time (spec §4.1) -- while PROFILE requests run on their own goroutine
// since they never block the main request/response cycle.
func (l *Loop) Run(ctx context.Context) error {
	if c, ok := l.reader.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}
	for {
		f, err := wireproto.ReadFrame(l.reader)
		if err != nil {
			return err
		}
		switch f.Tag {
		case wireproto.TagEval:
			var req wireproto.EvalRequest
			if err := wireproto.Decode(f, &req); err != nil {
				l.log.Error("decode EVAL frame", "err", err)
				continue
			}
			l.handleEval(ctx, req)
		case wireproto.TagEvalCode:
			var req wireproto.EvalCodeRequest
			if err := wireproto.Decode(f, &req); err != nil {
				l.log.Error("decode EVAL_CODE frame", "err", err)
				continue
			}
			l.handleEvalCode(ctx, req)
		case wireproto.TagProfile:
			var req wireproto.ProfileRequest
			if err := wireproto.Decode(f, &req); err != nil {
				l.log.Error("decode PROFILE frame", "err", err)
				continue
			}
			go l.handleProfile(req)
		default:
			l.log.Warn("unexpected frame tag", "tag", f.Tag)
		}
	}
}

// handleEval resolves the item's setups, evaluates the item itself with
// its stdio captured to a per-item log sink, and replies with a RESULT
// frame. Per spec §6 the worker must flush its own stdio before
// replying, which is why the sink is flushed and closed before WriteFrame.
func (l *Loop) handleEval(ctx context.Context, req wireproto.EvalRequest) {
	started := time.Now()

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Item.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Item.Timeout)
		defer cancel()
	}

	// A failed setup is recorded against the item's Result, but the item
	// is still evaluated: the dependency may be re-attempted on a later
	// run, and a setup failure doesn't by itself tell us whether the
	// item's own assertions would have passed (spec §4.4 step 1).
	var setupOutcomes []model.AssertionOutcome
	for _, setup := range req.Setups {
		if err := l.cache.Ensure(runCtx, setup); err != nil {
			setupOutcomes = append(setupOutcomes, model.AssertionOutcome{
				Name:    setup.Name,
				Status:  model.StatusError,
				Message: fmt.Sprintf("error during setup: %v", err),
				File:    setup.File,
			})
		}
	}

	sink, err := logpipe.OpenTruncate(l.logDir, logName(req.Item.ID, req.RunNumber))
	if err != nil {
		l.reply(req.RequestID, model.Result{
			ItemID:     req.Item.ID,
			RunNumber:  req.RunNumber,
			Status:     model.StatusError,
			Message:    fmt.Sprintf("open log sink: %v", err),
			Worker:     model.WorkerID(os.Getpid()),
			RecordedAt: started,
		})
		return
	}

	outcome, evalErr := l.eval.Eval(runCtx, req.Item.Code, req.Item.ProjectRoot, sink)
	sink.Flush()

	res := model.Result{
		ItemID:     req.Item.ID,
		RunNumber:  req.RunNumber,
		Status:     outcome.Status,
		Message:    outcome.Message,
		Outcomes:   append(setupOutcomes, outcome.Outcomes...),
		Stats:      outcome.Stats,
		Worker:     model.WorkerID(os.Getpid()),
		RecordedAt: started,
	}
	if evalErr != nil && runCtx.Err() != nil {
		res.Status = model.StatusTimeout
		res.Message = runCtx.Err().Error()
	}
	if len(setupOutcomes) > 0 && res.Status.Passed() {
		// The item's own assertions passed, but a dependency didn't --
		// the item can't be reported as a clean pass.
		res.Status = model.StatusError
	}

	if req.TestEndRef != nil {
		if _, err := l.eval.Eval(ctx, *req.TestEndRef, req.Item.ProjectRoot, sink); err != nil {
			l.log.Warn("test_end_expr failed", "item", req.Item.ID, "err", err)
		}
	}
	_ = sink.Close()

	l.reply(req.RequestID, res)
}

func (l *Loop) handleEvalCode(ctx context.Context, req wireproto.EvalCodeRequest) {
	outcome, err := l.eval.Eval(ctx, req.Code, ".", bufio.NewWriter(os.Stdout))
	if err != nil {
		l.replyError(req.RequestID, err.Error())
		return
	}
	if !outcome.Status.Passed() {
		l.replyError(req.RequestID, outcome.Message)
		return
	}
	_ = l.conn.WriteFrame(wireproto.TagValue, wireproto.ValueFrame{RequestID: req.RequestID, Value: outcome.Value})
}

// handleProfile captures a point-in-time goroutine dump for diagnostics;
// it never replies, matching the fire-and-forget contract in spec §4.2.
func (l *Loop) handleProfile(req wireproto.ProfileRequest) {
	path := fmt.Sprintf("%s/profile-%s-%d.txt", l.logDir, req.Label, time.Now().UnixNano())
	f, err := os.Create(path)
	if err != nil {
		l.log.Error("profile: create output", "err", err)
		return
	}
	defer f.Close()
	_ = pprof.Lookup("goroutine").WriteTo(f, 1)
}

func (l *Loop) reply(reqID uint64, res model.Result) {
	if err := l.conn.WriteFrame(wireproto.TagResult, wireproto.ResultFrame{RequestID: reqID, Result: res}); err != nil {
		l.log.Error("write RESULT frame", "err", err)
	}
}

func (l *Loop) replyError(reqID uint64, msg string) {
	if err := l.conn.WriteFrame(wireproto.TagError, wireproto.ErrorFrame{RequestID: reqID, Message: msg}); err != nil {
		l.log.Error("write ERROR frame", "err", err)
	}
}

func logName(itemID string, runNumber int) string {
	return fmt.Sprintf("item-%s-run%d.log", itemID, runNumber)
}
