// Package coordinator is the central scheduler (spec §4.5): it dispatches
// discovered items across a supervised worker pool, applies the
// retry/timeout/memory-recycling policy, and records outcomes into a
// ResultTree while driving the Reporter. Its manager-task-per-slot shape
// generalizes the teacher's executor.worker/ExecuteBatch loop from "run N
// shell commands" to "dispatch items across a supervised subprocess pool."
package coordinator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/jpequegn/retestrunner/internal/hostrunner"
	"github.com/jpequegn/retestrunner/internal/model"
	"github.com/jpequegn/retestrunner/internal/resulttree"
	"github.com/jpequegn/retestrunner/internal/wireproto"
	"github.com/jpequegn/retestrunner/internal/worker"
)

// gcHintCode is the EVAL_CODE sent between items on a worker (spec §4.5).
// The shell host evaluator has no GC of its own to trigger; this is a
// harmless no-op that still exercises the EVAL_CODE path the way a real
// host evaluator's "collect garbage twice" hint would.
var gcHintCode = model.CodeRef{Source: ": # gc-hint"}

// Config carries every knob the coordinator's dispatch loop consults.
type Config struct {
	NWorkers        int
	WorkerBinary    string
	ProjectName     string
	ThreadsSpec     string
	WorkerInitCode  *model.CodeRef
	TestEndCode     *model.CodeRef
	ItemTimeout     time.Duration // ignored when NWorkers == 0
	GlobalRetries   int
	MemoryThreshold float64
	SocketDir       string
	LogDir          string
	StallLimit      time.Duration          // 0 disables stalled reporting
	Setups          map[string]*model.TestSetup // name -> setup, as discovered
}

// Reporter is the subset of internal/reporter.Terminal's methods the
// coordinator drives; declared here so the coordinator doesn't import the terminal
// rendering package directly (mirrors the teacher's ProgressHandler
// callback shape in executor.go).
type Reporter interface {
	Running(item *model.TestItem, w model.WorkerID, runNumber int)
	Done(item *model.TestItem, res model.Result)
	Stalled(item *model.TestItem, w model.WorkerID, elapsed time.Duration)
}

// Coordinator owns the item queue, the worker pool, the ResultTree and
// drives the Reporter (spec §4.5).
type Coordinator struct {
	cfg  Config
	tree *resulttree.Tree
	rep  Reporter

	mu         sync.Mutex
	queue      []*model.TestItem
	claimed    []bool
	pos        int
	strideNext []int

	workers []*worker.Worker // index == slot
}

// New builds a Coordinator over items, seeding tree with every discovered
// item so the printed tree has a stable shape before any Result arrives.
func New(cfg Config, items []*model.TestItem, tree *resulttree.Tree, rep Reporter) *Coordinator {
	nslots := cfg.NWorkers
	if nslots < 1 {
		nslots = 1
	}
	stride := make([]int, nslots)
	for i := range stride {
		stride[i] = i
	}
	return &Coordinator{
		cfg:        cfg,
		tree:       tree,
		rep:        rep,
		queue:      items,
		claimed:    make([]bool, len(items)),
		strideNext: stride,
		workers:    make([]*worker.Worker, nslots),
	}
}

// nextItem pops the next unclaimed item for slot. The initial assignment
// gives slot every nslots-th item (setup affinity); once that stride is
// exhausted, slot falls back to plain shared take-next over whatever
// remains (spec §4.5).
func (c *Coordinator) nextItem(slot, nslots int) *model.TestItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.strideNext[slot] < len(c.queue) {
		idx := c.strideNext[slot]
		c.strideNext[slot] += nslots
		if !c.claimed[idx] {
			c.claimed[idx] = true
			return c.queue[idx]
		}
	}
	for c.pos < len(c.queue) {
		idx := c.pos
		c.pos++
		if !c.claimed[idx] {
			c.claimed[idx] = true
			return c.queue[idx]
		}
	}
	return nil
}

// Run executes every item in the queue to completion and returns an error
// only if the run itself failed (e.g. a worker could not be started); the
// exit status is computed afterwards by Exit. With cfg.NWorkers == 0 it evaluates serially
// in-process, without timeouts, per spec §9 "ambiguous behavior (i)".
func (c *Coordinator) Run(ctx context.Context) error {
	if c.cfg.NWorkers == 0 {
		return c.runSerial(ctx)
	}
	return c.runPooled(ctx)
}

// runSerial implements the nworkers=0 in-process fallback: no subprocess
// isolation, no timeouts (timeouts require process isolation), retries
// still apply.
func (c *Coordinator) runSerial(ctx context.Context) error {
	eval := hostrunner.ShellEvaluator{}
	for {
		item := c.nextItem(0, 1)
		if item == nil {
			return nil
		}
		runNumber := 1
		for {
			item.AssignedWorker = 0
			item.EvalNumber = runNumber
			c.rep.Running(item, 0, runNumber)

			outcome, _ := eval.Eval(ctx, item.Code, item.ProjectRoot, io.Discard)
			res := model.Result{
				ItemID:     item.ID,
				RunNumber:  runNumber,
				Status:     outcome.Status,
				Message:    outcome.Message,
				Outcomes:   outcome.Outcomes,
				Stats:      outcome.Stats,
				Worker:     0,
				RecordedAt: time.Now(),
			}
			if c.cfg.TestEndCode != nil {
				_, _ = eval.Eval(ctx, *c.cfg.TestEndCode, item.ProjectRoot, io.Discard)
			}
			c.tree.Record(res)
			c.rep.Done(item, res)

			if !c.shouldRetry(res, runNumber, item) {
				break
			}
			runNumber++
		}
	}
}

// runPooled implements the >=1-worker manager-task-per-slot loop from
// spec §4.5's pseudocode, using sourcegraph/conc/pool for structured
// fan-out in place of raw sync.WaitGroup bookkeeping.
func (c *Coordinator) runPooled(ctx context.Context) error {
	p := pool.New().WithContext(ctx).WithCancelOnError()

	for slot := 0; slot < c.cfg.NWorkers; slot++ {
		slot := slot
		p.Go(func(ctx context.Context) error {
			return c.manageSlot(ctx, slot)
		})
	}

	err := p.Wait()

	c.mu.Lock()
	workers := append([]*worker.Worker(nil), c.workers...)
	c.mu.Unlock()
	for _, w := range workers {
		if w != nil {
			w.Terminate()
		}
	}
	return err
}

func (c *Coordinator) startWorker(ctx context.Context, slot int) (*worker.Worker, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		w, err := worker.Start(ctx, worker.Config{
			WorkerBinary: c.cfg.WorkerBinary,
			ProjectName:  c.cfg.ProjectName,
			ThreadsSpec:  c.cfg.ThreadsSpec,
			InitCode:     c.cfg.WorkerInitCode,
			SocketDir:    c.cfg.SocketDir,
			LogDir:       c.cfg.LogDir,
		})
		if err == nil {
			c.mu.Lock()
			c.workers[slot] = w
			c.mu.Unlock()
			return w, nil
		}
		lastErr = err
		slog.Warn("worker start failed, retrying", "slot", slot, "attempt", attempt+1, "err", err)
		time.Sleep(time.Second)
	}
	return nil, fmt.Errorf("coordinator: worker slot %d: %w", slot, lastErr)
}

// manageSlot runs one manager-task: the literal loop from spec §4.5.
func (c *Coordinator) manageSlot(ctx context.Context, slot int) error {
	w, err := c.startWorker(ctx, slot)
	if err != nil {
		return err
	}

	for {
		item := c.nextItem(slot, c.cfg.NWorkers)
		if item == nil {
			w.Close()
			return nil
		}

		if w.MemoryPercent() > c.cfg.MemoryThreshold {
			w.Terminate()
			w, err = c.startWorker(ctx, slot)
			if err != nil {
				return err
			}
		}

		runNumber := 1
		for {
			var res model.Result
			res, w, err = c.evalOnce(ctx, w, slot, item, runNumber)
			if err != nil {
				return err
			}
			if !c.shouldRetry(res, runNumber, item) {
				break
			}
			runNumber++
		}

		// GC hint between items (spec §4.5): advisory, errors ignored.
		_, _ = w.EvalCode(ctx, gcHintCode)
	}
}

// evalOnce dispatches one EVAL, arms its timeout, records the outcome,
// and applies the replace-on-timeout/replace-on-crash policy. It always
// returns the worker the caller's slot should continue with.
func (c *Coordinator) evalOnce(ctx context.Context, w *worker.Worker, slot int, item *model.TestItem, runNumber int) (model.Result, *worker.Worker, error) {
	item.AssignedWorker = w.PID()
	item.EvalNumber = runNumber
	c.rep.Running(item, w.PID(), runNumber)

	timeout := c.cfg.ItemTimeout
	if item.Timeout > 0 {
		timeout = item.Timeout
	}

	evalCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		evalCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	fut, err := w.EvalItem(wireproto.EvalRequest{
		Item:       *item,
		Setups:     c.resolveSetups(item),
		RunNumber:  runNumber,
		TestEndRef: c.cfg.TestEndCode,
	})
	if err != nil {
		res := c.crashResult(item, runNumber, w.PID(), err)
		c.tree.Record(res)
		c.rep.Done(item, res)
		newW, startErr := c.startWorker(ctx, slot)
		return res, newW, startErr
	}

	resCh := make(chan struct {
		res model.Result
		err error
	}, 1)
	go func() {
		res, err := fut.Wait(evalCtx)
		resCh <- struct {
			res model.Result
			err error
		}{res, err}
	}()

	var stallCh <-chan time.Time
	if c.cfg.StallLimit > 0 {
		t := time.NewTimer(c.cfg.StallLimit)
		defer t.Stop()
		stallCh = t.C
	}

	for {
		select {
		case out := <-resCh:
			if out.err != nil {
				if evalCtx.Err() != nil {
					res := model.Result{
						ItemID:     item.ID,
						RunNumber:  runNumber,
						Status:     model.StatusTimeout,
						Message:    fmt.Sprintf("Timed out after %s evaluating test item %q (run=%d)", timeout, item.Name, runNumber),
						Stats:      model.PerfStats{Wall: timeout},
						Worker:     w.PID(),
						RecordedAt: time.Now(),
					}
					c.tree.Record(res)
					c.rep.Done(item, res)
					w.Terminate()
					newW, startErr := c.startWorker(ctx, slot)
					return res, newW, startErr
				}
				res := c.crashResult(item, runNumber, w.PID(), out.err)
				c.tree.Record(res)
				c.rep.Done(item, res)
				newW, startErr := c.startWorker(ctx, slot)
				return res, newW, startErr
			}
			c.tree.Record(out.res)
			c.rep.Done(item, out.res)
			return out.res, w, nil
		case <-stallCh:
			c.rep.Stalled(item, w.PID(), c.cfg.StallLimit)
			stallCh = nil // diagnostic only, fire at most once per evaluation (run)
		}
	}
}

// resolveSetups looks up item's required setups by name against the
// discovered setup table, in declaration order. An unresolvable name is
// silently skipped here; discovery is responsible for rejecting an item
// that names a setup it never found (spec §4.4 names the worker's
// SetupCache as the sole consumer of this list).
func (c *Coordinator) resolveSetups(item *model.TestItem) []model.TestSetup {
	if len(item.Setups) == 0 {
		return nil
	}
	setups := make([]model.TestSetup, 0, len(item.Setups))
	for _, name := range item.Setups {
		if s, ok := c.cfg.Setups[name]; ok {
			setups = append(setups, *s)
		}
	}
	return setups
}

func (c *Coordinator) crashResult(item *model.TestItem, runNumber int, pid model.WorkerID, err error) model.Result {
	return model.Result{
		ItemID:     item.ID,
		RunNumber:  runNumber,
		Status:     model.StatusWorkerCrash,
		Message:    fmt.Sprintf("Worker process aborted evaluating test item %q (run=%d): %v", item.Name, runNumber, err),
		Worker:     pid,
		RecordedAt: time.Now(),
	}
}

// shouldRetry implements the retry policy from spec §4.5 verbatim: retry
// iff the outcome is not a pass, or is a timeout/crash, and the run
// number is still under 1+max(globalRetries, item.retries).
func (c *Coordinator) shouldRetry(res model.Result, runNumber int, item *model.TestItem) bool {
	if res.Status.Passed() {
		return false
	}
	ceiling := max(c.cfg.GlobalRetries, item.RetryCeiling)
	return runNumber < 1+ceiling
}

// Exit computes the process exit status from the final tree (spec §6.5).
func (c *Coordinator) Exit() int {
	if resulttree.AnyNonPassing(c.tree.Root()) {
		return 1
	}
	return 0
}

