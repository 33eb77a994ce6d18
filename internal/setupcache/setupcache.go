// Package setupcache implements the per-worker memoization of evaluated
// setups described in spec §4.4. One Cache belongs to exactly one
// worker process; there is no cross-worker sharing.
package setupcache

import (
	"context"
	"fmt"
	"sync"

	"github.com/jpequegn/retestrunner/internal/hostrunner"
	"github.com/jpequegn/retestrunner/internal/logpipe"
	"github.com/jpequegn/retestrunner/internal/model"
)

// handle is the evaluated-module-handle for one setup: whether it has
// ever been evaluated, and the error (if any) from its most recent
// evaluation.
type handle struct {
	evaluated bool
	err       error
}

// Cache maps setup-name -> evaluated-module-handle for a single worker.
// Evaluation of one setup is never concurrent with another: every
// Ensure call holds the cache's lock for its whole evaluation, matching
// the invariant in spec §4.4 ("a given (worker, setup-name) pair has at
// most one module handle at any time").
type Cache struct {
	mu      sync.Mutex
	handles map[string]*handle
	eval    hostrunner.Evaluator
	logDir  string
}

// New creates an empty cache for one worker. logDir is where each
// setup's log sink is (re)opened in truncate mode on evaluation.
func New(eval hostrunner.Evaluator, logDir string) *Cache {
	return &Cache{
		handles: make(map[string]*handle),
		eval:    eval,
		logDir:  logDir,
	}
}

// Ensure evaluates setup's code at most once per worker, even if that one
// evaluation errored: the cache remembers "has this run at all", not "did
// it succeed", matching the at-most-once-per-worker invariant in spec
// §4.4. A later item that depends on a setup that already failed gets
// the cached error immediately without re-running the setup.
func (c *Cache) Ensure(ctx context.Context, setup model.TestSetup) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.handles[setup.Name]
	if ok && h.evaluated {
		return h.err
	}

	sink, err := logpipe.OpenTruncate(c.logDir, "setup-"+setup.Name+".log")
	if err != nil {
		return fmt.Errorf("setupcache: open log sink for %s: %w", setup.Name, err)
	}
	defer sink.Close()

	outcome, evalErr := c.eval.Eval(ctx, setup.Code, setup.ProjectRoot, sink)
	var resultErr error
	if evalErr != nil {
		resultErr = evalErr
	} else if !outcome.Status.Passed() {
		resultErr = fmt.Errorf("error during setup %q: %s", setup.Name, outcome.Message)
	}

	c.handles[setup.Name] = &handle{evaluated: true, err: resultErr}
	return resultErr
}

// Evaluated reports whether name has ever been evaluated on this worker,
// used by tests to assert the at-most-once property.
func (c *Cache) Evaluated(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[name]
	return ok && h.evaluated
}
