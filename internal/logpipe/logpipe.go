// Package logpipe captures every byte a worker writes while evaluating
// one item or setup into a per-item (or per-setup) file on shared disk,
// per spec §4.3. The worker writes to the Sink directly (it is opened in
// the worker process and handed to hostrunner.Evaluator as an io.Writer);
// there is no separate drain goroutine on the coordinator side because
// both coordinator and worker share the same filesystem in this
// implementation.
package logpipe

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Sink is a single log file, opened in truncate mode, that a host
// evaluation writes its stdout/stderr into.
type Sink struct {
	path string
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
}

// OpenTruncate (re)opens path (joined to dir) in truncate mode. Setup
// sinks are reopened this way on every re-evaluation so only the last
// attempt's logs are kept; item sinks are opened fresh on every retry for
// the same reason.
func OpenTruncate(dir, name string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logpipe: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logpipe: open %s: %w", path, err)
	}
	return &Sink{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// Path returns the sink's file path.
func (s *Sink) Path() string { return s.path }

// Write implements io.Writer. Writes never block on this process's own
// disk IO queueing beyond the standard bufio flush threshold -- there is
// no unbounded buffering here, so a slow disk applies backpressure to the
// evaluation itself rather than silently dropping bytes, which is
// acceptable for regular logs (spec §4.3 only permits drop-oldest
// buffering for diagnostic stack captures, never regular logs; this sink
// is never used for those).
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Close flushes and closes the underlying file. On worker crash mid-write
// the OS itself preserves whatever was already flushed; Close is not
// required for that guarantee, only for clean shutdown.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		_ = s.f.Close()
		return fmt.Errorf("logpipe: flush %s: %w", s.path, err)
	}
	return s.f.Close()
}

// Flush pushes buffered bytes to the OS without closing the file, so a
// concurrent reader (the Reporter's batched/issues consumer) sees
// up-to-date contents.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

// ReadAll reads back everything written to path so far -- used by the
// Reporter to print a captured log after an item finishes, and
// preserves partial contents verbatim on worker crash.
func ReadAll(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("logpipe: read %s: %w", path, err)
	}
	return data, nil
}
