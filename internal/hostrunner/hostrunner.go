// Package hostrunner gives meaning to the opaque model.CodeRef values the
// coordinator shuffles around. It runs inside the worker process, and in
// the coordinator process itself only for the nworkers=0 serial path.
package hostrunner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/jpequegn/retestrunner/internal/model"
)

// EvalOutcome is what an Evaluator produces for one CodeRef.
type EvalOutcome struct {
	Status   model.Status
	Message  string
	Outcomes []model.AssertionOutcome
	Stats    model.PerfStats
	Value    string // for EvalCode: the evaluated expression's printed result
}

// Evaluator runs an opaque CodeRef to completion and classifies the
// result. The default, ShellEvaluator, mirrors the teacher's
// executor.executeCommand: the code is a shell fragment executed with
// "sh -c", and PASS/FAIL lines in its stdout are scanned out the same way
// parser.GoParser scans "BenchmarkName ... ns/op" lines.
type Evaluator interface {
	// Eval runs code to completion. out receives every byte the
	// evaluation writes to stdout/stderr, verbatim -- it is normally a
	// logpipe.Sink, which buffers the bytes and writes them to shared disk
	// on each buffer flush.
	Eval(ctx context.Context, code model.CodeRef, workdir string, out io.Writer) (EvalOutcome, error)
}

// ShellEvaluator is the default host evaluator: it runs CodeRef.Source as
// a POSIX shell script, and classifies pass/fail from the exit code and
// from any "PASS name" / "FAIL name: message" lines printed to stdout.
type ShellEvaluator struct{}

var passLine = regexp.MustCompile(`^PASS\s+(\S+)\s*$`)
var failLine = regexp.MustCompile(`^FAIL\s+(\S+)(?::\s*(.*))?$`)

func (ShellEvaluator) Eval(ctx context.Context, code model.CodeRef, workdir string, out io.Writer) (EvalOutcome, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, "sh", "-c", code.Source)
	cmd.Dir = workdir

	var stdout bytes.Buffer
	cmd.Stdout = io.MultiWriter(out, &stdout)
	cmd.Stderr = out

	runErr := cmd.Run()

	// Alloc/GC stats are meaningful only inside the host language's own
	// evaluator; a subprocess shell has nothing comparable to report, so
	// only wall time is populated here.
	outcome := EvalOutcome{
		Stats: model.PerfStats{
			Wall: time.Since(start),
		},
	}

	outcome.Outcomes = scanAssertions(stdout.Bytes())

	switch {
	case ctx.Err() != nil:
		outcome.Status = model.StatusTimeout
		outcome.Message = ctx.Err().Error()
		return outcome, ctx.Err()
	case runErr != nil:
		outcome.Status = model.StatusError
		outcome.Message = fmt.Sprintf("error during test: %v", runErr)
		return outcome, nil
	}

	outcome.Status = model.StatusPass
	for _, o := range outcome.Outcomes {
		if !o.Status.Passed() {
			outcome.Status = model.StatusFail
			outcome.Message = "Test failed"
			break
		}
	}
	outcome.Value = strings.TrimSpace(stdout.String())
	return outcome, nil
}

// scanAssertions extracts a flat assertion tree from a PASS/FAIL-line
// stream, the same line-oriented style as parser.RustParser/GoParser use
// to scan benchmark tool output.
func scanAssertions(output []byte) []model.AssertionOutcome {
	var outcomes []model.AssertionOutcome
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if m := passLine.FindStringSubmatch(line); m != nil {
			outcomes = append(outcomes, model.AssertionOutcome{Name: m[1], Status: model.StatusPass})
			continue
		}
		if m := failLine.FindStringSubmatch(line); m != nil {
			outcomes = append(outcomes, model.AssertionOutcome{Name: m[1], Status: model.StatusFail, Message: m[2]})
			continue
		}
	}
	return outcomes
}
