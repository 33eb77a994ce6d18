package reporter

import (
	"encoding/xml"
	"fmt"
	"io"

	"github.com/jpequegn/retestrunner/internal/model"
	"github.com/jpequegn/retestrunner/internal/resulttree"
)

// junitSuites is the <testsuites> root element (spec §6.3).
type junitSuites struct {
	XMLName xml.Name     `xml:"testsuites"`
	Suites  []junitSuite `xml:"testsuite"`
}

type junitSuite struct {
	XMLName   xml.Name    `xml:"testsuite"`
	Name      string      `xml:"name,attr"`
	Timestamp string      `xml:"timestamp,attr"`
	Time      string      `xml:"time,attr"`
	Tests     int         `xml:"tests,attr"`
	Skipped   int         `xml:"skipped,attr"`
	Failures  int         `xml:"failures,attr"`
	Errors    int         `xml:"errors,attr"`
	Cases     []junitCase `xml:"testcase"`
}

type skippedMarker struct{}

type junitCase struct {
	XMLName    xml.Name        `xml:"testcase"`
	Name       string          `xml:"name,attr"`
	Timestamp  string          `xml:"timestamp,attr"`
	Time       string          `xml:"time,attr"`
	Failure    *junitOutcome   `xml:"failure,omitempty"`
	Error      *junitOutcome   `xml:"error,omitempty"`
	Skipped    *skippedMarker  `xml:"skipped,omitempty"`
	Properties []junitProperty `xml:"properties>property,omitempty"`
}

type junitOutcome struct {
	Message string `xml:"message,attr"`
}

type junitProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// WriteJUnit serializes root as <testsuites>/<testsuite>/<testcase>,
// one <testsuite> per source file and one <testcase> per item-run (spec
// §6.3). Message text for non-pass outcomes follows the wording
// specified verbatim: "Test failed" / "Error during test" / "Multiple
// errors" / "Timed out after …" / "Worker process aborted …".
func WriteJUnit(w io.Writer, root *resulttree.DirNode) error {
	var suites junitSuites
	collectSuites(root, &suites)

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("reporter: write xml header: %w", err)
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(&suites); err != nil {
		return fmt.Errorf("reporter: encode junit: %w", err)
	}
	return nil
}

func collectSuites(d *resulttree.DirNode, out *junitSuites) {
	for _, name := range resulttree.SortedFileNames(d) {
		f := d.Files[name]
		suite := junitSuite{Name: f.Path}
		for _, item := range f.Items {
			for _, res := range item.Results {
				suite.Tests++
				tc := junitCase{
					Name:      item.Item.Name,
					Timestamp: res.RecordedAt.Format("2006-01-02T15:04:05"),
					Time:      fmt.Sprintf("%.3f", res.Stats.Wall.Seconds()),
					Properties: []junitProperty{
						{Name: "wall", Value: fmt.Sprintf("%.6f", res.Stats.Wall.Seconds())},
						{Name: "compile", Value: fmt.Sprintf("%.6f", res.Stats.Compile.Seconds())},
						{Name: "gc", Value: fmt.Sprintf("%.6f", res.Stats.GC.Seconds())},
					},
				}
				switch res.Status {
				case model.StatusSkipped:
					suite.Skipped++
					tc.Skipped = &skippedMarker{}
				case model.StatusFail:
					suite.Failures++
					tc.Failure = &junitOutcome{Message: failureMessage(res)}
				case model.StatusError:
					suite.Errors++
					tc.Error = &junitOutcome{Message: "Error during test"}
				case model.StatusTimeout, model.StatusWorkerCrash:
					suite.Errors++
					tc.Error = &junitOutcome{Message: res.Message}
				}
				suite.Cases = append(suite.Cases, tc)
			}
		}
		if len(suite.Cases) > 0 {
			out.Suites = append(out.Suites, suite)
		}
	}
	for _, name := range resulttree.SortedDirNames(d) {
		collectSuites(d.Dirs[name], out)
	}
}

func failureMessage(res model.Result) string {
	failed := 0
	for _, o := range res.Outcomes {
		if !o.Status.Passed() {
			failed++
		}
	}
	if failed > 1 {
		return "Multiple errors"
	}
	return "Test failed"
}
