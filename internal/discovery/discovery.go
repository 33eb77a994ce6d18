// Package discovery walks a source tree, classifies files as test files
// or setup files, and scans their contents for @testitem/@testsetup
// annotations. It is an external collaborator of the coordinator: the
// coordinator only ever sees the []model.TestItem and []model.TestSetup
// it produces.
package discovery

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jpequegn/retestrunner/internal/model"
)

// testFileSuffix matches "_test"/"_tests"/"-test"/"-tests" immediately
// before the extension.
var testFileSuffix = regexp.MustCompile(`[-_]tests?\.[^.]+$`)

// setupFileSuffix matches "_testsetup[s]"/"-testsetup[s]" before the
// extension.
var setupFileSuffix = regexp.MustCompile(`[-_]testsetups?\.[^.]+$`)

// Mode controls how discovery reacts to top-level content it does not
// recognize as an item or setup annotation (spec §9, "do-not-guess").
type Mode int

const (
	// Strict refuses to discover a file containing unrecognized
	// top-level calls. This is the default.
	Strict Mode = iota
	// Loose logs and skips unrecognized top-level calls instead of
	// failing the run.
	Loose
)

// Options configures a discovery run.
type Options struct {
	Mode Mode
	// Skip is consulted for every discovered TestItem before it is
	// enqueued; items for which it returns false are dropped. Used to
	// implement the CLI's --name/--tags filters without coupling
	// discovery to the config package.
	Skip func(*model.TestItem) bool
	// OnWarning receives loose-mode diagnostics; may be nil.
	OnWarning func(path string, msg string)
}

// ErrDuplicateID is returned when two items share an identifier. It is
// fatal per spec §7: JUnit reporting and retry bookkeeping both require
// identifier uniqueness.
type ErrDuplicateID struct {
	ID string
}

func (e *ErrDuplicateID) Error() string {
	return fmt.Sprintf("duplicate test item id %q", e.ID)
}

// ErrAmbiguousContent is returned in Strict mode when a test file
// contains a top-level macro call discovery does not recognize.
type ErrAmbiguousContent struct {
	Path string
	Call string
	Line int
}

func (e *ErrAmbiguousContent) Error() string {
	return fmt.Sprintf("%s:%d: unrecognized top-level call %q (pass loose discovery to allow it)", e.Path, e.Line, e.Call)
}

// Result is the output of a discovery run: every item and setup found,
// plus the relative path tree discovery walked (used by resulttree to
// shape the aggregate before any Results arrive).
type Result struct {
	Items  []*model.TestItem
	Setups map[string]*model.TestSetup // name -> setup, unique across the whole run
	Paths  []string                    // every test/setup file visited, sorted
}

// Discover walks roots (files or directories) and returns every
// TestItem/TestSetup found, or a fatal error if discovery itself fails.
func Discover(roots []string, opts Options) (*Result, error) {
	res := &Result{Setups: make(map[string]*model.TestSetup)}
	seenIDs := make(map[string]struct{})
	seenNamesPerFile := make(map[string]map[string]struct{})

	visit := func(path string) error {
		if !testFileSuffix.MatchString(path) && !setupFileSuffix.MatchString(path) {
			return nil
		}
		res.Paths = append(res.Paths, path)

		projectRoot := filepath.Dir(path)
		setups, err := scanSetups(path, projectRoot)
		if err != nil {
			return err
		}
		for _, s := range setups {
			if _, dup := res.Setups[s.Name]; dup {
				return fmt.Errorf("duplicate test setup name %q (in %s and %s)", s.Name, res.Setups[s.Name].File, s.File)
			}
			res.Setups[s.Name] = s
		}
		if setupFileSuffix.MatchString(path) {
			return nil
		}

		items, warnings, err := scanItems(path, projectRoot, opts.Mode)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			if opts.OnWarning != nil {
				opts.OnWarning(path, w)
			}
		}
		fileNames := seenNamesPerFile[path]
		if fileNames == nil {
			fileNames = make(map[string]struct{})
			seenNamesPerFile[path] = fileNames
		}
		for _, it := range items {
			if it.ID == "" {
				it.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(it.File+":"+it.Name)).String()
			}
			if _, dup := seenIDs[it.ID]; dup {
				return &ErrDuplicateID{ID: it.ID}
			}
			if _, dup := fileNames[it.Name]; dup {
				return fmt.Errorf("duplicate test item name %q in file %s", it.Name, path)
			}
			seenIDs[it.ID] = struct{}{}
			fileNames[it.Name] = struct{}{}

			if opts.Skip != nil && !opts.Skip(it) {
				continue
			}
			res.Items = append(res.Items, it)
		}
		return nil
	}

	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			base := d.Name()
			if base != "." && strings.HasPrefix(base, ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if isSubproject(path, root) {
					return filepath.SkipDir
				}
				return nil
			}
			return visit(path)
		})
		if err != nil {
			return nil, err
		}
	}

	for _, it := range res.Items {
		for _, name := range it.Setups {
			if _, ok := res.Setups[name]; !ok {
				return nil, fmt.Errorf("%s:%d: test item %q requires unknown test setup %q", it.File, it.Line, it.Name, name)
			}
		}
	}

	sort.Strings(res.Paths)
	sort.Slice(res.Items, func(i, j int) bool {
		if res.Items[i].File != res.Items[j].File {
			return res.Items[i].File < res.Items[j].File
		}
		return res.Items[i].Line < res.Items[j].Line
	})
	return res, nil
}

// isSubproject reports whether dir carries a nested project manifest
// other than the run root's own test/Project.toml.
func isSubproject(dir, root string) bool {
	if dir == root {
		return false
	}
	manifest := filepath.Join(dir, "Project.toml")
	if _, err := statNoFollow(manifest); err != nil {
		return false
	}
	rel, err := filepath.Rel(root, manifest)
	return err != nil || rel != filepath.Join("test", "Project.toml")
}
