// Package resulttree accumulates per-item Results into a directory-shaped
// tree, keyed by directory, then file, then item, with bottom-up
// aggregate counters (spec §3, §4.6).
package resulttree

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jpequegn/retestrunner/internal/model"
)

// Stats are the aggregate counters computed bottom-up over a subtree.
type Stats struct {
	Total    int
	Passed   int
	Failed   int
	Errored  int
	TimedOut int
	Skipped  int
	Elapsed  float64 // seconds, sum of the latest run's wall time per item
}

func (s *Stats) add(o Stats) {
	s.Total += o.Total
	s.Passed += o.Passed
	s.Failed += o.Failed
	s.Errored += o.Errored
	s.TimedOut += o.TimedOut
	s.Skipped += o.Skipped
	s.Elapsed += o.Elapsed
}

func statsFor(status model.Status) Stats {
	s := Stats{Total: 1}
	switch status {
	case model.StatusPass:
		s.Passed = 1
	case model.StatusFail:
		s.Failed = 1
	case model.StatusError:
		s.Errored = 1
	case model.StatusTimeout:
		s.TimedOut = 1
	case model.StatusSkipped:
		s.Skipped = 1
	case model.StatusWorkerCrash:
		s.Errored = 1
	}
	return s
}

// ItemNode is a leaf: one TestItem and every Result recorded for it,
// indexed by run number (1-based, so index 0 is run 1).
type ItemNode struct {
	Item    *model.TestItem
	Results []model.Result // in run-number order
}

// Latest returns the most recently recorded Result for this item, or the
// zero Result if none has arrived yet.
func (n *ItemNode) Latest() model.Result {
	if len(n.Results) == 0 {
		return model.Result{}
	}
	return n.Results[len(n.Results)-1]
}

// FileNode groups every item discovered in one source file.
type FileNode struct {
	Path  string
	Items []*ItemNode
}

// DirNode groups files and nested directories under one path segment.
type DirNode struct {
	Name  string
	Dirs  map[string]*DirNode
	Files map[string]*FileNode
}

func newDirNode(name string) *DirNode {
	return &DirNode{Name: name, Dirs: make(map[string]*DirNode), Files: make(map[string]*FileNode)}
}

// Tree is the full run's result accumulation. Safe for concurrent use:
// each manager task in the Coordinator touches only its current item's
// node, so a single mutex guarding map mutation is sufficient (spec §5).
type Tree struct {
	mu   sync.Mutex
	root *DirNode

	items map[string]*ItemNode // item id -> node, for O(1) Record lookups
}

// New builds an empty tree seeded with every item discovery found, so the
// printed tree has a stable shape before any Result arrives.
func New(items []*model.TestItem) *Tree {
	t := &Tree{root: newDirNode(""), items: make(map[string]*ItemNode)}
	for _, it := range items {
		t.seed(it)
	}
	return t
}

func (t *Tree) seed(item *model.TestItem) {
	dir, file := filepath.Split(item.File)
	segments := strings.Split(filepath.Clean(dir), string(filepath.Separator))

	node := t.root
	for _, seg := range segments {
		if seg == "" || seg == "." {
			continue
		}
		child, ok := node.Dirs[seg]
		if !ok {
			child = newDirNode(seg)
			node.Dirs[seg] = child
		}
		node = child
	}

	fn, ok := node.Files[file]
	if !ok {
		fn = &FileNode{Path: item.File}
		node.Files[file] = fn
	}
	in := &ItemNode{Item: item}
	fn.Items = append(fn.Items, in)
	t.items[item.ID] = in
}

// Record appends res to its item's run history. Results for the same item
// must be recorded in increasing run-number order (spec §5 ordering
// guarantee); the Coordinator's single-manager-per-item-at-a-time
// invariant makes this automatic.
func (t *Tree) Record(res model.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.items[res.ItemID]
	if !ok {
		return // defensive: discovery and dispatch always agree on item ids
	}
	n.Results = append(n.Results, res)
}

// Root returns the root DirNode. Callers must not mutate the returned
// tree; use Record to add Results.
func (t *Tree) Root() *DirNode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// Aggregate computes the aggregate counters for a DirNode's whole
// subtree, using each item's latest Result.
func Aggregate(d *DirNode) Stats {
	var total Stats
	for _, f := range d.Files {
		for _, it := range f.Items {
			if len(it.Results) == 0 {
				continue
			}
			total.add(statsFor(it.Latest().Status))
			total.Elapsed += it.Latest().Stats.Wall.Seconds()
		}
	}
	for _, sub := range d.Dirs {
		total.add(Aggregate(sub))
	}
	return total
}

// SortedDirNames returns d's child directory names, alphabetically.
func SortedDirNames(d *DirNode) []string {
	names := make([]string, 0, len(d.Dirs))
	for name := range d.Dirs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SortedFileNames returns d's file names, alphabetically.
func SortedFileNames(d *DirNode) []string {
	names := make([]string, 0, len(d.Files))
	for name := range d.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AnyNonPassing reports whether any item anywhere in the tree's latest
// recorded Results is not a pass; used to compute the process exit code.
func AnyNonPassing(d *DirNode) bool {
	for _, f := range d.Files {
		for _, it := range f.Items {
			if len(it.Results) == 0 {
				return true // never recorded at all: treat as failure
			}
			if !it.Latest().Status.Passed() {
				return true
			}
		}
	}
	for _, sub := range d.Dirs {
		if AnyNonPassing(sub) {
			return true
		}
	}
	return false
}
