package discovery

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jpequegn/retestrunner/internal/model"
)

func statNoFollow(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

// itemHeader matches a @testitem annotation header. Grouping mirrors the
// teacher's bencher-format regexes (parser.RustParser): one line-anchored
// pattern with named capture-like groups pulled out by index.
//
//	@testitem "name" tags=[a, b] setup=[Foo, Bar] begin
var itemHeader = regexp.MustCompile(`^\s*@testitem\s+"([^"]+)"(.*?)\bbegin(\s+end)?\s*$`)

// setupHeader matches a @testsetup annotation header.
//
//	@testsetup module Foo begin
var setupHeader = regexp.MustCompile(`^\s*@testsetup\s+module\s+(\w+)\s+begin\s*$`)

// topLevelCall matches any other bare top-level macro invocation, used
// only to detect ambiguous content in Strict mode.
var topLevelCall = regexp.MustCompile(`^\s*@(\w+)\b`)

var tagsAttr = regexp.MustCompile(`tags\s*=\s*\[([^\]]*)\]`)
var setupAttr = regexp.MustCompile(`setup\s*=\s*\[([^\]]*)\]`)
var retriesAttr = regexp.MustCompile(`retries\s*=\s*(\d+)`)
var timeoutAttr = regexp.MustCompile(`timeout\s*=\s*(\d+)`)
var failfastAttr = regexp.MustCompile(`failfast\s*=\s*true`)
var defaultImportsAttr = regexp.MustCompile(`default_imports\s*=\s*false`)
var skipAttr = regexp.MustCompile(`skip\s*=\s*"([^"]*)"`)

// blockOpeners are keywords that open a nested begin/end scope; used to
// find the matching `end` for an annotation's block. This is a
// line-oriented approximation of the host language's grammar, not a full
// parser -- adequate for the well-formed, machine-generated test files
// this tool is aimed at.
var blockOpeners = regexp.MustCompile(`\b(begin|if|for|while|function|module|do|try|quote|let)\b`)
var blockCloser = regexp.MustCompile(`\bend\b`)
var commentStrip = regexp.MustCompile(`#.*$`)

func splitList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(p), ":"))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// scanItems extracts every @testitem block from path.
func scanItems(path, projectRoot string, mode Mode) ([]*model.TestItem, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("discovery: open %s: %w", path, err)
	}
	defer f.Close()

	var items []*model.TestItem
	var warnings []string

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := scanner.Text()
		stripped := commentStrip.ReplaceAllString(raw, "")

		if m := itemHeader.FindStringSubmatch(stripped); m != nil {
			attrs := m[2]
			startLine := lineNum
			body, endLine, err := "", startLine, error(nil)
			if m[3] == "" { // a one-line "begin end" item has no block to consume
				body, endLine, err = consumeBlock(scanner, &lineNum)
			}
			if err != nil {
				return nil, nil, fmt.Errorf("%s:%d: %w", path, startLine, err)
			}
			item := &model.TestItem{
				Name:           m[1],
				File:           path,
				Line:           startLine,
				ProjectRoot:    projectRoot,
				Code:           model.CodeRef{File: path, Line: startLine, Source: body},
				Setups:         nil,
				DefaultImports: !defaultImportsAttr.MatchString(attrs),
				Failfast:       failfastAttr.MatchString(attrs),
			}
			if m2 := tagsAttr.FindStringSubmatch(attrs); m2 != nil {
				item.Tags = splitList(m2[1])
			}
			if m2 := setupAttr.FindStringSubmatch(attrs); m2 != nil {
				item.Setups = splitList(m2[1])
			}
			if m2 := retriesAttr.FindStringSubmatch(attrs); m2 != nil {
				n, _ := strconv.Atoi(m2[1])
				item.RetryCeiling = n
			}
			if m2 := timeoutAttr.FindStringSubmatch(attrs); m2 != nil {
				n, _ := strconv.Atoi(m2[1])
				item.Timeout = durationSeconds(n)
			}
			if m2 := skipAttr.FindStringSubmatch(attrs); m2 != nil {
				item.SkipPredicate = m2[1]
			}
			_ = endLine
			items = append(items, item)
			continue
		}

		if setupHeader.MatchString(stripped) {
			// Consumed by scanSetups on its own pass; skip the block
			// here so it isn't mistaken for ambiguous content.
			if _, _, err := consumeBlock(scanner, &lineNum); err != nil {
				return nil, nil, fmt.Errorf("%s:%d: %w", path, lineNum, err)
			}
			continue
		}

		if m := topLevelCall.FindStringSubmatch(stripped); m != nil {
			msg := fmt.Sprintf("unrecognized top-level call %q", m[1])
			if mode == Strict {
				return nil, nil, &ErrAmbiguousContent{Path: path, Call: m[1], Line: lineNum}
			}
			warnings = append(warnings, msg)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("discovery: scan %s: %w", path, err)
	}
	return items, warnings, nil
}

// scanSetups extracts every @testsetup block from path.
func scanSetups(path, projectRoot string) ([]*model.TestSetup, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("discovery: open %s: %w", path, err)
	}
	defer f.Close()

	var setups []*model.TestSetup
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := scanner.Text()
		stripped := commentStrip.ReplaceAllString(raw, "")

		if m := setupHeader.FindStringSubmatch(stripped); m != nil {
			startLine := lineNum
			body, _, err := consumeBlock(scanner, &lineNum)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, startLine, err)
			}
			setups = append(setups, &model.TestSetup{
				Name:        m[1],
				File:        path,
				ProjectRoot: projectRoot,
				Code:        model.CodeRef{File: path, Line: startLine, Source: body},
			})
			continue
		}
		if m := itemHeader.FindStringSubmatch(stripped); m != nil && m[3] == "" {
			if _, _, err := consumeBlock(scanner, &lineNum); err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, lineNum, err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("discovery: scan %s: %w", path, err)
	}
	return setups, nil
}

// consumeBlock reads lines (the header's trailing "begin" already
// consumed that nesting level) until the matching "end", tracking
// *lineNum as it goes, and returns the body text and the line the block
// closed on.
func consumeBlock(scanner *bufio.Scanner, lineNum *int) (string, int, error) {
	depth := 1
	var body strings.Builder
	for scanner.Scan() {
		*lineNum++
		raw := scanner.Text()
		stripped := commentStrip.ReplaceAllString(raw, "")

		depth += len(blockOpeners.FindAllString(stripped, -1))
		closers := blockCloser.FindAllString(stripped, -1)
		depth -= len(closers)
		if depth <= 0 {
			return body.String(), *lineNum, nil
		}
		body.WriteString(raw)
		body.WriteByte('\n')
	}
	return "", *lineNum, fmt.Errorf("unterminated block (missing end)")
}

func durationSeconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
