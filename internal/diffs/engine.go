// Package diffs computes, stores and renders textual deltas between file versions.
//
// Stored deltas are diff-match-patch patch texts built from character-level diffs
// after semantic cleanup. Line-oriented unified diffs are produced separately for display.
package diffs

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	difflib "github.com/pmezard/go-difflib/difflib"
	"github.com/sergi/go-diff/diffmatchpatch"
)

var (
	// ErrInvalidPatch indicates that a stored patch text could not be parsed.
	ErrInvalidPatch = errors.New("diffs: invalid patch")
	// ErrPatchRejected indicates that a patch did not apply cleanly to the given base text.
	ErrPatchRejected = errors.New("diffs: patch rejected")
)

// Operation marks how a segment of text changed.
type Operation string

const (
	OperationEqual  Operation = "equal"
	OperationInsert Operation = "insert"
	OperationDelete Operation = "delete"
)

const (
	defaultContextLines = 3
	// Inputs above this size are diffed line-first, which keeps large files fast.
	lineModeThreshold = 64 * 1024
)

var hunkHeaderPattern = regexp.MustCompile(`^@@ -(\d+),?(\d*) \+(\d+),?(\d*) @@$`)

// Segment is a span of text with its change marker.
type Segment struct {
	Op   Operation `json:"op"`
	Text string    `json:"text"`
}

// Hunk is one rendered block of a stored patch. Offsets are 1-based character positions.
type Hunk struct {
	OldStart  int       `json:"old_start"`
	OldLength int       `json:"old_length"`
	NewStart  int       `json:"new_start"`
	NewLength int       `json:"new_length"`
	Segments  []Segment `json:"segments"`
}

// Stats counts inserted and deleted characters.
type Stats struct {
	Insertions int `json:"insertions"`
	Deletions  int `json:"deletions"`
}

// Engine is safe for concurrent use.
type Engine struct {
	matcher      *diffmatchpatch.DiffMatchPatch
	contextLines int
}

// NewEngine returns an engine with deterministic settings (no diff deadline).
func NewEngine() *Engine {
	matcher := diffmatchpatch.New()
	matcher.DiffTimeout = 0
	return &Engine{matcher: matcher, contextLines: defaultContextLines}
}

// Diff returns the stored representation of the change from oldText to newText.
// The initial version of a file has nothing to compare against and always stores an empty diff.
func (e *Engine) Diff(oldText, newText string, initial bool) string {
	if initial {
		return ""
	}
	return e.Patch(oldText, newText)
}

// Patch returns the patch text transforming oldText into newText, or "" when they are equal.
func (e *Engine) Patch(oldText, newText string) string {
	if oldText == newText {
		return ""
	}
	patches := e.matcher.PatchMake(oldText, e.compute(oldText, newText))
	return e.matcher.PatchToText(patches)
}

// Apply replays a stored patch on top of baseText.
func (e *Engine) Apply(baseText, patchText string) (string, error) {
	if patchText == "" {
		return baseText, nil
	}
	patches, err := e.matcher.PatchFromText(patchText)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	result, applied := e.matcher.PatchApply(patches, baseText)
	for index, ok := range applied {
		if !ok {
			return "", fmt.Errorf("%w: hunk %d", ErrPatchRejected, index+1)
		}
	}
	return result, nil
}

// Segments returns marked spans describing how oldText became newText.
func (e *Engine) Segments(oldText, newText string) []Segment {
	if oldText == newText {
		if oldText == "" {
			return nil
		}
		return []Segment{{Op: OperationEqual, Text: oldText}}
	}
	return toSegments(e.compute(oldText, newText))
}

// Render parses a stored patch into hunks without needing the base text.
func (e *Engine) Render(patchText string) ([]Hunk, error) {
	if patchText == "" {
		return nil, nil
	}
	if _, err := e.matcher.PatchFromText(patchText); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}

	var (
		hunks   []Hunk
		current *Hunk
	)
	for _, line := range strings.Split(patchText, "\n") {
		if line == "" {
			continue
		}
		if match := hunkHeaderPattern.FindStringSubmatch(line); match != nil {
			hunks = append(hunks, parseHunkHeader(match))
			current = &hunks[len(hunks)-1]
			continue
		}
		if current == nil {
			return nil, fmt.Errorf("%w: body before hunk header", ErrInvalidPatch)
		}
		text, err := url.QueryUnescape(strings.ReplaceAll(line[1:], "+", "%2B"))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
		}
		var op Operation
		switch line[0] {
		case ' ':
			op = OperationEqual
		case '+':
			op = OperationInsert
		case '-':
			op = OperationDelete
		default:
			return nil, fmt.Errorf("%w: unknown line marker %q", ErrInvalidPatch, line[0])
		}
		current.Segments = appendSegment(current.Segments, Segment{Op: op, Text: text})
	}
	return hunks, nil
}

// Unified renders a line-oriented unified diff between two versions of filePath.
func (e *Engine) Unified(filePath, oldText, newText string) string {
	if oldText == newText {
		return ""
	}
	fromFile := "a/" + filePath
	if oldText == "" {
		fromFile = "/dev/null"
	}
	unified := difflib.UnifiedDiff{
		A:        splitLinesKeepNL(oldText),
		B:        splitLinesKeepNL(newText),
		FromFile: fromFile,
		ToFile:   "b/" + filePath,
		Context:  e.contextLines,
	}
	body, err := difflib.GetUnifiedDiffString(unified)
	if err != nil {
		return ""
	}
	return body
}

// Stats tallies inserted and deleted characters across segments.
func (e *Engine) Stats(segments []Segment) Stats {
	return countSegments(segments)
}

// HunkStats tallies inserted and deleted characters across rendered hunks.
func (e *Engine) HunkStats(hunks []Hunk) Stats {
	var stats Stats
	for _, hunk := range hunks {
		hunkStats := countSegments(hunk.Segments)
		stats.Insertions += hunkStats.Insertions
		stats.Deletions += hunkStats.Deletions
	}
	return stats
}

func countSegments(segments []Segment) Stats {
	var stats Stats
	for _, segment := range segments {
		switch segment.Op {
		case OperationInsert:
			stats.Insertions += len([]rune(segment.Text))
		case OperationDelete:
			stats.Deletions += len([]rune(segment.Text))
		}
	}
	return stats
}

func (e *Engine) compute(oldText, newText string) []diffmatchpatch.Diff {
	checkLines := len(oldText)+len(newText) > lineModeThreshold
	diffs := e.matcher.DiffMain(oldText, newText, checkLines)
	return e.matcher.DiffCleanupSemantic(diffs)
}

func toSegments(diffs []diffmatchpatch.Diff) []Segment {
	segments := make([]Segment, 0, len(diffs))
	for _, diff := range diffs {
		var op Operation
		switch diff.Type {
		case diffmatchpatch.DiffInsert:
			op = OperationInsert
		case diffmatchpatch.DiffDelete:
			op = OperationDelete
		default:
			op = OperationEqual
		}
		segments = appendSegment(segments, Segment{Op: op, Text: diff.Text})
	}
	return segments
}

// appendSegment merges consecutive spans with the same marker.
func appendSegment(segments []Segment, segment Segment) []Segment {
	if segment.Text == "" {
		return segments
	}
	if n := len(segments); n > 0 && segments[n-1].Op == segment.Op {
		segments[n-1].Text += segment.Text
		return segments
	}
	return append(segments, segment)
}

func parseHunkHeader(match []string) Hunk {
	oldStart, oldLength := parseRange(match[1], match[2])
	newStart, newLength := parseRange(match[3], match[4])
	return Hunk{OldStart: oldStart, OldLength: oldLength, NewStart: newStart, NewLength: newLength}
}

// parseRange follows the diff-match-patch header convention: "n" means one character at n,
// "n,0" means an empty range after position n.
func parseRange(startText, lengthText string) (int, int) {
	start, _ := strconv.Atoi(startText)
	if lengthText == "" {
		return start, 1
	}
	length, _ := strconv.Atoi(lengthText)
	if length == 0 {
		return start + 1, 0
	}
	return start, length
}

func splitLinesKeepNL(text string) []string {
	if text == "" {
		return []string{}
	}
	return strings.SplitAfter(text, "\n")
}
