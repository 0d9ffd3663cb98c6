package dispatch

import (
	"errors"
	"strings"
)

// MatchStrategy names the cascade stage that produced a successful match,
// reported back in the tool result's metadata alongside a confidence score.
type MatchStrategy string

const (
	StrategyExact                 MatchStrategy = "exact"
	StrategyLineTrimmed           MatchStrategy = "line_trimmed"
	StrategyBlockAnchor           MatchStrategy = "block_anchor"
	StrategyWhitespaceNormalized  MatchStrategy = "whitespace_normalized"
	StrategyIndentationFlexible   MatchStrategy = "indentation_flexible"
	StrategyEscapeNormalized      MatchStrategy = "escape_normalized"
	StrategyTrimmedBoundary       MatchStrategy = "trimmed_boundary"
	StrategyContextAware          MatchStrategy = "context_aware"
)

var strategyConfidence = map[MatchStrategy]float64{
	StrategyExact:                1.0,
	StrategyLineTrimmed:          0.95,
	StrategyBlockAnchor:          0.85,
	StrategyWhitespaceNormalized: 0.8,
	StrategyIndentationFlexible:  0.75,
	StrategyEscapeNormalized:     0.7,
	StrategyTrimmedBoundary:      0.65,
	StrategyContextAware:         0.6,
}

// ErrNoMatchFound is returned when no cascade strategy produces a usable
// match. StrategiesTried names every strategy that was attempted.
type ErrNoMatchFound struct {
	StrategiesTried []MatchStrategy
}

func (e *ErrNoMatchFound) Error() string {
	names := make([]string, len(e.StrategiesTried))
	for i, s := range e.StrategiesTried {
		names[i] = string(s)
	}
	return "no match found after trying: " + strings.Join(names, ", ")
}

// EditResult reports the outcome of a successful ApplyEdit.
type EditResult struct {
	Content    string
	Strategy   MatchStrategy
	Confidence float64
	Replaced   int
}

type byteRange struct{ start, end int }

// ApplyEdit cascades through the eight match strategies in order, using
// the first that yields exactly one match (or, when replaceAll is set,
// the first that yields at least one match, applying the replacement to
// every one of them).
func ApplyEdit(content, oldStr, newStr string, replaceAll bool) (EditResult, error) {
	if oldStr == "" {
		return EditResult{}, errors.New("old_str must not be empty")
	}

	var tried []MatchStrategy
	cascade := []struct {
		name  MatchStrategy
		match func(string, string) []byteRange
	}{
		{StrategyExact, matchExact},
		{StrategyLineTrimmed, matchLineTrimmed},
		{StrategyBlockAnchor, matchBlockAnchor},
		{StrategyWhitespaceNormalized, matchWhitespaceNormalized},
		{StrategyIndentationFlexible, matchIndentationFlexible},
		{StrategyEscapeNormalized, matchEscapeNormalized},
		{StrategyTrimmedBoundary, matchTrimmedBoundary},
		{StrategyContextAware, matchContextAware},
	}

	for _, stage := range cascade {
		tried = append(tried, stage.name)
		ranges := stage.match(content, oldStr)
		if len(ranges) == 0 {
			continue
		}
		if !replaceAll && len(ranges) != 1 {
			continue
		}
		updated := applyRanges(content, ranges, newStr)
		return EditResult{
			Content:    updated,
			Strategy:   stage.name,
			Confidence: strategyConfidence[stage.name],
			Replaced:   len(ranges),
		}, nil
	}

	return EditResult{}, &ErrNoMatchFound{StrategiesTried: tried}
}

func applyRanges(content string, ranges []byteRange, newStr string) string {
	var b strings.Builder
	cursor := 0
	for _, r := range ranges {
		b.WriteString(content[cursor:r.start])
		b.WriteString(newStr)
		cursor = r.end
	}
	b.WriteString(content[cursor:])
	return b.String()
}

// 1. Exact string match: every literal occurrence of oldStr in content.
func matchExact(content, oldStr string) []byteRange {
	var ranges []byteRange
	idx := 0
	for {
		pos := strings.Index(content[idx:], oldStr)
		if pos == -1 {
			break
		}
		start := idx + pos
		ranges = append(ranges, byteRange{start, start + len(oldStr)})
		idx = start + len(oldStr)
	}
	return ranges
}

// lineWindows locates every contiguous run of lines in content whose length
// equals len(patternLines) and for which cmp holds line-by-line, returning
// each run's byte range in the original content.
func lineWindows(content string, patternLines []string, cmp func(contentLine, patternLine string) bool) []byteRange {
	if len(patternLines) == 0 {
		return nil
	}
	lines, offsets := splitLinesWithOffsets(content)
	var ranges []byteRange
	for start := 0; start+len(patternLines) <= len(lines); start++ {
		ok := true
		for i, p := range patternLines {
			if !cmp(lines[start+i], p) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		end := start + len(patternLines) - 1
		rangeStart := offsets[start]
		var rangeEnd int
		if end+1 < len(offsets) {
			rangeEnd = offsets[end+1] - 1 // exclude the trailing newline
		} else {
			rangeEnd = len(content)
		}
		ranges = append(ranges, byteRange{rangeStart, rangeEnd})
	}
	return ranges
}

func splitLinesWithOffsets(content string) ([]string, []int) {
	lines := strings.Split(content, "\n")
	offsets := make([]int, len(lines))
	pos := 0
	for i, l := range lines {
		offsets[i] = pos
		pos += len(l) + 1 // +1 for the newline separator
	}
	return lines, offsets
}

func windowValidated(content string, patternLines []string, valid func(window, pattern []string) bool) []byteRange {
	if len(patternLines) == 0 {
		return nil
	}
	lines, offsets := splitLinesWithOffsets(content)
	var ranges []byteRange
	for start := 0; start+len(patternLines) <= len(lines); start++ {
		window := lines[start : start+len(patternLines)]
		if !valid(window, patternLines) {
			continue
		}
		end := start + len(patternLines) - 1
		rangeStart := offsets[start]
		var rangeEnd int
		if end+1 < len(offsets) {
			rangeEnd = offsets[end+1] - 1
		} else {
			rangeEnd = len(content)
		}
		ranges = append(ranges, byteRange{rangeStart, rangeEnd})
	}
	return ranges
}

// 2. Line-trimmed match: trailing whitespace on each line is ignored.
func matchLineTrimmed(content, oldStr string) []byteRange {
	patternLines := strings.Split(oldStr, "\n")
	return lineWindows(content, patternLines, func(a, b string) bool {
		return strings.TrimRight(a, " \t\r") == strings.TrimRight(b, " \t\r")
	})
}

// 3. Block-anchor match: only the first and last non-empty pattern lines
// must match (trimmed); interior lines are unconstrained. Reserved for
// blocks of at least 4 lines so it doesn't shadow the narrower
// context-aware strategy (8) on short 3-line snippets.
func matchBlockAnchor(content, oldStr string) []byteRange {
	patternLines := strings.Split(oldStr, "\n")
	if len(patternLines) < 4 {
		return nil
	}
	first, last := firstNonEmpty(patternLines), lastNonEmpty(patternLines)
	if first == -1 {
		return nil
	}
	return windowValidated(content, patternLines, func(window, pattern []string) bool {
		return strings.TrimSpace(window[first]) == strings.TrimSpace(pattern[first]) &&
			strings.TrimSpace(window[last]) == strings.TrimSpace(pattern[last])
	})
}

func firstNonEmpty(lines []string) int {
	for i, l := range lines {
		if strings.TrimSpace(l) != "" {
			return i
		}
	}
	return -1
}

func lastNonEmpty(lines []string) int {
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return i
		}
	}
	return -1
}

// 4. Whitespace-normalized match: runs of whitespace collapse to a single
// space before comparison.
func matchWhitespaceNormalized(content, oldStr string) []byteRange {
	patternLines := strings.Split(oldStr, "\n")
	return lineWindows(content, patternLines, func(a, b string) bool {
		return collapseWhitespace(a) == collapseWhitespace(b)
	})
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// 5. Indentation-flexible match: leading whitespace may differ from the
// pattern's as long as the delta is constant across every line in the
// window (i.e. relative indentation is preserved).
func matchIndentationFlexible(content, oldStr string) []byteRange {
	patternLines := strings.Split(oldStr, "\n")
	if len(patternLines) == 0 {
		return nil
	}
	return windowValidated(content, patternLines, func(window, pattern []string) bool {
		delta := 0
		for i := range pattern {
			if strings.TrimLeft(window[i], " \t") != strings.TrimLeft(pattern[i], " \t") {
				return false
			}
			d := leadingWhitespaceLen(window[i]) - leadingWhitespaceLen(pattern[i])
			if i == 0 {
				delta = d
			} else if d != delta {
				return false
			}
		}
		return true
	})
}

func leadingWhitespaceLen(s string) int {
	n := 0
	for _, r := range s {
		if r != ' ' && r != '\t' {
			break
		}
		n++
	}
	return n
}

// 6. Escape-normalized match: literal escape sequences in oldStr (\n, \t,
// \\) are unescaped before an exact search, so a pattern authored with
// literal "\n" still matches real newlines in content.
func matchEscapeNormalized(content, oldStr string) []byteRange {
	normalized := unescapeLiterals(oldStr)
	if normalized == oldStr {
		return nil // nothing to normalize, strategy adds no new matches
	}
	return matchExact(content, normalized)
}

func unescapeLiterals(s string) string {
	replacer := strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\\`, `\`)
	return replacer.Replace(s)
}

// 7. Trimmed-boundary match: leading/trailing blank lines in the pattern
// are ignored entirely before matching.
func matchTrimmedBoundary(content, oldStr string) []byteRange {
	patternLines := strings.Split(oldStr, "\n")
	first, last := firstNonEmpty(patternLines), lastNonEmpty(patternLines)
	if first == -1 || (first == 0 && last == len(patternLines)-1) {
		return nil // nothing was trimmed; strategies 1/2 already covered this
	}
	trimmed := patternLines[first : last+1]
	return lineWindows(content, trimmed, func(a, b string) bool { return a == b })
}

// 8. Context-aware match: a last resort for short blocks. The first and
// last lines are the surrounding context and must match exactly;
// interior lines are unconstrained, covering edits where the body
// changed in ways no earlier strategy tolerates but the immediate
// context around it did not.
func matchContextAware(content, oldStr string) []byteRange {
	patternLines := strings.Split(oldStr, "\n")
	if len(patternLines) < 3 {
		return nil
	}
	return windowValidated(content, patternLines, func(window, pattern []string) bool {
		return window[0] == pattern[0] && window[len(window)-1] == pattern[len(pattern)-1]
	})
}
