// Package diaglog recovers invalid device tokens from the diagnostic output
// of a delivery attempt.
package diaglog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	invalidBlockMarker = "Invalid tokens:"
	inlineMarker       = "ERROR apns ---> Invalid token:"
	// width of "YYYY-mm-dd HH:MM:SS "
	timestampWidth = 20
)

// ErrUnknownFormat is returned by ForFormat for an unsupported format name.
var ErrUnknownFormat = errors.New("unknown diagnostic format")

// Result is what a parser recovered from one attempt.
type Result struct {
	// Tokens are the invalid tokens in the order they were reported.
	Tokens []string
	// ResumeLine is the 1-based line of the next unprocessed token, or 0
	// when the format does not carry one.
	ResumeLine int
}

// Last returns the last reported token, or "" if none was reported.
func (r Result) Last() string {
	if len(r.Tokens) == 0 {
		return ""
	}
	return r.Tokens[len(r.Tokens)-1]
}

// Parser turns diagnostic lines into a Result.
type Parser interface {
	Parse(lines []string) Result
}

// Lines splits raw captured output into lines.
func Lines(raw string) []string {
	if raw == "" {
		return nil
	}
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	return strings.Split(strings.TrimSuffix(raw, "\n"), "\n")
}

// HasDiagnostics reports whether lines carry an invalid token report in
// either format, whether or not any token in it is well formed.
func HasDiagnostics(lines []string) bool {
	for _, line := range lines {
		if strings.TrimSpace(line) == invalidBlockMarker {
			return true
		}
		if len(line) > timestampWidth && strings.HasPrefix(line[timestampWidth:], inlineMarker) {
			return true
		}
	}
	return false
}

// MarkerBlock parses output where a line reading "Invalid tokens:" opens a
// block of "<index> <token>" lines running to the end of input.
type MarkerBlock struct {
	TokenLength int
}

// Parse ...
func (p MarkerBlock) Parse(lines []string) (res Result) {
	inBlock := false
	for _, line := range lines {
		if !inBlock {
			inBlock = strings.TrimSpace(line) == invalidBlockMarker
			continue
		}
		cols := strings.Fields(line)
		if len(cols) == 2 && len(cols[1]) == p.TokenLength {
			res.Tokens = append(res.Tokens, cols[1])
		}
	}
	return
}

// InlineTimestamp parses the legacy format where every rejected token gets
// its own timestamped line:
//
//	2020-01-01 00:00:00 ERROR apns ---> Invalid token: <token> <id> (<line>)
type InlineTimestamp struct {
	TokenLength int
}

// Parse ...
func (p InlineTimestamp) Parse(lines []string) (res Result) {
	var last []string
	for _, line := range lines {
		if len(line) <= timestampWidth {
			continue
		}
		rest := line[timestampWidth:]
		if !strings.HasPrefix(rest, inlineMarker) {
			continue
		}
		last = strings.Fields(rest[len(inlineMarker):])
		if len(last) == 3 && len(last[0]) == p.TokenLength {
			res.Tokens = append(res.Tokens, last[0])
		}
	}
	// only the last matching line carries the resume position
	if len(last) == 3 {
		res.ResumeLine = lineRef(last[2])
	}
	return
}

// lineRef turns "(41)" into 42; anything else yields 0.
func lineRef(col string) int {
	ref := strings.TrimSuffix(strings.TrimPrefix(col, "("), ")")
	if ref == "" || strings.TrimLeft(ref, "0123456789") != "" {
		return 0
	}
	n, err := strconv.Atoi(ref)
	if err != nil {
		return 0
	}
	return n + 1
}

// Chain tries each parser in turn; the first one reporting tokens wins.
type Chain []Parser

// Parse ...
func (c Chain) Parse(lines []string) Result {
	for _, p := range c {
		if res := p.Parse(lines); len(res.Tokens) > 0 {
			return res
		}
	}
	return Result{}
}

// ForFormat returns the parser for a configured format name: "marker",
// "inline" or "auto" (marker first, then inline).
func ForFormat(name string, tokenLength int) (Parser, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "marker":
		return MarkerBlock{TokenLength: tokenLength}, nil
	case "inline":
		return InlineTimestamp{TokenLength: tokenLength}, nil
	case "", "auto":
		return Chain{MarkerBlock{TokenLength: tokenLength}, InlineTimestamp{TokenLength: tokenLength}}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
}
