package mcp

import (
	"bufio"
	"io"
	"regexp"
	"strings"
	"sync"
)

const (
	// maxStderrLines bounds the retained stderr tail per child.
	maxStderrLines = 50

	// maxErrorLength caps the extracted error phrase stored on server rows
	// and sent to clients as JSON-RPC error data.
	maxErrorLength = 200
)

var (
	ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

	// errorLine matches the stderr lines worth surfacing: node and python
	// tracebacks, npm failures, missing binaries.
	errorLine = regexp.MustCompile(`Error|Exception|Failed to|Cannot`)
)

// stderrBuffer retains the tail of a child's stderr so a startup failure can
// be explained after the process is gone.
type stderrBuffer struct {
	mu    sync.Mutex
	lines []string
}

// capture consumes r until EOF, keeping the last maxStderrLines lines.
// Runs as a goroutine for the life of the child process.
func (b *stderrBuffer) capture(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		b.mu.Lock()
		b.lines = append(b.lines, scanner.Text())
		if len(b.lines) > maxStderrLines {
			b.lines = b.lines[len(b.lines)-maxStderrLines:]
		}
		b.mu.Unlock()
	}
}

// contents returns the buffered stderr tail as one string.
func (b *stderrBuffer) contents() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}

// ExtractMeaningfulError reduces raw stderr output to a short phrase suitable
// for last_error and JSON-RPC error data. ANSI color codes are stripped, the
// first line matching a known error shape wins, the first non-empty line is
// the fallback, and the result is truncated to maxErrorLength. Returns ""
// when stderr held nothing usable.
func ExtractMeaningfulError(stderr string) string {
	clean := ansiEscape.ReplaceAllString(stderr, "")

	var firstNonEmpty string
	for _, line := range strings.Split(clean, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if firstNonEmpty == "" {
			firstNonEmpty = line
		}
		if errorLine.MatchString(line) {
			return truncateError(line)
		}
	}
	return truncateError(firstNonEmpty)
}

func truncateError(s string) string {
	if len(s) > maxErrorLength {
		return s[:maxErrorLength]
	}
	return s
}
