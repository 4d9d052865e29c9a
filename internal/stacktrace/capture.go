package stacktrace

import (
	"fmt"
	"runtime"
	"strings"
)

// EngineFrames are function-name prefixes dropped from captured Go stacks:
// the Go runtime and the capture engine's own methods.
var EngineFrames = []string{
	"runtime.",
	"mobxlens/internal/correlator.(*",
	"mobxlens/internal/hook.(*",
	"mobxlens/internal/stacktrace.",
}

// Capture renders the calling goroutine's stack in the
// "at fn (file:line:col)" shape, skipping skip callers above Capture and any
// frame whose function starts with one of ignore.
func Capture(skip int, ignore []string) string {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var lines []string
	for {
		f, more := frames.Next()
		if f.Function != "" && !hasAnyPrefix(f.Function, ignore) {
			lines = append(lines, fmt.Sprintf("    at %s (%s:%d:1)", f.Function, f.File, f.Line))
		}
		if !more {
			break
		}
	}
	return strings.Join(lines, "\n")
}

// Filter drops the first skip lines of a captured stack and every line
// containing one of patterns.
func Filter(stack string, skip int, patterns []string) string {
	lines := strings.Split(stack, "\n")
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		if i < skip {
			continue
		}
		if containsAny(line, patterns) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, p := range subs {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
