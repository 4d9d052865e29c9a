// Package stacktrace parses captured call-stack text into frames, resolves
// script URLs against the inspected page, fetches and caches source text and
// extracts line windows around a frame.
package stacktrace

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var (
	// "at fn (file:line:col)", "at async fn (file:line:col)", "at file:line:col"
	chromeLine = regexp.MustCompile(`^at\s+(?:async\s+)?(?:(.+?)\s+)?\(?(.+?):(\d+):(\d+)\)?$`)
	// "fn@file:line:col"
	geckoLine = regexp.MustCompile(`^(.+?)@(.+?):(\d+):(\d+)$`)
)

// Frame is one parsed stack line. Label-only frames have an empty File and
// zero Line/Column.
type Frame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
}

// HasLocation reports whether the frame points into a file.
func (f Frame) HasLocation() bool {
	return f.File != "" && f.Line > 0
}

// Parse splits stack text into frames. Lines matching neither known shape are
// kept as label-only frames, except the leading "Error" header.
func Parse(text string) []Frame {
	var frames []Frame
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if f, ok := parseLine(line); ok {
			frames = append(frames, f)
			continue
		}
		if strings.HasPrefix(line, "Error") {
			continue
		}
		frames = append(frames, Frame{Function: line})
	}
	return frames
}

func parseLine(line string) (Frame, bool) {
	m := chromeLine.FindStringSubmatch(line)
	if m == nil {
		m = geckoLine.FindStringSubmatch(line)
	}
	if m == nil {
		return Frame{}, false
	}
	fn := m[1]
	if fn == "" {
		fn = "anonymous"
	}
	ln, _ := strconv.Atoi(m[3])
	col, _ := strconv.Atoi(m[4])
	return Frame{Function: fn, File: m[2], Line: ln, Column: col}, true
}

// String renders the frame in the Chrome shape.
func (f Frame) String() string {
	if !f.HasLocation() {
		return f.Function
	}
	return "at " + f.Function + " (" + f.File + ":" + strconv.Itoa(f.Line) + ":" + strconv.Itoa(f.Column) + ")"
}

// ShortFile returns the display form of File: bundler prefixes removed and
// only the last two path segments kept.
func (f Frame) ShortFile() string {
	p := stripBundlerPrefix(f.File)
	if p == "" {
		return ""
	}
	if u, err := url.Parse(p); err == nil && u.Scheme != "" && u.Host != "" {
		pathname := strings.Replace(u.Path, "/node_modules/.vite/deps/", "", 1)
		return shorten(pathname)
	}
	return shorten(p)
}

func shorten(p string) string {
	var parts []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) > 2 {
		return ".../" + strings.Join(parts[len(parts)-2:], "/")
	}
	return p
}

func stripBundlerPrefix(p string) string {
	for _, prefix := range []string{"webpack-internal:///", "webpack:///"} {
		if strings.HasPrefix(p, prefix) {
			return strings.TrimPrefix(p, prefix)
		}
	}
	return p
}
