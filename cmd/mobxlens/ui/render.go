package ui

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"mobxlens/internal/history"
	"mobxlens/internal/stacktrace"
)

// ActionView is an action as the panel displays it.
type ActionView struct {
	ID         string
	Name       string
	Store      string
	Timestamp  time.Time
	Changes    []ChangeView
	Arguments  []any
	StackTrace string
}

// ChangeView is one change of an action. Additions carry no old value and
// deletions no new value.
type ChangeView struct {
	Type           string
	Name           string
	Store          string
	ObservableKind string
	OldValue       any
	NewValue       any
	HasOld         bool
	HasNew         bool
}

type wireAction struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Object     string            `json:"object"`
	Timestamp  int64             `json:"timestamp"`
	Changes    []json.RawMessage `json:"changes"`
	Arguments  []any             `json:"arguments"`
	StackTrace string            `json:"stackTrace"`
}

// DecodeAction reads an ACTION payload.
func DecodeAction(raw json.RawMessage) (ActionView, error) {
	var w wireAction
	if err := json.Unmarshal(raw, &w); err != nil {
		return ActionView{}, fmt.Errorf("decode action: %w", err)
	}
	changes, err := decodeChanges(w.Changes)
	if err != nil {
		return ActionView{}, err
	}
	return ActionView{
		ID:         w.ID,
		Name:       w.Name,
		Store:      w.Object,
		Timestamp:  time.UnixMilli(w.Timestamp),
		Changes:    changes,
		Arguments:  w.Arguments,
		StackTrace: w.StackTrace,
	}, nil
}

// FromRecord converts a history record.
func FromRecord(r history.Record) (ActionView, error) {
	var raw []json.RawMessage
	if len(r.Changes) > 0 {
		if err := json.Unmarshal(r.Changes, &raw); err != nil {
			return ActionView{}, fmt.Errorf("decode changes of %s: %w", r.ID, err)
		}
	}
	changes, err := decodeChanges(raw)
	if err != nil {
		return ActionView{}, err
	}
	args, err := r.ArgumentList()
	if err != nil {
		return ActionView{}, err
	}
	return ActionView{
		ID:         r.ID,
		Name:       r.Name,
		Store:      r.Store,
		Timestamp:  r.Timestamp,
		Changes:    changes,
		Arguments:  args,
		StackTrace: r.StackTrace,
	}, nil
}

func decodeChanges(raw []json.RawMessage) ([]ChangeView, error) {
	out := make([]ChangeView, 0, len(raw))
	for _, item := range raw {
		var m map[string]any
		if err := json.Unmarshal(item, &m); err != nil {
			return nil, fmt.Errorf("decode change: %w", err)
		}
		c := ChangeView{}
		c.Type, _ = m["type"].(string)
		c.Name, _ = m["name"].(string)
		c.Store, _ = m["store"].(string)
		c.ObservableKind, _ = m["observableKind"].(string)
		c.OldValue, c.HasOld = m["oldValue"]
		c.NewValue, c.HasNew = m["newValue"]
		out = append(out, c)
	}
	return out, nil
}

// ActionMarkdown renders the action detail pane.
func ActionMarkdown(a ActionView) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", a.Name)
	fmt.Fprintf(&sb, "**Store:** `%s`  \n", a.Store)
	fmt.Fprintf(&sb, "**Time:** %s  \n", a.Timestamp.Format("15:04:05.000"))
	fmt.Fprintf(&sb, "**ID:** `%s`\n\n", a.ID)

	sb.WriteString("## Changes\n\n")
	if len(a.Changes) == 0 {
		sb.WriteString("_no tracked changes_\n\n")
	} else {
		sb.WriteString("| type | store | name | old | new |\n|---|---|---|---|---|\n")
		for _, c := range a.Changes {
			old, nu := "", ""
			if c.HasOld {
				old = inline(c.OldValue)
			}
			if c.HasNew {
				nu = inline(c.NewValue)
			}
			fmt.Fprintf(&sb, "| %s | %s | %s | %s | %s |\n", c.Type, c.Store, c.Name, old, nu)
		}
		sb.WriteString("\n")
	}

	if len(a.Arguments) > 0 {
		sb.WriteString("## Arguments\n\n```json\n")
		sb.WriteString(pretty(a.Arguments))
		sb.WriteString("\n```\n\n")
	}

	if strings.TrimSpace(a.StackTrace) != "" {
		sb.WriteString("## Stack\n\n```\n")
		for _, f := range stacktrace.Parse(a.StackTrace) {
			sb.WriteString(shortFrame(f))
			sb.WriteString("\n")
		}
		sb.WriteString("```\n")
	}
	return sb.String()
}

// StackMarkdown renders resolved frames with their source windows.
func StackMarkdown(frames []stacktrace.FrameSource) string {
	var sb strings.Builder
	sb.WriteString("## Source\n\n")
	if len(frames) == 0 {
		sb.WriteString("_no frames_\n")
		return sb.String()
	}
	for i, fs := range frames {
		fmt.Fprintf(&sb, "**%d.** `%s`\n\n", i, shortFrame(fs.Frame))
		if len(fs.SourceLines) == 0 {
			continue
		}
		sb.WriteString("```js\n")
		for _, l := range fs.SourceLines {
			marker := "  "
			if l.IsTarget {
				marker = "> "
			}
			fmt.Fprintf(&sb, "%s%4d  %s\n", marker, l.LineNumber, l.Content)
		}
		sb.WriteString("```\n\n")
	}
	return sb.String()
}

// StateMarkdown renders a state snapshot.
func StateMarkdown(state map[string]any) string {
	if len(state) == 0 {
		return "_no stores registered_\n"
	}
	return "```json\n" + pretty(state) + "\n```\n"
}

// Render renders markdown for the terminal with the given glamour style
// ("dark", "light", "notty", ...). Rendering failures return md unchanged.
func Render(md, style string, width int) string {
	if width <= 0 {
		width = 80
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath(style),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}

func shortFrame(f stacktrace.Frame) string {
	if !f.HasLocation() {
		return f.String()
	}
	fn := f.Function
	if fn == "" {
		fn = "<anonymous>"
	}
	return fmt.Sprintf("%s (%s:%d:%d)", fn, f.ShortFile(), f.Line, f.Column)
}

func inline(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	s := string(b)
	if len(s) > 40 {
		s = s[:37] + "..."
	}
	return strings.ReplaceAll(s, "|", "\\|")
}

func pretty(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
