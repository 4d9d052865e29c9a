package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"mobxlens/internal/protocol"
	"mobxlens/internal/stacktrace"
)

// MaxActions bounds the action list; older entries fall off the end.
const MaxActions = 500

// Options configures a Model.
type Options struct {
	// Track is sent as the initial store filter.
	Track []string
	// MarkdownStyle is the glamour style; empty picks dark or light from the theme.
	MarkdownStyle string
	Styles        *Styles
}

type envelopeMsg protocol.Envelope

type disconnectedMsg struct{}

type statusMsg string

// Model is the panel's bubbletea model.
type Model struct {
	conn    Conn
	styles  Styles
	mdStyle string

	width  int
	height int

	list     list.Model
	viewport viewport.Model

	focusDetail bool
	showState   bool

	version   string
	connected bool
	status    string

	actions  []ActionView
	selected string
	stacks   map[string][]stacktrace.FrameSource
	state    map[string]any
	tracked  map[string]bool
	initial  []string
}

type actionItem struct {
	view ActionView
}

func (i actionItem) Title() string { return i.view.Name }
func (i actionItem) Description() string {
	return fmt.Sprintf("%s · %s · %d changes", i.view.Store, i.view.Timestamp.Format("15:04:05.000"), len(i.view.Changes))
}
func (i actionItem) FilterValue() string { return i.view.Name + " " + i.view.Store }

// New builds a model reading from conn.
func New(conn Conn, opts Options) Model {
	styles := DefaultStyles()
	if opts.Styles != nil {
		styles = *opts.Styles
	}
	md := opts.MarkdownStyle
	if md == "" {
		md = "light"
		if styles.Theme.IsDark {
			md = "dark"
		}
	}

	vp := viewport.New(0, 0)
	vp.SetContent("Waiting for actions.")

	l := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Actions"
	l.SetShowHelp(false)
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.Styles.Title = styles.Title

	tracked := make(map[string]bool, len(opts.Track))
	for _, s := range opts.Track {
		tracked[s] = true
	}

	return Model{
		conn:      conn,
		styles:    styles,
		mdStyle:   md,
		list:      l,
		viewport:  vp,
		stacks:    make(map[string][]stacktrace.FrameSource),
		state:     map[string]any{},
		tracked:   tracked,
		initial:   opts.Track,
		status:    "connected",
		connected: true,
	}
}

// Run dials url and runs the panel until the user quits.
func Run(ctx context.Context, url string, opts Options) error {
	c, err := Dial(ctx, url)
	if err != nil {
		return err
	}
	defer c.Close()
	p := tea.NewProgram(New(c, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	return err
}

func waitForEnvelope(ch <-chan protocol.Envelope) tea.Cmd {
	return func() tea.Msg {
		env, ok := <-ch
		if !ok {
			return disconnectedMsg{}
		}
		return envelopeMsg(env)
	}
}

func sendCmd(c Conn, r protocol.Request) tea.Cmd {
	return func() tea.Msg {
		if err := c.Send(r); err != nil {
			return statusMsg(fmt.Sprintf("%s failed: %v", r.RequestType(), err))
		}
		return nil
	}
}

// Init starts reading and asks for the current state.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{waitForEnvelope(m.conn.Messages())}
	if len(m.initial) > 0 {
		cmds = append(cmds, sendCmd(m.conn, protocol.SetFilter{Stores: m.trackedList()}))
	}
	cmds = append(cmds, sendCmd(m.conn, protocol.GetState{}))
	return tea.Batch(cmds...)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)

	case envelopeMsg:
		m.apply(protocol.Envelope(msg))
		cmds = append(cmds, waitForEnvelope(m.conn.Messages()))

	case disconnectedMsg:
		m.connected = false
		m.status = "disconnected"

	case statusMsg:
		m.status = string(msg)

	case tea.KeyMsg:
		if m.list.FilterState() != list.Filtering {
			switch msg.String() {
			case "q", "ctrl+c":
				return m, tea.Quit
			case "tab":
				m.focusDetail = !m.focusDetail
				return m, nil
			case "s":
				m.showState = !m.showState
				m.refreshDetail()
				return m, nil
			case "r":
				return m, sendCmd(m.conn, protocol.GetState{})
			case "t":
				if a, ok := m.current(); ok {
					m.tracked[a.Store] = !m.tracked[a.Store]
					return m, sendCmd(m.conn, protocol.SetFilter{Stores: m.trackedList()})
				}
				return m, nil
			case "a":
				for name := range m.state {
					m.tracked[name] = true
				}
				return m, sendCmd(m.conn, protocol.SetFilter{Stores: m.trackedList()})
			case "g":
				if a, ok := m.current(); ok && a.StackTrace != "" {
					return m, sendCmd(m.conn, protocol.GetStackSource{ActionID: a.ID, StackTrace: a.StackTrace})
				}
				return m, nil
			case "c":
				m.actions = nil
				m.selected = ""
				m.stacks = make(map[string][]stacktrace.FrameSource)
				m.list.SetItems(nil)
				m.refreshDetail()
				return m, nil
			}
		}
	}

	_, isKey := msg.(tea.KeyMsg)
	updateList := !isKey || !m.focusDetail || m.list.FilterState() == list.Filtering
	updateViewport := !isKey || (m.focusDetail && m.list.FilterState() != list.Filtering)

	var cmd tea.Cmd
	if updateList {
		m.list, cmd = m.list.Update(msg)
		cmds = append(cmds, cmd)
	}
	if updateViewport {
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}

	if a, ok := m.current(); ok && a.ID != m.selected {
		m.selected = a.ID
		m.refreshDetail()
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) apply(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeDetected:
		var d protocol.Detected
		if json.Unmarshal(env.Payload, &d) == nil {
			m.version = d.Version
		}
	case protocol.TypeStateUpdate:
		var s protocol.StateUpdate
		if json.Unmarshal(env.Payload, &s) == nil {
			if s.State == nil {
				s.State = map[string]any{}
			}
			m.state = s.State
			if m.showState {
				m.refreshDetail()
			}
		}
	case protocol.TypeAction:
		a, err := DecodeAction(env.Payload)
		if err != nil {
			m.status = err.Error()
			return
		}
		m.actions = append([]ActionView{a}, m.actions...)
		if len(m.actions) > MaxActions {
			m.actions = m.actions[:MaxActions]
		}
		items := make([]list.Item, len(m.actions))
		for i, v := range m.actions {
			items[i] = actionItem{view: v}
		}
		prev := m.list.Index()
		m.list.SetItems(items)
		// keep the selection on the same action as new ones arrive on top
		if m.selected != "" && m.list.FilterState() == list.Unfiltered && prev+1 < len(items) {
			m.list.Select(prev + 1)
		}
	case protocol.TypeStackSource:
		var s protocol.StackSource
		if json.Unmarshal(env.Payload, &s) == nil {
			m.stacks[s.ActionID] = s.StackWithSource
			if s.ActionID == m.selected {
				m.refreshDetail()
			}
		}
	}
}

func (m Model) current() (ActionView, bool) {
	sel := m.list.SelectedItem()
	if sel == nil {
		return ActionView{}, false
	}
	item, ok := sel.(actionItem)
	return item.view, ok
}

func (m Model) trackedList() []string {
	out := make([]string, 0, len(m.tracked))
	for name, on := range m.tracked {
		if on {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// detailMarkdown is the unrendered content of the detail pane.
func (m Model) detailMarkdown() string {
	if m.showState {
		return "# State\n\n" + StateMarkdown(m.state)
	}
	a, ok := m.current()
	if !ok {
		return "_waiting for actions_\n"
	}
	md := ActionMarkdown(a)
	if frames, ok := m.stacks[a.ID]; ok {
		md += "\n" + StackMarkdown(frames)
	}
	return md
}

func (m *Model) refreshDetail() {
	m.viewport.SetContent(Render(m.detailMarkdown(), m.mdStyle, m.viewport.Width))
	m.viewport.GotoTop()
}

// View renders the panel.
func (m Model) View() string {
	listW := int(float64(m.width) * 0.35)
	viewW := m.width - listW

	listStyle, viewStyle := m.styles.Focus, m.styles.Pane
	if m.focusDetail {
		listStyle, viewStyle = m.styles.Pane, m.styles.Focus
	}
	panes := lipgloss.JoinHorizontal(lipgloss.Top,
		listStyle.Width(max(listW-2, 0)).Render(m.list.View()),
		viewStyle.Width(max(viewW-2, 0)).Render(m.viewport.View()),
	)
	return lipgloss.JoinVertical(lipgloss.Left, m.header(), panes, m.footer())
}

func (m Model) header() string {
	version := "MobX not detected"
	if m.version != "" {
		version = "MobX " + m.version
	}
	status := m.styles.Success.Render(m.status)
	if !m.connected {
		status = m.styles.Error.Render(m.status)
	}
	tracked := m.trackedList()
	track := "tracking nothing"
	if len(tracked) > 0 {
		track = "tracking " + strings.Join(tracked, ", ")
	}
	return lipgloss.JoinHorizontal(lipgloss.Top,
		m.styles.Header.Render("mobxlens"),
		" ", m.styles.Bold.Render(version),
		" ", status,
		" ", m.styles.Muted.Render(track),
	)
}

func (m Model) footer() string {
	return m.styles.Footer.Render("tab: focus • s: state • t: track store • a: track all • g: source • r: refresh • c: clear • /: filter • q: quit")
}

// SetSize updates the size.
func (m *Model) SetSize(w, h int) {
	m.width = w
	m.height = h

	// header and footer take a line each, pane borders two more
	paneH := max(h-4, 0)
	listW := int(float64(w) * 0.35)
	viewW := w - listW

	m.list.SetSize(max(listW-2, 0), paneH)
	m.viewport.Width = max(viewW-2, 0)
	m.viewport.Height = paneH
	m.refreshDetail()
}
