package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/berth-dev/autopilot/internal/session"
	"github.com/berth-dev/autopilot/internal/ui"
)

// maxWidth is the maximum width of the browser box.
const maxWidth = 110

// SessionItem implements list.Item for the session list.
type SessionItem struct {
	meta session.Metadata
}

// Title returns the session summary.
func (i SessionItem) Title() string {
	if i.meta.Summary == "" {
		return i.meta.ID
	}
	return i.meta.Summary
}

// Description returns status, message count and last access time.
func (i SessionItem) Description() string {
	return fmt.Sprintf("%s - %d messages - %s - %s",
		i.meta.Status,
		i.meta.MessageCount,
		i.meta.LastAccessed.Local().Format("Jan 02, 2006 15:04"),
		i.meta.ID,
	)
}

// FilterValue returns the value used for filtering.
func (i SessionItem) FilterValue() string {
	return i.meta.Summary + " " + i.meta.ID
}

type mode int

const (
	modeList mode = iota
	modeDetail
)

// BrowserModel lists a project's sessions and shows the entries of the
// selected one.
type BrowserModel struct {
	src     Source
	project string
	keys    KeyMap

	mode      mode
	list      list.Model
	viewport  viewport.Model
	openID    string
	status    string
	err       error
	deleteArm string // id awaiting a second delete press
	width     int
	height    int
}

// NewBrowser creates a browser over the sessions of project.
func NewBrowser(src Source, project string) BrowserModel {
	delegate := list.NewDefaultDelegate()
	delegate.Styles.SelectedTitle = delegate.Styles.SelectedTitle.
		Foreground(lipgloss.Color("#7C3AED")).
		BorderForeground(lipgloss.Color("#7C3AED"))
	delegate.Styles.SelectedDesc = delegate.Styles.SelectedDesc.
		Foreground(lipgloss.Color("#9CA3AF"))

	l := list.New(nil, delegate, maxWidth-8, 20)
	l.Title = "Sessions"
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(true)
	l.SetShowHelp(false)

	return BrowserModel{
		src:      src,
		project:  project,
		keys:     DefaultKeyMap,
		list:     l,
		viewport: viewport.New(maxWidth-8, 20),
	}
}

// Init loads the session list.
func (m BrowserModel) Init() tea.Cmd {
	return loadSessionsCmd(m.src, m.project)
}

// Update handles messages for the browser.
func (m BrowserModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		w, h := m.contentSize()
		m.list.SetSize(w, h)
		m.viewport.Width, m.viewport.Height = w, h
		return m, nil

	case SessionsLoadMsg:
		m.err = msg.Err
		if msg.Err != nil {
			return m, nil
		}
		items := make([]list.Item, len(msg.Sessions))
		for i, s := range msg.Sessions {
			items[i] = SessionItem{meta: s}
		}
		return m, m.list.SetItems(items)

	case EntriesLoadMsg:
		if msg.Err != nil {
			m.status = ui.ErrorStyle.Render(msg.Err.Error())
			return m, nil
		}
		m.mode = modeDetail
		m.openID = msg.SessionID
		m.viewport.SetContent(renderEntries(msg.Entries, m.viewport.Width))
		m.viewport.GotoTop()
		return m, nil

	case SessionDeletedMsg:
		if msg.Err != nil {
			m.status = ui.ErrorStyle.Render("Delete failed: " + msg.Err.Error())
			return m, nil
		}
		m.status = "Deleted " + msg.SessionID
		return m, loadSessionsCmd(m.src, m.project)

	case tea.KeyMsg:
		if m.mode == modeList && m.list.FilterState() == list.Filtering {
			break
		}
		if key.Matches(msg, m.keys.Quit) {
			return m, tea.Quit
		}
		if m.mode == modeDetail {
			if key.Matches(msg, m.keys.Back) {
				m.mode = modeList
				m.openID = ""
				return m, nil
			}
			break
		}

		switch {
		case key.Matches(msg, m.keys.Open):
			m.deleteArm = ""
			if item, ok := m.list.SelectedItem().(SessionItem); ok {
				return m, loadEntriesCmd(m.src, m.project, item.meta.ID)
			}
			return m, nil
		case key.Matches(msg, m.keys.Delete):
			item, ok := m.list.SelectedItem().(SessionItem)
			if !ok {
				return m, nil
			}
			if m.deleteArm != item.meta.ID {
				m.deleteArm = item.meta.ID
				m.status = ui.WarningStyle.Render("Press d again to delete " + item.meta.ID)
				return m, nil
			}
			m.deleteArm = ""
			return m, deleteSessionCmd(m.src, m.project, item.meta.ID)
		case key.Matches(msg, m.keys.Reload):
			m.deleteArm = ""
			m.status = ""
			return m, loadSessionsCmd(m.src, m.project)
		}
		m.deleteArm = ""
	}

	var cmd tea.Cmd
	if m.mode == modeDetail {
		m.viewport, cmd = m.viewport.Update(msg)
	} else {
		m.list, cmd = m.list.Update(msg)
	}
	return m, cmd
}

func (m BrowserModel) contentSize() (int, int) {
	w := maxWidth
	if m.width > 0 && m.width-4 < w {
		w = m.width - 4
	}
	h := m.height - 10
	if h < 5 {
		h = 5
	}
	return w - 8, h
}

// View renders the browser.
func (m BrowserModel) View() string {
	var b strings.Builder

	b.WriteString(ui.TitleStyle.Render("Autopilot sessions"))
	b.WriteString("  ")
	b.WriteString(ui.DimStyle.Render(m.project))
	b.WriteString("\n\n")

	switch {
	case m.err != nil:
		b.WriteString(ui.ErrorStyle.Render("Failed to load sessions: " + m.err.Error()))
	case m.mode == modeDetail:
		b.WriteString(ui.SelectedStyle.Render("Session " + m.openID))
		b.WriteString("\n\n")
		b.WriteString(m.viewport.View())
	case len(m.list.Items()) == 0:
		b.WriteString(ui.DimStyle.Render("No sessions yet"))
	default:
		b.WriteString(m.list.View())
	}

	b.WriteString("\n\n")
	if m.status != "" {
		b.WriteString(m.status)
		b.WriteString("\n")
	}
	b.WriteString(m.renderFooter())

	w, _ := m.contentSize()
	return ui.BoxStyle.Width(w + 8).Render(b.String())
}

func (m BrowserModel) renderFooter() string {
	var bindings []key.Binding
	if m.mode == modeDetail {
		bindings = []key.Binding{m.keys.Back, m.keys.Quit}
	} else {
		bindings = []key.Binding{m.keys.Open, m.keys.Delete, m.keys.Reload, m.keys.Quit}
	}
	hints := make([]string, 0, len(bindings)+1)
	for _, kb := range bindings {
		h := kb.Help()
		hints = append(hints, h.Key+": "+h.Desc)
	}
	if m.mode == modeList {
		hints = append(hints, "/: filter")
	}
	return ui.DimStyle.Render(strings.Join(hints, " · "))
}

// renderEntries formats a session's entries for the detail viewport.
func renderEntries(entries []session.Entry, width int) string {
	body := lipgloss.NewStyle().Width(width)
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		header := string(e.Type)
		if e.Message != nil && e.Message.StopReason != "" {
			header += " (" + e.Message.StopReason + ")"
		}
		b.WriteString(ui.HeaderStyle.Render(header))
		b.WriteString("  ")
		b.WriteString(ui.DimStyle.Render(e.Timestamp.Local().Format("15:04:05")))
		b.WriteString("\n")
		b.WriteString(body.Render(e.Text()))
	}
	return b.String()
}
