// Package tui implements the terminal monitor. It polls the status API and
// renders watch targets, in-flight files and the recent activity stream.
package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/dropwatch/internal/events"
	"github.com/mattjoyce/dropwatch/internal/pipeline"
)

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)

	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	busyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	badStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

const (
	pollInterval = time.Second
	eventLogSize = 50
)

// Model is the monitor's bubbletea model.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	status   pipeline.Status
	eventLog []events.Event
	lastSeen int64
	lastErr  error

	inflight table.Model
}

type statusMsg pipeline.Status
type eventsMsg []events.Event
type tickMsg time.Time
type errMsg error

// NewMonitor creates a monitor polling the given API base URL.
func NewMonitor(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Target", Width: 16},
			{Title: "Path", Width: 48},
			{Title: "Waiting", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		apiURL:   strings.TrimRight(apiURL, "/"),
		apiKey:   apiKey,
		inflight: t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchStatus,
		m.fetchEvents,
		tick(),
		tea.EnterAltScreen,
	)
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.inflight.SetWidth(m.width - 6)

	case tickMsg:
		return m, tea.Batch(m.fetchStatus, m.fetchEvents, tick())

	case statusMsg:
		m.status = pipeline.Status(msg)
		m.lastErr = nil
		m.updateTable()

	case eventsMsg:
		for _, ev := range msg {
			m.eventLog = append([]events.Event{ev}, m.eventLog...)
			if ev.ID > m.lastSeen {
				m.lastSeen = ev.ID
			}
		}
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}

	case errMsg:
		m.lastErr = msg
	}

	m.inflight, cmd = m.inflight.Update(msg)
	return m, cmd
}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.status.InFlight))
	for _, e := range m.status.InFlight {
		rows = append(rows, table.Row{
			e.Target,
			e.Path,
			time.Since(e.EnqueuedAt).Round(time.Second).String(),
		})
	}
	m.inflight.SetRows(rows)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	header := m.renderHeader()
	inflightView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("In Flight"),
			m.inflight.View(),
		),
	)
	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Activity"),
			m.renderEvents(),
		),
	)
	help := dimStyle.Render(" [q] Quit • [↑/↓] Scroll")

	return docStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left, header, inflightView, eventsView, help),
	)
}

func (m Model) renderHeader() string {
	state := okStyle.Render("WATCHING")
	if m.lastErr != nil {
		state = badStyle.Render("UNREACHABLE")
	} else if m.status.ActiveDispatches > 0 {
		state = busyStyle.Render("DISPATCHING")
	}

	items := []string{
		fmt.Sprintf("Status: %s", state),
		fmt.Sprintf("Targets: %d", len(m.status.Targets)),
		fmt.Sprintf("In flight: %d", len(m.status.InFlight)),
		fmt.Sprintf("Dispatching: %d/%d", m.status.ActiveDispatches, m.status.MaxConcurrent),
	}

	cell := (m.width - 4) / len(items)
	cols := make([]string, 0, len(items))
	for _, it := range items {
		cols = append(cols, lipgloss.NewStyle().Width(cell).Render(it))
	}
	return borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinHorizontal(lipgloss.Top, cols...),
	)
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		ts := e.At.Local().Format("15:04:05")
		lines = append(lines, fmt.Sprintf("%s | %-24s | %s", ts, e.Type, summarize(e)))
	}
	if len(lines) == 0 {
		return "  No activity yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

// summarize pulls the interesting fields out of an event payload.
func summarize(e events.Event) string {
	var data map[string]any
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return string(e.Data)
	}
	parts := make([]string, 0, 3)
	for _, key := range []string{"target", "path", "status"} {
		if v, ok := data[key].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		return string(e.Data)
	}
	return strings.Join(parts, " ")
}

func (m Model) get(path string, out any) error {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest(http.MethodGet, m.apiURL+path, nil)
	if err != nil {
		return err
	}
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (m Model) fetchStatus() tea.Msg {
	var st pipeline.Status
	if err := m.get("/v1/status", &st); err != nil {
		return errMsg(err)
	}
	return statusMsg(st)
}

func (m Model) fetchEvents() tea.Msg {
	var body struct {
		Events []events.Event `json:"events"`
	}
	path := fmt.Sprintf("/v1/events?since=%d", m.lastSeen)
	if err := m.get(path, &body); err != nil {
		return errMsg(err)
	}
	return eventsMsg(body.Events)
}
