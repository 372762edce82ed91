package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/BioHazard786/meshrelay/internal/registry"
)

// Fetcher loads the relay's current rooms and open connection count.
type Fetcher func(ctx context.Context) ([]registry.RoomInfo, int, error)

type snapshotMsg struct {
	rooms       []registry.RoomInfo
	connections int
	at          time.Time
}

type fetchErrMsg struct{ err error }

type pollMsg time.Time

// WatchModel is a bubbletea model that polls a relay and shows its rooms.
type WatchModel struct {
	target   string
	interval time.Duration
	fetch    Fetcher

	spinner     spinner.Model
	rooms       []registry.RoomInfo
	connections int
	updated     time.Time
	err         error
	quitting    bool
}

// NewWatchModel creates a watcher for target that refreshes every interval.
func NewWatchModel(target string, interval time.Duration, fetch Fetcher) *WatchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &WatchModel{
		target:   target,
		interval: interval,
		fetch:    fetch,
		spinner:  s,
	}
}

func (m *WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.load())
}

func (m *WatchModel) load() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), max(m.interval, time.Second))
		defer cancel()

		rooms, connections, err := m.fetch(ctx)
		if err != nil {
			return fetchErrMsg{err: err}
		}
		return snapshotMsg{rooms: rooms, connections: connections, at: time.Now()}
	}
}

func (m *WatchModel) poll() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return pollMsg(t)
	})
}

func (m *WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.load()
		}

	case snapshotMsg:
		m.rooms = msg.rooms
		m.connections = msg.connections
		m.updated = msg.at
		m.err = nil
		return m, m.poll()

	case fetchErrMsg:
		m.err = msg.err
		return m, m.poll()

	case pollMsg:
		return m, m.load()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *WatchModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%s meshrelay rooms", IconRoom)))
	b.WriteString("\n")
	b.WriteString(MutedStyle.Render(m.target))
	b.WriteString("\n\n")

	switch {
	case m.err != nil:
		b.WriteString(fmt.Sprintf("%s %s\n\n", ErrorStyle.Render(IconError), ErrorStyle.Render(m.err.Error())))
	case m.updated.IsZero():
		b.WriteString(fmt.Sprintf("%s Loading...\n\n", m.spinner.View()))
	default:
		b.WriteString(fmt.Sprintf("%s %s  %s %d connections  %s\n\n",
			m.spinner.View(),
			StatusStyle.Render(fmt.Sprintf("%d rooms", len(m.rooms))),
			IconConnect, m.connections,
			MutedStyle.Render("updated "+m.updated.Format(time.TimeOnly)),
		))
	}

	if len(m.rooms) > 0 || m.err == nil {
		b.WriteString(RoomsView(m.rooms))
	}

	b.WriteString(FooterStyle.Render("\nr refresh • q quit"))

	return b.String()
}

// RunWatch runs the watcher until the user quits or ctx is cancelled.
func RunWatch(ctx context.Context, target string, interval time.Duration, fetch Fetcher) error {
	p := tea.NewProgram(NewWatchModel(target, interval, fetch), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
