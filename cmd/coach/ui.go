package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/koscakluka/ema-coach/core/config"
	"github.com/koscakluka/ema-coach/core/evaluation"
	"github.com/koscakluka/ema-coach/core/session"
	"github.com/koscakluka/ema-coach/core/turns"
	"github.com/muesli/reflow/wordwrap"
)

const endTimeout = 2 * time.Minute

var errConnectTimeout = errors.New("timed out waiting for the remote service")

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	speakerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	userStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	scoreStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("196")).
			Foreground(lipgloss.Color("196")).
			Padding(0, 1)
)

type (
	stateMsg struct {
		generation int
		state      session.State
	}
	speakingMsg struct {
		generation int
		speakerID  string
	}
	turnMsg struct {
		generation int
		turn       turns.Turn
	}
	finishedMsg struct {
		generation int
		record     evaluation.SessionRecord
	}
	startedMsg struct {
		generation int
		session    *runningSession
		err        error
	}
	endedMsg struct {
		generation int
		err        error
	}
	connectTimeoutMsg struct{ generation int }
)

// sessionStarter is what the model needs from the wiring; tests replace it.
type sessionStarter func(ctx context.Context, events sessionEvents) (*runningSession, error)

type model struct {
	ctx         context.Context
	kind        session.ModuleKind
	start       sessionStarter
	events      chan tea.Msg
	openTimeout time.Duration

	generation int
	current    *runningSession
	state      session.State
	speaking   string
	muted      bool
	transcript []turns.Turn
	record     *evaluation.SessionRecord
	fatal      error

	spinner  spinner.Model
	viewport viewport.Model
	width    int
}

func newModel(ctx context.Context, kind session.ModuleKind, start sessionStarter, openTimeout time.Duration) model {
	return model{
		ctx:         ctx,
		kind:        kind,
		start:       start,
		events:      make(chan tea.Msg, 64),
		openTimeout: openTimeout,
		spinner:     spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(statusStyle)),
		viewport:    viewport.New(80, 20),
		width:       80,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.startSession(), m.waitForEvent())
}

func (m model) waitForEvent() tea.Cmd {
	events, ctx := m.events, m.ctx
	return func() tea.Msg {
		select {
		case msg := <-events:
			return msg
		case <-ctx.Done():
			return nil
		}
	}
}

func (m model) startSession() tea.Cmd {
	generation, events, ctx, start := m.generation, m.events, m.ctx, m.start
	send := func(msg any) {
		select {
		case events <- msg:
		case <-ctx.Done():
		}
	}
	return func() tea.Msg {
		rs, err := start(ctx, sessionEvents{generation: generation, send: send})
		return startedMsg{generation: generation, session: rs, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-8, 3)
		m.refreshTranscript()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case startedMsg:
		if msg.generation != m.generation {
			if msg.session != nil {
				return m, closeSession(msg.session.controller)
			}
			return m, nil
		}
		if msg.err != nil {
			m.fatal = msg.err
			return m, nil
		}
		m.current = msg.session
		if m.openTimeout > 0 {
			generation := m.generation
			return m, tea.Tick(m.openTimeout, func(time.Time) tea.Msg { return connectTimeoutMsg{generation: generation} })
		}
		return m, nil

	case connectTimeoutMsg:
		if msg.generation == m.generation && m.current != nil && m.state.Kind == session.StateConnecting {
			m.fatal = errConnectTimeout
			return m, closeSession(m.current.controller)
		}
		return m, nil

	case stateMsg:
		if msg.generation == m.generation {
			m.state = msg.state
			if msg.state.Kind == session.StateFailed && m.fatal == nil {
				m.fatal = msg.state.Reason
			}
		}
		return m, m.waitForEvent()

	case speakingMsg:
		if msg.generation == m.generation {
			m.speaking = msg.speakerID
		}
		return m, m.waitForEvent()

	case turnMsg:
		if msg.generation == m.generation {
			m.transcript = append(m.transcript, msg.turn)
			m.refreshTranscript()
		}
		return m, m.waitForEvent()

	case finishedMsg:
		if msg.generation == m.generation {
			record := msg.record
			m.record = &record
		}
		return m, m.waitForEvent()

	case endedMsg:
		if msg.generation == m.generation && msg.err != nil && m.fatal == nil {
			m.fatal = msg.err
		}
		return m, nil
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		// run closes the current session once the program has exited.
		return m, tea.Quit

	case "e":
		if m.current == nil || (m.state.Kind != session.StateActive && m.state.Kind != session.StateConnecting) {
			return m, nil
		}
		controller, generation := m.current.controller, m.generation
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), endTimeout)
			defer cancel()
			return endedMsg{generation: generation, err: controller.End(ctx)}
		}

	case "m":
		if m.current != nil {
			m.muted = !m.muted
			m.current.controller.SetMuted(m.muted)
		}
		return m, nil

	case "enter":
		if m.current != nil && m.state.Kind == session.StateActive {
			m.current.controller.CompleteTurn(turns.UserSpeaker)
		}
		return m, nil

	case "r":
		if !m.canRetry() {
			return m, nil
		}
		var closing tea.Cmd
		if m.current != nil {
			closing = closeSession(m.current.controller)
		}
		m.generation++
		m.current = nil
		m.state = session.State{}
		m.speaking = ""
		m.muted = false
		m.transcript = nil
		m.record = nil
		m.fatal = nil
		m.refreshTranscript()
		return m, tea.Batch(closing, m.startSession())
	}
	return m, nil
}

// closeSession runs Close off the update loop. Controller callbacks may be
// waiting for the loop to take their events.
func closeSession(controller *session.Controller) tea.Cmd {
	return func() tea.Msg {
		controller.Close()
		return nil
	}
}

func (m model) canRetry() bool {
	return m.fatal != nil || m.state.IsTerminal()
}

func (m *model) refreshTranscript() {
	width := max(m.width-2, 20)
	var b strings.Builder
	for _, turn := range m.transcript {
		name := speakerStyle.Render(turn.SpeakerID)
		if turn.IsUser() {
			name = userStyle.Render("you")
		}
		b.WriteString(wordwrap.String(name+": "+turn.Text, width))
		b.WriteString("\n\n")
	}
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("coach · " + string(m.kind)))
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	if m.fatal != nil {
		message := wordwrap.String(m.fatal.Error(), max(m.width-6, 20))
		b.WriteString(errorStyle.Render(message + "\n\npress r to start a new session, q to quit"))
		b.WriteString("\n")
	} else if m.record != nil {
		verdict := "not passed"
		if m.record.Result.Passed {
			verdict = "passed"
		}
		b.WriteString(scoreStyle.Render(fmt.Sprintf("score %.1f · %s · %d answers scored",
			m.record.Result.AggregateScore, verdict, len(m.record.Result.PerTurnScores))))
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render(m.help()))
	return b.String()
}

func (m model) statusLine() string {
	parts := []string{}
	switch m.state.Kind {
	case session.StateIdle, session.StateConnecting, session.StateEvaluating:
		if m.fatal == nil {
			parts = append(parts, m.spinner.View()+" "+m.state.Kind.String())
		} else {
			parts = append(parts, m.state.Kind.String())
		}
	default:
		parts = append(parts, m.state.Kind.String())
	}

	if m.state.Kind == session.StateActive {
		if m.speaking != "" {
			parts = append(parts, "● "+m.speaking+" speaking")
		} else {
			parts = append(parts, "○ listening")
		}
	}
	if m.muted {
		parts = append(parts, "muted")
	}
	return statusStyle.Render(strings.Join(parts, " · "))
}

func (m model) help() string {
	if m.canRetry() {
		return "r: new session · q: quit"
	}
	return "enter: done answering · m: mute · e: end and score · q: quit"
}

func run(ctx context.Context, cfg *config.Config, kind session.ModuleKind) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	svc, err := newServices(ctx, cfg, kind)
	if err != nil {
		return err
	}
	defer svc.Close()

	m := newModel(ctx, kind, svc.startSession, cfg.Transport.OpenTimeout)
	final, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	interrupted := ctx.Err() != nil
	// Nothing reads events any more; cancelling unblocks pending sends.
	cancel()
	if fm, ok := final.(model); ok && fm.current != nil {
		fm.current.stop()
	}
	if errors.Is(err, tea.ErrProgramKilled) && interrupted {
		return nil
	}
	return err
}
