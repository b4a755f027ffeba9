package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"viva/audio"
	"viva/backend"
	"viva/clipboard"
	"viva/log"
	"viva/session"
)

// TUI message types
type stateMsg struct{ From, To session.State }
type questionMsg struct{ Question backend.Question }
type answerMsg struct{ Text string }
type feedbackMsg struct{ Text string }
type statusMsg struct{ Text string }
type levelMsg struct{ Level float64 }
type turnSentMsg struct {
	Seq     int
	Seconds float64
}
type stoppedMsg struct{ Info session.StopInfo }
type deviceLineMsg struct{ Text string }
type copiedMsg struct{ Err error }
type quitMsg struct{}
type tickMsg time.Time

type tuiModel struct {
	state      session.State
	sessionID  string
	deviceLine string
	question   backend.Question
	lastAnswer string
	feedback   string
	status     string
	level      float64
	turns      int
	lastSent   string
	copied     string
	stopped    *session.StopInfo
	stopping   bool
	frame      int
	width      int
	height     int
	onStop     func()
	copyToClip func(string) error
}

func newTUIModel(sessionID, deviceLine string) tuiModel {
	return tuiModel{sessionID: sessionID, deviceLine: deviceLine, copyToClip: clipboard.Copy}
}

func tuiTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if m.stopped != nil {
				return m, tea.Quit
			}
			if !m.stopping && m.onStop != nil {
				m.stopping = true
				m.status = "Stopping..."
				m.onStop()
			}
		case "c":
			text := m.feedback
			copyFn := m.copyToClip
			return m, func() tea.Msg { return copiedMsg{Err: copyFn(text)} }
		}

	case tickMsg:
		m.frame++
		m.level *= 0.8
		return m, tuiTick()

	case stateMsg:
		m.state = msg.To
		if !msg.To.AcceptsAudio() {
			m.level = 0
		}

	case questionMsg:
		m.question = msg.Question
		m.lastAnswer = ""

	case answerMsg:
		m.lastAnswer = msg.Text

	case feedbackMsg:
		m.feedback = msg.Text
		m.copied = ""

	case statusMsg:
		m.status = msg.Text

	case levelMsg:
		m.level = m.level*0.6 + msg.Level*0.4

	case turnSentMsg:
		m.turns++
		m.lastSent = fmt.Sprintf("answer #%d sent (%.1fs)", msg.Seq, msg.Seconds)

	case deviceLineMsg:
		m.deviceLine = msg.Text

	case copiedMsg:
		if msg.Err != nil {
			m.copied = "copy failed: " + msg.Err.Error()
		} else {
			m.copied = "✓ copied"
		}

	case stoppedMsg:
		info := msg.Info
		m.stopped = &info

	case quitMsg:
		return m, tea.Quit
	}
	return m, nil
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	keyStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	answerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	feedbackStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	boxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("238")).Padding(0, 1)
)

func stateBadge(s session.State, frame int) string {
	style := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	label := s.String()
	switch s {
	case session.StateReadyForAnswer:
		style = style.Background(lipgloss.Color("28")).Foreground(lipgloss.Color("231"))
		label = "● LISTENING"
	case session.StateCapturingAnswer:
		style = style.Background(lipgloss.Color("160")).Foreground(lipgloss.Color("231"))
		label = "● REC"
	case session.StatePlayingQuestionTTS, session.StatePlayingFeedbackTTS:
		style = style.Background(lipgloss.Color("25")).Foreground(lipgloss.Color("231"))
		label = "♪ SPEAKING"
	case session.StateRecovering:
		style = style.Background(lipgloss.Color("172")).Foreground(lipgloss.Color("16"))
		label = "↻ RECONNECTING" + strings.Repeat(".", frame%4)
	case session.StateWaitingTTS:
		style = style.Foreground(lipgloss.Color("245"))
		label = "… WAITING"
	default:
		style = style.Foreground(lipgloss.Color("241"))
	}
	return style.Render(label)
}

func levelMeter(level float64, width int) string {
	n := int(level * 10 * float64(width))
	n = max(0, min(n, width))
	bar := strings.Repeat("█", n) + strings.Repeat("░", width-n)
	return lipgloss.NewStyle().Foreground(lipgloss.Color("160")).Render(bar)
}

func (m tuiModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}
	wrap := max(20, m.width-6)

	var b strings.Builder
	b.WriteString(titleStyle.Render("viva") + dimStyle.Render(" "+version+"  session "+m.sessionID) + "\n")
	b.WriteString(stateBadge(m.state, m.frame))
	if m.state.AcceptsAudio() {
		b.WriteString("  " + levelMeter(m.level, 20))
	}
	b.WriteString("\n\n")

	if m.question.Text != "" {
		b.WriteString(boxStyle.Width(wrap).Render(lipgloss.NewStyle().Bold(true).Render(m.question.Text)) + "\n")
	} else {
		b.WriteString(dimStyle.Render("Waiting for the first question...") + "\n")
	}

	if m.lastAnswer != "" {
		b.WriteString("\n" + dimStyle.Render("You said:") + "\n")
		b.WriteString(answerStyle.Width(wrap).Render(m.lastAnswer) + "\n")
	}
	if m.feedback != "" {
		b.WriteString("\n" + dimStyle.Render("Feedback:"))
		if m.copied != "" {
			b.WriteString(" " + okStyle.Render("["+m.copied+"]"))
		}
		b.WriteString("\n" + feedbackStyle.Width(wrap).Render(m.feedback) + "\n")
	}

	b.WriteString("\n")
	if m.status != "" {
		b.WriteString(warnStyle.Render(m.status) + "\n")
	}
	if m.lastSent != "" {
		b.WriteString(dimStyle.Render(fmt.Sprintf("%s · %d answers", m.lastSent, m.turns)) + "\n")
	}
	if m.deviceLine != "" {
		b.WriteString(dimStyle.Render(m.deviceLine) + "\n")
	}

	b.WriteString("\n")
	if m.stopped != nil {
		b.WriteString(dimStyle.Render(fmt.Sprintf("Session ended (%s). ", m.stopped.Reason)))
		b.WriteString(keyStyle.Render("q") + helpStyle.Render(" to exit") + "\n")
	} else {
		b.WriteString(keyStyle.Render("q") + helpStyle.Render(" stop  ") +
			keyStyle.Render("c") + helpStyle.Render(" copy feedback") + "\n")
	}
	return b.String()
}

// tuiListener forwards engine callbacks to the Bubble Tea program without
// blocking the engine loop.
type tuiListener struct {
	msgs       chan tea.Msg
	model      tuiModel
	deviceLine string
	inputs     int
	onStop     func()
}

func newTUIListener(deviceLine, sessionID string) *tuiListener {
	return &tuiListener{
		msgs:       make(chan tea.Msg, 256),
		model:      newTUIModel(sessionID, deviceLine),
		deviceLine: deviceLine,
		inputs:     -1,
	}
}

func (l *tuiListener) send(msg tea.Msg) {
	select {
	case l.msgs <- msg:
	default:
		if _, ok := msg.(levelMsg); !ok {
			log.Warnf("tui queue full, dropping %T", msg)
		}
	}
}

func (l *tuiListener) StateChanged(from, to session.State) { l.send(stateMsg{From: from, To: to}) }
func (l *tuiListener) Question(q backend.Question)         { l.send(questionMsg{Question: q}) }
func (l *tuiListener) Answer(text string)                  { l.send(answerMsg{Text: text}) }
func (l *tuiListener) Feedback(f backend.FeedbackFinal)    { l.send(feedbackMsg{Text: f.Display()}) }
func (l *tuiListener) Status(msg string)                   { l.send(statusMsg{Text: msg}) }
func (l *tuiListener) AudioLevel(rms float64)              { l.send(levelMsg{Level: rms}) }
func (l *tuiListener) TurnSent(seq int, seconds float64)   { l.send(turnSentMsg{Seq: seq, Seconds: seconds}) }
func (l *tuiListener) Stopped(info session.StopInfo)       { l.send(stoppedMsg{Info: info}) }

// devices is called from the device watcher goroutine only.
func (l *tuiListener) devices(st audio.DeviceStatus) {
	if len(st.Inputs) == l.inputs {
		return
	}
	l.inputs = len(st.Inputs)
	l.send(deviceLineMsg{Text: fmt.Sprintf("%s · %d inputs", l.deviceLine, l.inputs)})
}

// quitSoon leaves the final screen up briefly before exiting.
func (l *tuiListener) quitSoon() {
	go func() {
		time.Sleep(1500 * time.Millisecond)
		l.send(quitMsg{})
	}()
}

func (l *tuiListener) run(ctx context.Context) error {
	m := l.model
	m.onStop = l.onStop
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		for {
			select {
			case msg := <-l.msgs:
				p.Send(msg)
			case <-ctx.Done():
				return
			}
		}
	}()

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
