package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"viva/backend"
	"viva/session"
)

// consoleListener prints session updates as plain lines. It is used when
// the TUI is off and in headless test mode, where the integration tests
// read its output.
type consoleListener struct {
	mu  sync.Mutex
	out io.Writer
	// states, when set, receives every state entered.
	states  chan session.State
	stopped *session.StopInfo
}

func newConsoleListener(out io.Writer) *consoleListener {
	return &consoleListener{out: out}
}

func (c *consoleListener) line(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "%s "+format+"\n", append([]any{time.Now().Format("15:04:05.000")}, args...)...)
}

func (c *consoleListener) StateChanged(from, to session.State) {
	c.line("state: %s -> %s", from, to)
	if c.states != nil {
		select {
		case c.states <- to:
		default:
		}
	}
}

func (c *consoleListener) Question(q backend.Question)      { c.line("question: [%s] %s", q.ID, q.Text) }
func (c *consoleListener) Answer(text string)               { c.line("answer: %s", text) }
func (c *consoleListener) Feedback(f backend.FeedbackFinal) { c.line("feedback: %s", f.Display()) }
func (c *consoleListener) Status(msg string)                { c.line("status: %s", msg) }
func (c *consoleListener) AudioLevel(float64)               {}

func (c *consoleListener) TurnSent(seq int, seconds float64) {
	c.line("sent: seq=%d (%.1fs)", seq, seconds)
}

func (c *consoleListener) Stopped(info session.StopInfo) {
	kind := "graceful"
	if info.Forced {
		kind = "forced"
	}
	c.line("stopped: %s (%s, %d turns)", info.Reason, kind, info.Turns)
	c.mu.Lock()
	c.stopped = &info
	c.mu.Unlock()
}

func (c *consoleListener) stopInfo() (session.StopInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped == nil {
		return session.StopInfo{}, false
	}
	return *c.stopped, true
}
