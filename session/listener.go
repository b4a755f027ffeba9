package session

import "viva/backend"

// Listener receives session updates for display. Calls are made from the
// engine loop and must not block.
type Listener interface {
	StateChanged(from, to State)
	Question(q backend.Question)
	Answer(text string)
	Feedback(f backend.FeedbackFinal)
	Status(msg string)
	AudioLevel(rms float64)
	TurnSent(seq int, seconds float64)
	Stopped(info StopInfo)
}

// StopInfo describes how a session ended.
type StopInfo struct {
	Reason string
	Status string
	Forced bool
	Turns  int
}

type nopListener struct{}

func (nopListener) StateChanged(State, State)      {}
func (nopListener) Question(backend.Question)      {}
func (nopListener) Answer(string)                  {}
func (nopListener) Feedback(backend.FeedbackFinal) {}
func (nopListener) Status(string)                  {}
func (nopListener) AudioLevel(float64)             {}
func (nopListener) TurnSent(int, float64)          {}
func (nopListener) Stopped(StopInfo)               {}
