package session

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"viva/audio"
	"viva/backend"
	"viva/encoder"
)

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	kept := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.stopped = true
			due = append(due, t)
		default:
			kept = append(kept, t)
		}
	}
	c.timers = kept
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

type recordListener struct {
	nopListener
	states    []State
	statuses  []string
	questions []backend.Question
	answers   []string
	feedback  []backend.FeedbackFinal
	sent      []int
	stopped   []StopInfo
}

func (l *recordListener) StateChanged(_, to State)         { l.states = append(l.states, to) }
func (l *recordListener) Status(msg string)                { l.statuses = append(l.statuses, msg) }
func (l *recordListener) Question(q backend.Question)      { l.questions = append(l.questions, q) }
func (l *recordListener) Answer(text string)               { l.answers = append(l.answers, text) }
func (l *recordListener) Feedback(f backend.FeedbackFinal) { l.feedback = append(l.feedback, f) }
func (l *recordListener) TurnSent(seq int, _ float64)      { l.sent = append(l.sent, seq) }
func (l *recordListener) Stopped(info StopInfo)            { l.stopped = append(l.stopped, info) }

func (l *recordListener) saw(s State) bool {
	for _, got := range l.states {
		if got == s {
			return true
		}
	}
	return false
}

type harness struct {
	t      *testing.T
	e      *Engine
	api    *backend.Fake
	clock  *fakeClock
	audio  *audio.FakeContext
	player *audio.FakePlayer
	lis    *recordListener
	nextID int64
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SessionID = "s-1"
	for _, m := range mutate {
		m(&cfg)
	}
	actx := audio.NewFakeContextSamples(nil, testRate, false)
	h := &harness{
		t:      t,
		api:    backend.NewFake(),
		clock:  newFakeClock(),
		audio:  actx,
		player: actx.Player,
		lis:    &recordListener{},
	}
	h.e = New(cfg, Deps{
		API:      h.api,
		Audio:    actx,
		Player:   actx.Player,
		Clock:    h.clock,
		Listener: h.lis,
	})
	h.e.spawn = func(work func() func()) {
		if next := work(); next != nil {
			h.e.post(next)
		}
	}
	h.e.readStream = func(backend.EventStream, int) {}
	return h
}

func (h *harness) start() {
	h.t.Helper()
	if err := h.e.Start(context.Background()); err != nil {
		h.t.Fatalf("start: %v", err)
	}
	h.e.drain()
	if h.e.phase != PhaseActive {
		h.t.Fatalf("phase = %s after start", h.e.phase)
	}
}

func (h *harness) event(typ string, payload any) {
	h.nextID++
	h.eventID(h.nextID, typ, payload)
}

func (h *harness) eventID(id int64, typ string, payload any) {
	ev := backend.NewEvent(id, typ, payload)
	h.e.post(func() { h.e.onEvent(h.e.streamGen, ev) })
	h.e.drain()
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.e.drain()
}

// speak feeds d of voiced audio in 100ms frames.
func (h *harness) speak(d time.Duration) { h.feed(0.5, d) }

func (h *harness) silence(d time.Duration) { h.feed(0, d) }

func (h *harness) feed(amp float32, d time.Duration) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += 100 * time.Millisecond {
		h.e.postFrame(frame(amp, 100*time.Millisecond))
		h.e.drain()
	}
}

func (h *harness) question(id string) {
	h.event(backend.EventQuestionPrompt, backend.QuestionPrompt{Question: backend.Question{ID: id, Text: "Question " + id}})
}

func (h *harness) tts(role string, seq int) {
	pcm := encoder.FloatToPCM16(make([]float32, 160))
	a := backend.TTSAudio{Role: role, Audio: encoder.EncodeBase64(pcm), MIMEType: "audio/pcm;rate=16000"}
	if seq > 0 {
		a.Sequence = &seq
	}
	h.event(backend.EventTTSAudio, a)
}

// ready plays a question through to READY_FOR_ANSWER.
func (h *harness) ready(id string, seq int) {
	h.t.Helper()
	h.question(id)
	h.tts(backend.RoleQuestion, seq)
	h.advance(h.e.cfg.QuestionRepeatDelay)
	if h.e.state != StateReadyForAnswer {
		h.t.Fatalf("state = %s, want READY_FOR_ANSWER", h.e.state)
	}
}

// loseStream simulates the event stream dropping.
func (h *harness) loseStream() {
	gen := h.e.streamGen
	h.e.post(func() { h.e.onStreamClosed(gen, backend.ErrStreamClosed) })
	h.e.drain()
}
