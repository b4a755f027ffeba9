package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"viva/audio"
	"viva/backend"
	"viva/beep"
	"viva/encoder"
	"viva/log"
	"viva/metrics"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNoAudio        = errors.New("no audio context")
)

const (
	inboxSize = 1024
	// cueTail covers output latency and room echo after a cue ends.
	cueTail = 200 * time.Millisecond
)

// Deps are the engine's collaborators. API is required; everything else
// may be nil.
type Deps struct {
	API      backend.API
	Audio    audio.Context
	Device   *audio.DeviceInfo
	Monitor  *audio.Monitor
	Player   audio.Player
	Clock    Clock
	Listener Listener
	Metrics  *metrics.Metrics
	Cues     *beep.Player
}

// Snapshot is a read-only view of the engine for other goroutines.
type Snapshot struct {
	Phase          Phase
	State          State
	VoiceSessionID string
	Question       *backend.Question
	Window         int
	LastSeenEvent  int64
	ReplayCutoff   int64
	Turns          int
	Pending        int
}

// StopOptions select how a session ends. Every stop path goes through
// Engine.stop, which tears down exactly once.
type StopOptions struct {
	Forced       bool
	NotifyServer bool
	Reason       string
	Status       string
}

// Engine owns one voice session. Fields from phase down are touched only by
// the loop goroutine (Run), which executes posted closures one at a time.
type Engine struct {
	cfg      Config
	api      backend.API
	audioCtx audio.Context
	device   *audio.DeviceInfo
	monitor  *audio.Monitor
	player   audio.Player
	clock    Clock
	listener Listener
	metrics  *metrics.Metrics
	cues     *beep.Player

	inbox    chan func()
	started  atomic.Bool
	snap     atomic.Pointer[Snapshot]
	done     chan struct{}
	doneOnce sync.Once
	notify   sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	// spawn runs blocking work off the loop and posts its continuation.
	spawn func(work func() func())
	// readStream pumps a stream's events into the loop.
	readStream func(stream backend.EventStream, gen int)

	phase          Phase
	state          State
	resume         State
	voiceSessionID string
	question       *backend.Question
	window         int
	lastSeen       int64
	replayCutoff   int64
	stream         backend.EventStream
	streamGen      int
	capture        audio.CaptureDevice
	turns          int
	stopping       bool
	pendingStop    *StopOptions
	serverNotified bool
	// quietUntil masks microphone input while the ready cue plays.
	quietUntil     time.Time

	seg segmenter
	up  uploader
	pb  playback
	rec recovery
}

func New(cfg Config, deps Deps) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		api:      deps.API,
		audioCtx: deps.Audio,
		device:   deps.Device,
		monitor:  deps.Monitor,
		player:   deps.Player,
		clock:    deps.Clock,
		listener: deps.Listener,
		metrics:  deps.Metrics,
		cues:     deps.Cues,
		inbox:    make(chan func(), inboxSize),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		seg:      newSegmenter(cfg),
	}
	if e.clock == nil {
		e.clock = RealClock()
	}
	if e.listener == nil {
		e.listener = nopListener{}
	}
	e.spawn = func(work func() func()) {
		go func() {
			if next := work(); next != nil {
				e.post(next)
			}
		}()
	}
	e.readStream = e.pumpStream
	e.publish()
	return e
}

// post queues f for the loop. It never blocks once the engine is done.
func (e *Engine) post(f func()) {
	select {
	case e.inbox <- f:
	case <-e.done:
	}
}

// postFrame is the capture callback. Frames are dropped rather than
// blocking the audio thread when the loop falls behind.
func (e *Engine) postFrame(f audio.Frame) {
	select {
	case e.inbox <- func() { e.onFrame(f) }:
	default:
		log.Warn("engine inbox full, dropping audio frame")
	}
}

// Run processes posted work until the session ends or ctx is cancelled.
// Cancelling ctx stops the session as a user stop.
func (e *Engine) Run(ctx context.Context) error {
	ctxDone := ctx.Done()
	for {
		select {
		case f := <-e.inbox:
			f()
		case <-e.done:
			return ctx.Err()
		case <-ctxDone:
			// A session that is still opening stops once it is open; keep
			// running until then.
			ctxDone = nil
			e.stop(StopOptions{NotifyServer: true, Reason: ReasonUserStop, Status: "Stopped"})
			if e.phase != PhaseStarting {
				e.closeDone()
			}
		}
	}
}

// drain runs queued work until the inbox is empty.
func (e *Engine) drain() {
	for {
		select {
		case f := <-e.inbox:
			f()
		default:
			return
		}
	}
}

func (e *Engine) Done() <-chan struct{} { return e.done }

// Wait blocks until the backend has been told about the stop, bounded by
// the configured stop timeout, and pending archive writes have finished.
func (e *Engine) Wait() { e.notify.Wait() }

func (e *Engine) Snapshot() Snapshot { return *e.snap.Load() }

func (e *Engine) publish() {
	s := &Snapshot{
		Phase:          e.phase,
		State:          e.state,
		VoiceSessionID: e.voiceSessionID,
		Window:         e.window,
		LastSeenEvent:  e.lastSeen,
		ReplayCutoff:   e.replayCutoff,
		Turns:          e.turns,
	}
	if e.question != nil {
		q := *e.question
		s.Question = &q
	}
	if e.up.inflight != nil {
		s.Pending++
	}
	if e.up.backlog != nil {
		s.Pending++
	}
	e.snap.Store(s)
}

// Start requests microphone access, opens the voice session and its event
// stream, and hands them to the loop. Permission failures are returned
// without retry.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := e.cfg.Validate(); err != nil {
		return err
	}
	if e.audioCtx == nil {
		return ErrNoAudio
	}
	e.post(func() {
		e.phase = PhaseStarting
		e.publish()
	})

	captureCfg := audio.CaptureConfig{SampleRate: uint32(e.cfg.SampleRate), Channels: 1}
	if e.monitor != nil {
		if _, err := e.monitor.Request(e.device, captureCfg); err != nil {
			e.post(func() { e.abortStart() })
			return err
		}
	}

	open, err := e.api.OpenSession(ctx, backend.OpenRequest{
		SessionID:        e.cfg.SessionID,
		FeedbackModel:    e.cfg.FeedbackModel,
		FeedbackLanguage: e.cfg.FeedbackLanguage,
		STTModel:         e.cfg.STTModel,
		TTSModel:         e.cfg.TTSModel,
		TTSVoice:         e.cfg.TTSVoice,
	})
	if err != nil {
		e.post(func() { e.abortStart() })
		return fmt.Errorf("open session: %w", err)
	}

	stream, err := e.openEvents(ctx, open.VoiceSessionID, 0)
	if err != nil {
		e.notifyStop(open.VoiceSessionID, backend.StopRequest{Forced: true, Reason: "event_stream_failed"})
		e.post(func() { e.abortStart() })
		return fmt.Errorf("open events: %w", err)
	}

	capture, err := e.audioCtx.NewCapture(e.device, captureCfg)
	if err != nil {
		stream.Close()
		e.notifyStop(open.VoiceSessionID, backend.StopRequest{Forced: true, Reason: ReasonCaptureFailed})
		e.post(func() { e.abortStart() })
		return fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)
	}

	e.post(func() { e.onOpened(open.VoiceSessionID, stream, capture) })
	return nil
}

func (e *Engine) abortStart() {
	e.phase = PhaseIdle
	e.publish()
	e.closeDone()
}

func (e *Engine) notifyStop(voiceSessionID string, req backend.StopRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StopTimeout)
	defer cancel()
	if err := e.api.StopSession(ctx, voiceSessionID, req); err != nil {
		log.Warnf("stop session: %v", err)
	}
}

func (e *Engine) onOpened(voiceSessionID string, stream backend.EventStream, capture audio.CaptureDevice) {
	e.voiceSessionID = voiceSessionID
	e.phase = PhaseActive
	e.stream = stream
	e.streamGen++
	e.capture = capture
	if e.pendingStop != nil {
		e.stop(*e.pendingStop)
		return
	}
	log.SessionStart(e.cfg.SessionID, voiceSessionID)
	e.metrics.RecordSessionStart()
	e.setState(StateWaitingTTS)
	e.listener.Status("Session started")

	e.readStream(stream, e.streamGen)

	capture.SetCallback(e.postFrame)
	if err := capture.Start(); err != nil {
		log.Errorf("capture start: %v", err)
		e.stop(StopOptions{Forced: true, NotifyServer: true, Reason: ReasonCaptureFailed, Status: "Microphone unavailable"})
	}
}

// Stop ends the session as a user stop. Safe to call from any goroutine.
func (e *Engine) Stop() {
	e.StopWithReason(ReasonUserStop, "Stopped", false)
}

func (e *Engine) StopWithReason(reason, status string, forced bool) {
	e.post(func() {
		e.stop(StopOptions{Forced: forced, NotifyServer: true, Reason: reason, Status: status})
	})
}

// setState switches state directly and notifies listeners.
func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	from := e.state
	e.state = s
	log.StateChange(from.String(), s.String())
	e.metrics.RecordState(s.String())
	e.listener.StateChanged(from, s)
	e.publish()
}

// enter requests a state. While recovering the request is remembered and
// applied when the stream is back.
func (e *Engine) enter(s State) {
	switch e.state {
	case StateRecovering:
		e.resume = s
		return
	case StateStopping, StateIdle:
		return
	}
	e.setState(s)
}

// openAnswerWindow makes the current question answerable under a fresh
// window. Audio captured under older windows can no longer be flushed.
func (e *Engine) openAnswerWindow() {
	e.window++
	e.seg.reset()
	e.enter(StateReadyForAnswer)
	if e.state == StateReadyForAnswer {
		if d := e.cues.Duration(beep.Ready); d > 0 {
			e.cues.Play(beep.Ready)
			e.quietUntil = e.clock.Now().Add(d + cueTail)
		}
	}
	e.publish()
}

func (e *Engine) onFrame(f audio.Frame) {
	if e.phase != PhaseActive {
		return
	}
	if !e.state.AcceptsAudio() {
		e.seg.reset()
		return
	}
	if e.clock.Now().Before(e.quietUntil) {
		return
	}

	ev, t := e.seg.push(f, e.window)
	if e.seg.active || ev != segNone {
		e.listener.AudioLevel(encoder.RMS(f.Samples))
	}
	switch ev {
	case segStarted:
		e.enter(StateCapturingAnswer)
	case segTooShort:
		e.metrics.RecordTurnDiscarded("too_short")
		e.enter(StateReadyForAnswer)
	case segOverrun:
		e.metrics.RecordTurnDiscarded("too_long")
		e.stop(StopOptions{
			Forced:       true,
			NotifyServer: true,
			Reason:       ReasonTurnDurationExceeded,
			Status:       fmt.Sprintf("Answer exceeded %s", e.cfg.MaxTurn),
		})
	case segFlush:
		if t.window != e.window {
			e.metrics.RecordTurnDiscarded("stale_window")
			e.enter(StateReadyForAnswer)
			return
		}
		e.enter(StateWaitingTTS)
		e.cues.Play(beep.Sent)
		e.submitTurn(newTurn(t, e.questionID()))
	}
}

func (e *Engine) questionID() string {
	if e.question == nil {
		return ""
	}
	return e.question.ID
}

// stop is the single teardown path. It is idempotent.
func (e *Engine) stop(o StopOptions) {
	if e.stopping {
		return
	}
	if e.voiceSessionID == "" {
		if e.phase == PhaseStarting || e.started.Load() {
			e.pendingStop = &o
		}
		return
	}
	e.stopping = true
	e.phase = PhaseStopping
	e.setState(StateStopping)

	e.cancelRecovery()
	e.cancelUpload()
	e.up.inflight = nil
	e.up.backlog = nil
	e.abortPlayback()
	e.seg.reset()

	e.streamGen++
	if e.stream != nil {
		e.stream.Close()
		e.stream = nil
	}
	if e.capture != nil {
		e.capture.ClearCallback()
		e.capture.Stop()
		e.capture.Close()
		e.capture = nil
	}

	if o.NotifyServer && e.voiceSessionID != "" && !e.serverNotified {
		e.serverNotified = true
		id := e.voiceSessionID
		req := backend.StopRequest{Forced: o.Forced, Reason: o.Reason}
		e.notify.Add(1)
		e.spawn(func() func() {
			defer e.notify.Done()
			e.notifyStop(id, req)
			return nil
		})
	}
	if o.Forced {
		e.cues.Play(beep.Error)
	}

	info := StopInfo{Reason: o.Reason, Status: o.Status, Forced: o.Forced, Turns: e.turns}
	log.SessionEnd(o.Reason, o.Forced, e.turns)
	e.metrics.RecordSessionStop(o.Reason, o.Forced)
	if o.Status != "" {
		e.listener.Status(o.Status)
	}

	e.phase = PhaseIdle
	e.setState(StateIdle)
	e.listener.Stopped(info)
	e.cancel()
	e.closeDone()
}

func (e *Engine) closeDone() {
	e.doneOnce.Do(func() { close(e.done) })
}
