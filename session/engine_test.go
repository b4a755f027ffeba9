package session

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"viva/audio"
	"viva/backend"
	"viva/beep"
)

func (h *harness) answer() {
	h.speak(time.Second)
	h.silence(1500 * time.Millisecond)
}

func (h *harness) stoppedWith(reason string) StopInfo {
	h.t.Helper()
	if len(h.lis.stopped) != 1 {
		h.t.Fatalf("expected one stop, got %d", len(h.lis.stopped))
	}
	info := h.lis.stopped[0]
	if info.Reason != reason {
		h.t.Fatalf("stop reason = %q, want %q", info.Reason, reason)
	}
	if h.e.state != StateIdle {
		h.t.Errorf("state = %s after stop, want IDLE", h.e.state)
	}
	select {
	case <-h.e.Done():
	default:
		h.t.Error("Done not closed after stop")
	}
	return info
}

func TestEndToEndFirstTurn(t *testing.T) {
	h := newHarness(t)
	h.start()
	if h.e.state != StateWaitingTTS {
		t.Fatalf("state = %s after open, want WAITING_TTS", h.e.state)
	}

	h.tts(backend.RoleQuestion, 1)
	if !h.lis.saw(StatePlayingQuestionTTS) {
		t.Fatal("question audio never played")
	}
	if h.player.Count() != 1 {
		t.Fatalf("played %d items, want the immediate copy only", h.player.Count())
	}
	if h.e.state != StateWaitingTTS {
		t.Fatalf("state = %s after immediate copy, want WAITING_TTS", h.e.state)
	}
	if h.e.window != 0 {
		t.Fatalf("window = %d before repeat, want 0", h.e.window)
	}

	h.advance(2999 * time.Millisecond)
	if h.player.Count() != 1 {
		t.Fatal("repeat played before 3000ms")
	}
	h.advance(time.Millisecond)
	if h.player.Count() != 2 {
		t.Fatalf("played %d items after repeat delay, want 2", h.player.Count())
	}
	if h.e.state != StateReadyForAnswer || h.e.window != 1 {
		t.Fatalf("state=%s window=%d, want READY_FOR_ANSWER window=1", h.e.state, h.e.window)
	}

	h.speak(time.Second)
	if h.e.state != StateCapturingAnswer {
		t.Fatalf("state = %s while speaking, want CAPTURING_ANSWER", h.e.state)
	}
	h.silence(1400 * time.Millisecond)
	if len(h.api.Chunks) != 0 {
		t.Fatal("turn flushed before the silence gap")
	}
	h.silence(100 * time.Millisecond)
	if got := h.api.SentSequences(); !slices.Equal(got, []int{1}) {
		t.Fatalf("sent sequences = %v, want [1]", got)
	}
	if h.api.Chunks[0].SampleRate != testRate {
		t.Errorf("sample rate = %d", h.api.Chunks[0].SampleRate)
	}
	if h.e.state != StateWaitingTTS {
		t.Errorf("state = %s after flush, want WAITING_TTS", h.e.state)
	}
	if !slices.Equal(h.lis.sent, []int{1}) {
		t.Errorf("listener saw sent %v", h.lis.sent)
	}
}

func TestFramesDroppedOutsideAnswerStates(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.answer()
	h.silence(2 * time.Second)
	if len(h.api.Chunks) != 0 {
		t.Fatalf("uploaded %d chunks while WAITING_TTS", len(h.api.Chunks))
	}
	if h.lis.saw(StateCapturingAnswer) {
		t.Error("entered CAPTURING_ANSWER outside an answer window")
	}
}

func TestShortTurnDiscarded(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.ready("q1", 1)
	h.speak(200 * time.Millisecond)
	h.silence(1500 * time.Millisecond)
	if len(h.api.Chunks) != 0 {
		t.Fatal("short turn was uploaded")
	}
	if h.e.state != StateReadyForAnswer {
		t.Errorf("state = %s, want READY_FOR_ANSWER", h.e.state)
	}
}

func TestTurnOverrunStopsSession(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxTurn = 2 * time.Second })
	h.start()
	h.ready("q1", 1)
	h.speak(3 * time.Second)

	info := h.stoppedWith(ReasonTurnDurationExceeded)
	if !info.Forced {
		t.Error("overrun stop should be forced")
	}
	if len(h.api.Chunks) != 0 {
		t.Error("overrun turn must not be uploaded")
	}
	if h.api.StopCount() != 1 || h.api.Stops[0].Reason != ReasonTurnDurationExceeded {
		t.Errorf("stops = %+v", h.api.Stops)
	}
}

func TestUploadRetryKeepsSequence(t *testing.T) {
	h := newHarness(t)
	h.api.SendErrs = []error{errors.New("connection reset")}
	h.start()
	h.ready("q1", 1)
	h.answer()

	if got := h.api.SentSequences(); !slices.Equal(got, []int{1}) {
		t.Fatalf("sent = %v after first attempt", got)
	}
	h.advance(499 * time.Millisecond)
	if len(h.api.Chunks) != 1 {
		t.Fatal("retried before 500ms")
	}
	h.advance(time.Millisecond)
	if got := h.api.SentSequences(); !slices.Equal(got, []int{1, 1}) {
		t.Fatalf("sent = %v, want retry with the same sequence", got)
	}
	if !slices.Equal(h.lis.sent, []int{1}) {
		t.Errorf("listener saw sent %v", h.lis.sent)
	}
	if h.e.up.inflight != nil {
		t.Error("inflight turn not cleared after success")
	}
}

func TestUploadExhaustionStopsSession(t *testing.T) {
	h := newHarness(t)
	fail := errors.New("timeout")
	h.api.SendErrs = []error{fail, fail, fail, fail}
	h.start()
	h.ready("q1", 1)
	h.answer()

	for _, d := range []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second} {
		h.advance(d)
	}
	if got := h.api.SentSequences(); !slices.Equal(got, []int{1, 1, 1, 1}) {
		t.Fatalf("sent = %v, want four attempts at sequence 1", got)
	}
	info := h.stoppedWith(ReasonUploadFailed)
	if !info.Forced {
		t.Error("upload exhaustion should be a forced stop")
	}
	if h.api.StopCount() != 1 || !h.api.Stops[0].Forced {
		t.Errorf("stops = %+v", h.api.Stops)
	}
}

func TestUploadRejectedStopsWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.api.SendErrs = []error{&backend.APIError{Method: "POST", Path: "/audio", Status: 400, Body: "bad sequence"}}
	h.start()
	h.ready("q1", 1)
	h.answer()
	h.advance(10 * time.Second)

	if len(h.api.Chunks) != 1 {
		t.Fatalf("sent %d chunks, want 1", len(h.api.Chunks))
	}
	h.stoppedWith(ReasonUploadFailed)
}

func TestBacklogReplacedAndPromoted(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.UploadBackoffBase = 20 * time.Second
		c.UploadBackoffMax = 20 * time.Second
	})
	h.api.SendErrs = []error{errors.New("timeout")}
	h.start()
	h.ready("q1", 1)
	h.answer()

	h.ready("q2", 2)
	h.answer()
	if b := h.e.up.backlog; b == nil || b.window != 2 {
		t.Fatalf("backlog = %+v, want the window 2 answer", b)
	}
	h.ready("q3", 3)
	h.answer()
	if b := h.e.up.backlog; b == nil || b.window != 3 || b.questionID != "q3" {
		t.Fatalf("backlog = %+v, want the window 3 answer", b)
	}
	if h.e.Snapshot().Pending != 2 {
		t.Errorf("pending = %d, want 2", h.e.Snapshot().Pending)
	}

	h.advance(20 * time.Second)
	if got := h.api.SentSequences(); !slices.Equal(got, []int{1, 1, 2}) {
		t.Fatalf("sent = %v, want retry of 1 then the backlog at 2", got)
	}
	if h.e.up.inflight != nil || h.e.up.backlog != nil {
		t.Error("uploader not empty after both turns were sent")
	}
}

func TestStaleBacklogDiscarded(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.e.window = 3
	inflight := &turn{seq: 1, pcm: []byte{1, 0}, rate: testRate, window: 3}
	h.e.up.inflight = inflight
	h.e.up.lastSeq = 1
	h.e.up.backlog = &turn{pcm: []byte{2, 0}, rate: testRate, window: 2}

	h.e.onUploadResult(h.e.up.gen, inflight, nil)
	h.e.drain()
	if len(h.api.Chunks) != 0 || h.e.up.backlog != nil {
		t.Fatal("stale backlog should be dropped")
	}
}

func TestQuestionPromptFencesCapture(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.ready("q1", 1)
	h.speak(time.Second)
	if h.e.state != StateCapturingAnswer {
		t.Fatalf("state = %s", h.e.state)
	}

	h.question("q2")
	if h.e.state != StateWaitingTTS {
		t.Fatalf("state = %s after new question, want WAITING_TTS", h.e.state)
	}
	h.silence(2 * time.Second)
	if len(h.api.Chunks) != 0 {
		t.Fatal("buffer captured before the new question was uploaded")
	}
	if h.e.question.ID != "q2" {
		t.Errorf("question = %s", h.e.question.ID)
	}
}

func TestFlushFromStaleWindowDiscarded(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.ready("q1", 1)
	h.speak(time.Second)
	// window advances without leaving the answer states
	h.e.window++
	h.silence(1500 * time.Millisecond)
	if len(h.api.Chunks) != 0 {
		t.Fatal("turn from a stale window was uploaded")
	}
	if h.e.state != StateReadyForAnswer {
		t.Errorf("state = %s, want READY_FOR_ANSWER", h.e.state)
	}
}

func TestReconnectBoundedStopsOnce(t *testing.T) {
	h := newHarness(t)
	down := errors.New("connection refused")
	h.api.RecoverErrs = []error{down, down, down, down, down}
	h.start()
	h.ready("q1", 1)

	h.loseStream()
	if h.e.state != StateRecovering {
		t.Fatalf("state = %s, want RECOVERING", h.e.state)
	}
	if len(h.api.Recovers) != 1 {
		t.Fatalf("first reconnect attempt should be immediate, got %d", len(h.api.Recovers))
	}
	h.advance(time.Second)
	h.advance(2 * time.Second)
	h.advance(4 * time.Second)
	if len(h.api.Recovers) != 4 {
		t.Fatalf("recover attempts = %d, want 4", len(h.api.Recovers))
	}
	info := h.stoppedWith(ReasonReconnectFailed)
	if info.Forced {
		t.Error("reconnect exhaustion should be a graceful stop")
	}
	if !strings.Contains(info.Status, "disconnected") {
		t.Errorf("status = %q", info.Status)
	}

	h.advance(time.Minute)
	h.e.Stop()
	h.e.drain()
	if len(h.api.Recovers) != 4 {
		t.Errorf("recover attempts after stop = %d", len(h.api.Recovers))
	}
	if h.api.StopCount() != 1 {
		t.Errorf("stopSession called %d times, want 1", h.api.StopCount())
	}
}

func TestReconnectHungStreamOpenIsBounded(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RecoverTimeout = 20 * time.Millisecond })
	h.start()
	h.ready("q1", 1)
	h.api.HangOpenEvents = 4

	h.loseStream()
	if h.e.state != StateRecovering {
		t.Fatalf("state = %s, want RECOVERING", h.e.state)
	}
	h.advance(time.Second)
	h.advance(2 * time.Second)
	h.advance(4 * time.Second)
	if got := len(h.api.ReplayFrom); got != 5 {
		t.Fatalf("event stream opens = %d, want start plus 4 attempts", got)
	}
	h.stoppedWith(ReasonReconnectFailed)
}

func TestReconnectFlappingStreamIsBounded(t *testing.T) {
	h := newHarness(t)
	h.api.Snapshot = backend.RecoverySnapshot{CurrentQuestion: &backend.Question{ID: "q1"}}
	h.start()
	h.ready("q1", 1)

	h.loseStream()
	if h.e.state == StateRecovering {
		t.Fatal("first reconnect should succeed at once")
	}
	for i, d := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		h.loseStream()
		if h.e.state != StateRecovering {
			t.Fatalf("drop %d: state = %s, want RECOVERING until the backoff elapses", i+2, h.e.state)
		}
		if len(h.api.Recovers) != i+1 {
			t.Fatalf("drop %d: recover attempts = %d before the backoff", i+2, len(h.api.Recovers))
		}
		h.advance(d)
	}
	if len(h.api.Recovers) != 4 {
		t.Fatalf("recover attempts = %d, want 4", len(h.api.Recovers))
	}

	h.loseStream()
	h.stoppedWith(ReasonReconnectFailed)
	h.advance(time.Minute)
	if len(h.api.Recovers) != 4 {
		t.Errorf("recover attempts after stop = %d", len(h.api.Recovers))
	}
}

func TestReconnectRunResetsOnceStreamIsHealthy(t *testing.T) {
	h := newHarness(t)
	h.api.Snapshot = backend.RecoverySnapshot{CurrentQuestion: &backend.Question{ID: "q1"}}
	h.start()
	h.ready("q1", 1)

	h.loseStream()
	h.event(backend.EventSTTFinal, backend.STTFinal{Text: "hello"})
	h.loseStream()
	if len(h.api.Recovers) != 2 {
		t.Fatalf("recover attempts = %d, a stream that delivered events should reconnect at once", len(h.api.Recovers))
	}

	h.advance(h.e.cfg.ReconnectSettle)
	h.loseStream()
	if len(h.api.Recovers) != 3 {
		t.Fatalf("recover attempts = %d, a stream that stayed up should reconnect at once", len(h.api.Recovers))
	}
	if h.e.state == StateRecovering {
		t.Errorf("state = %s", h.e.state)
	}
}

func TestRecoveryResumesAnswerWindow(t *testing.T) {
	h := newHarness(t)
	h.api.RecoverErrs = []error{errors.New("refused")}
	h.api.Snapshot = backend.RecoverySnapshot{CurrentQuestion: &backend.Question{ID: "q1"}}
	h.start()
	h.ready("q1", 1)
	h.speak(500 * time.Millisecond)

	h.loseStream()
	h.silence(2 * time.Second)
	if len(h.api.Chunks) != 0 {
		t.Fatal("audio captured while recovering")
	}
	h.advance(time.Second)
	if h.e.state != StateReadyForAnswer {
		t.Fatalf("state = %s after reconnect, want READY_FOR_ANSWER", h.e.state)
	}
	if h.e.window != 2 {
		t.Errorf("window = %d, want a fresh window", h.e.window)
	}
	if len(h.api.Streams) != 2 {
		t.Errorf("streams opened = %d", len(h.api.Streams))
	}
	if !h.api.Streams[0].Closed() {
		t.Error("lost stream was not closed")
	}
}

func TestRecoveryQuestionMismatchDiscardsTurn(t *testing.T) {
	h := newHarness(t)
	h.api.SendErrs = []error{errors.New("reset")}
	h.api.Snapshot = backend.RecoverySnapshot{CurrentQuestion: &backend.Question{ID: "q2"}}
	h.start()
	h.ready("q1", 1)
	h.answer()
	if len(h.api.Chunks) != 1 {
		t.Fatal("expected a failed first attempt")
	}

	h.loseStream()
	h.advance(10 * time.Second)
	if len(h.api.Chunks) != 1 {
		t.Fatalf("sent %d chunks, mismatched turn must not be resent", len(h.api.Chunks))
	}
	if h.e.up.inflight != nil || h.e.up.backlog != nil {
		t.Error("mismatched audio not discarded")
	}
	if h.e.question.ID != "q2" {
		t.Errorf("question = %s, want q2 from snapshot", h.e.question.ID)
	}
	found := false
	for _, s := range h.lis.statuses {
		if strings.Contains(s, "question changed") {
			found = true
		}
	}
	if !found {
		t.Errorf("mismatch not surfaced, statuses = %q", h.lis.statuses)
	}
	if h.e.state != StateWaitingTTS {
		t.Errorf("state = %s", h.e.state)
	}
}

func TestRecoveryTreatsAcceptedTurnAsSent(t *testing.T) {
	h := newHarness(t)
	h.api.SendErrs = []error{errors.New("timeout")}
	h.api.Snapshot = backend.RecoverySnapshot{
		CurrentQuestion:           &backend.Question{ID: "q1"},
		LastAcceptedChunkSequence: 1,
	}
	h.start()
	h.ready("q1", 1)
	h.answer()
	h.loseStream()
	h.advance(10 * time.Second)

	if len(h.api.Chunks) != 1 {
		t.Fatalf("sent %d chunks, accepted turn must not be resent", len(h.api.Chunks))
	}
	if !slices.Equal(h.lis.sent, []int{1}) {
		t.Errorf("sent = %v", h.lis.sent)
	}
}

func TestRecoveryRetriesUnacceptedTurn(t *testing.T) {
	h := newHarness(t)
	h.api.SendErrs = []error{errors.New("timeout")}
	h.api.Snapshot = backend.RecoverySnapshot{CurrentQuestion: &backend.Question{ID: "q1"}}
	h.start()
	h.ready("q1", 1)
	h.answer()
	h.loseStream()

	if got := h.api.SentSequences(); !slices.Equal(got, []int{1, 1}) {
		t.Fatalf("sent = %v, want the same sequence resent after reconnect", got)
	}
	h.speak(time.Second)
	if h.e.state != StateWaitingTTS {
		t.Errorf("state = %s", h.e.state)
	}
}

func TestRecoveryStoppedSnapshot(t *testing.T) {
	h := newHarness(t)
	h.api.Snapshot = backend.RecoverySnapshot{Stopped: true, StopReason: "completed"}
	h.start()
	h.loseStream()

	info := h.stoppedWith("completed")
	if info.Forced {
		t.Error("server stop should be graceful")
	}
	if h.api.StopCount() != 0 {
		t.Error("server-initiated stop must not call stopSession")
	}
	if len(h.api.ReplayFrom) != 1 {
		t.Error("stream reopened for a stopped session")
	}
}

func TestDuplicateEventsIgnored(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.eventID(1, backend.EventSTTFinal, backend.STTFinal{Text: "hello"})
	h.eventID(1, backend.EventSTTFinal, backend.STTFinal{Text: "hello"})
	h.eventID(2, backend.EventSTTFinal, backend.STTFinal{Text: "again"})
	h.eventID(2, backend.EventSTTFinal, backend.STTFinal{Text: "again"})

	if !slices.Equal(h.lis.answers, []string{"hello", "again"}) {
		t.Fatalf("answers = %q", h.lis.answers)
	}
	if h.e.Snapshot().LastSeenEvent != 2 {
		t.Errorf("last seen = %d", h.e.Snapshot().LastSeenEvent)
	}
}

func TestReplayedEventsDoNotReplayAudio(t *testing.T) {
	h := newHarness(t)
	from := int64(1)
	h.api.Snapshot = backend.RecoverySnapshot{
		CurrentQuestion:   &backend.Question{ID: "q1"},
		ReplayFromEventID: &from,
	}
	h.start()
	h.ready("q1", 1) // events 1 and 2
	played := h.player.Count()

	h.loseStream()
	if got := h.api.ReplayFrom; !slices.Equal(got, []int64{0, 1}) {
		t.Fatalf("replay ids = %v", got)
	}
	if s := h.e.Snapshot(); s.ReplayCutoff != 2 || s.LastSeenEvent != 1 {
		t.Fatalf("cutoff=%d lastSeen=%d", s.ReplayCutoff, s.LastSeenEvent)
	}

	h.nextID = 1
	h.tts(backend.RoleQuestion, 1) // id 2, replayed
	h.advance(5 * time.Second)
	if h.player.Count() != played {
		t.Fatal("replayed question audio was played again")
	}

	h.event(backend.EventFeedbackFinal, map[string]string{"text": "Good answer"})
	h.tts(backend.RoleFeedback, 2)
	if h.player.Count() != played+1 {
		t.Fatal("new feedback audio not played")
	}
	if len(h.lis.feedback) != 1 || h.lis.feedback[0].Display() != "Good answer" {
		t.Errorf("feedback = %+v", h.lis.feedback)
	}
}

func TestServerStoppedEndsGracefully(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.event(backend.EventSessionStopped, backend.SessionStopped{Reason: "completed"})

	info := h.stoppedWith("completed")
	if info.Forced {
		t.Error("session.stopped should be graceful")
	}
	if h.api.StopCount() != 0 {
		t.Error("stopSession called for a server-initiated stop")
	}
	if !h.api.Streams[0].Closed() {
		t.Error("event stream left open")
	}
}

func TestSessionErrorForcesStop(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.event(backend.EventSessionError, backend.SessionError{Message: "model unavailable"})

	info := h.stoppedWith(ReasonServerError)
	if !info.Forced || !strings.Contains(info.Status, "model unavailable") {
		t.Errorf("info = %+v", info)
	}
}

func TestTTSErrorStopsSession(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.event(backend.EventTTSError, backend.TTSError{Message: "voice not found"})
	h.stoppedWith(ReasonTTSFailed)
	if h.api.StopCount() != 1 || !h.api.Stops[0].Forced {
		t.Errorf("stops = %+v", h.api.Stops)
	}
}

func TestPlaybackFailureStopsSession(t *testing.T) {
	h := newHarness(t)
	h.player.Err = errors.New("output device gone")
	h.start()
	h.tts(backend.RoleFeedback, 1)
	h.stoppedWith(ReasonTTSFailed)
}

func TestUndecodableAudioStopsSession(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.event(backend.EventTTSAudio, backend.TTSAudio{Role: backend.RoleFeedback, Audio: "AAAA", MIMEType: "audio/ogg"})
	h.stoppedWith(ReasonTTSFailed)
}

func TestFeedbackPlaybackReturnsToWaiting(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.tts(backend.RoleFeedback, 1)
	if !h.lis.saw(StatePlayingFeedbackTTS) {
		t.Fatal("feedback never played")
	}
	if h.e.state != StateWaitingTTS {
		t.Errorf("state = %s, want WAITING_TTS", h.e.state)
	}
	h.advance(10 * time.Second)
	if h.player.Count() != 1 {
		t.Error("feedback must not repeat")
	}
}

func TestSTTSkippedReopensWindow(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.ready("q1", 1)
	h.answer()
	if h.e.state != StateWaitingTTS {
		t.Fatalf("state = %s", h.e.state)
	}
	h.event(backend.EventSTTSkipped, backend.STTSkipped{Reason: "no_speech"})
	if h.e.state != StateReadyForAnswer || h.e.window != 2 {
		t.Errorf("state=%s window=%d", h.e.state, h.e.window)
	}
}

func TestNewQuestionDropsQueuedRepeat(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.question("q1")
	h.tts(backend.RoleQuestion, 1)
	h.question("q2")
	h.advance(5 * time.Second)
	if h.player.Count() != 1 {
		t.Fatalf("played %d, stale repeat should be dropped", h.player.Count())
	}
	if h.e.state != StateWaitingTTS {
		t.Errorf("state = %s", h.e.state)
	}
}

func TestDroppedRepeatRestartsWait(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.question("q1")
	h.tts(backend.RoleQuestion, 1)
	if h.player.Count() != 1 || h.e.pb.waitFor == nil {
		t.Fatalf("played %d, waiting = %v", h.player.Count(), h.e.pb.waitFor != nil)
	}

	h.advance(2 * time.Second)
	next := &playItem{
		role:       backend.RoleQuestion,
		hasSeq:     true,
		seq:        2,
		data:       h.e.pb.items[0].data,
		mimeType:   h.e.pb.items[0].mimeType,
		repeat:     true,
		delay:      h.e.cfg.QuestionRepeatDelay,
		questionID: "q2",
	}
	h.e.pb.insert(next)
	h.e.dropQuestionAudio("q2")
	h.e.drain()
	if h.e.pb.waitFor != next {
		t.Fatal("wait not restarted for the new head")
	}

	h.advance(2900 * time.Millisecond)
	if h.player.Count() != 1 {
		t.Fatal("new head played before its own delay")
	}
	h.advance(100 * time.Millisecond)
	if h.player.Count() != 2 {
		t.Fatalf("played %d, want the new head after its full delay", h.player.Count())
	}
}

func TestReadyCueNotCapturedAsAnswer(t *testing.T) {
	h := newHarness(t)
	h.e.cues = beep.New(&audio.FakePlayer{}, false)
	h.start()
	h.ready("q1", 1)

	h.speak(200 * time.Millisecond)
	if h.e.state != StateReadyForAnswer {
		t.Fatalf("state = %s while the cue plays, want READY_FOR_ANSWER", h.e.state)
	}
	h.advance(300 * time.Millisecond)
	h.speak(time.Second)
	if h.e.state != StateCapturingAnswer {
		t.Fatalf("state = %s after the cue, want CAPTURING_ANSWER", h.e.state)
	}
	h.silence(1500 * time.Millisecond)
	if len(h.api.Chunks) != 1 {
		t.Fatalf("sent %d chunks, want 1", len(h.api.Chunks))
	}
}

func TestPlaybackOrder(t *testing.T) {
	var p playback
	seq := func(n int) *playItem { return &playItem{hasSeq: true, seq: n} }
	a, b := &playItem{role: "a"}, &playItem{role: "b"}
	for _, it := range []*playItem{seq(3), a, seq(1), b, seq(2)} {
		p.insert(it)
	}
	var got []string
	for _, it := range p.items {
		if it.hasSeq {
			got = append(got, string(rune('0'+it.seq)))
		} else {
			got = append(got, it.role)
		}
	}
	if want := []string{"1", "2", "3", "a", "b"}; !slices.Equal(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.e.Stop()
	h.e.Stop()
	h.e.StopWithReason(ReasonDeviceLost, "Microphone disconnected", true)
	h.e.drain()

	h.stoppedWith(ReasonUserStop)
	if h.api.StopCount() != 1 {
		t.Errorf("stopSession called %d times", h.api.StopCount())
	}
}

func TestStopDuringStartIsDeferred(t *testing.T) {
	h := newHarness(t)
	h.e.phase = PhaseStarting
	h.e.stop(StopOptions{NotifyServer: true, Reason: ReasonUserStop})
	if len(h.lis.stopped) != 0 {
		t.Fatal("stop applied before the session was open")
	}

	stream := backend.NewFakeStream()
	capture, err := h.audio.NewCapture(nil, audio.CaptureConfig{})
	if err != nil {
		t.Fatal(err)
	}
	h.e.onOpened("vs-9", stream, capture)
	h.e.drain()

	h.stoppedWith(ReasonUserStop)
	if !stream.Closed() {
		t.Error("stream not closed")
	}
	if h.api.StopCount() != 1 {
		t.Errorf("stopSession called %d times", h.api.StopCount())
	}
}

func TestStopBeforeStartPostIsDeferred(t *testing.T) {
	h := newHarness(t)
	h.e.started.Store(true)
	h.e.stop(StopOptions{NotifyServer: true, Reason: ReasonUserStop})
	if h.e.pendingStop == nil {
		t.Fatal("stop dropped while start was in flight")
	}
}

func TestStartStreamOpenFollowsCallerContext(t *testing.T) {
	h := newHarness(t)
	h.api.HangOpenEvents = 1
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	time.AfterFunc(20*time.Millisecond, cancel)

	err := h.e.Start(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	h.e.drain()
	if h.api.StopCount() != 1 || !h.api.Stops[0].Forced {
		t.Errorf("stops = %+v", h.api.Stops)
	}
	if h.e.Snapshot().Phase != PhaseIdle {
		t.Errorf("phase = %s", h.e.Snapshot().Phase)
	}
}

func TestStartCaptureFailure(t *testing.T) {
	h := newHarness(t)
	h.audio.CaptureErr = errors.New("no such device")
	err := h.e.Start(t.Context())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	h.e.drain()
	if h.api.StopCount() != 1 || h.api.Stops[0].Reason != ReasonCaptureFailed {
		t.Errorf("stops = %+v", h.api.Stops)
	}
	if h.e.Snapshot().Phase != PhaseIdle {
		t.Errorf("phase = %s", h.e.Snapshot().Phase)
	}
}

func TestStartOpenFailure(t *testing.T) {
	h := newHarness(t)
	h.api.OpenErr = errors.New("unauthorized")
	if err := h.e.Start(t.Context()); err == nil {
		t.Fatal("expected error")
	}
	if err := h.e.Start(t.Context()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second start err = %v", err)
	}
}
