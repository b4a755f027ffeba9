package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"viva/backend"
	"viva/log"
)

// recovery tracks one run of reconnect attempts. The run stays open after a
// successful reconnect until the new stream proves itself, so a stream that
// keeps dropping straight away spends the same attempt budget.
type recovery struct {
	attempt int
	gen     int
	backoff retry.Backoff
	timer   Timer
	since   time.Time
}

// settled closes the current run once the reopened stream is healthy.
func (e *Engine) settled() {
	if e.rec.backoff == nil {
		return
	}
	log.Infof("event stream stable after %d reconnect attempt(s)", e.rec.attempt)
	e.rec.backoff = nil
	e.rec.attempt = 0
}

// beginRecovery pauses uploads and playback decisions while the event
// stream is re-established.
func (e *Engine) beginRecovery() {
	e.resume = e.state
	e.setState(StateRecovering)
	e.listener.Status("Connection lost, reconnecting...")

	e.cancelUpload()
	e.seg.reset()
	e.streamGen++
	if e.stream != nil {
		e.stream.Close()
		e.stream = nil
	}

	if e.rec.backoff != nil && e.clock.Now().Sub(e.rec.since) < e.cfg.ReconnectSettle {
		e.metrics.RecordReconnect("failed")
		e.scheduleReconnect(errors.New("event stream dropped right after reconnect"))
		return
	}

	b := retry.NewExponential(e.cfg.ReconnectBackoffBase)
	b = retry.WithCappedDuration(e.cfg.ReconnectBackoffMax, b)
	e.rec = recovery{
		gen:     e.rec.gen + 1,
		backoff: retry.WithMaxRetries(e.cfg.ReconnectAttempts-1, b),
	}
	e.tryReconnect()
}

type reconnectResult struct {
	snap       backend.RecoverySnapshot
	stream     backend.EventStream
	replayFrom int64
	err        error
}

func (e *Engine) tryReconnect() {
	e.rec.attempt++
	e.rec.timer = nil
	gen := e.rec.gen
	id := e.voiceSessionID
	lastSeen := e.lastSeen
	e.spawn(func() func() {
		res := e.reconnect(id, lastSeen)
		return func() { e.onReconnectResult(gen, res) }
	})
}

func (e *Engine) reconnect(id string, lastSeen int64) reconnectResult {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.RecoverTimeout)
	snap, err := e.api.RecoverSession(ctx, id, lastSeen)
	cancel()
	if err != nil {
		return reconnectResult{err: fmt.Errorf("recover: %w", err)}
	}
	res := reconnectResult{snap: snap, replayFrom: lastSeen}
	if snap.Stopped {
		return res
	}
	if snap.ReplayFromEventID != nil {
		res.replayFrom = *snap.ReplayFromEventID
	}
	res.stream, err = e.openEvents(e.ctx, id, res.replayFrom)
	if err != nil {
		res.err = fmt.Errorf("open events: %w", err)
	}
	return res
}

// openEvents opens the event stream. Waiting for the response is bounded by
// RecoverTimeout and by ctx; once open, the stream lives until it is closed
// or the engine stops.
func (e *Engine) openEvents(ctx context.Context, id string, replayFrom int64) (backend.EventStream, error) {
	streamCtx, cancel := context.WithCancel(e.ctx)
	timer := time.AfterFunc(e.cfg.RecoverTimeout, cancel)
	unhook := context.AfterFunc(ctx, cancel)

	stream, err := e.api.OpenEvents(streamCtx, id, replayFrom)
	timedOut := !timer.Stop()
	interrupted := !unhook()
	switch {
	case interrupted:
		err = ctx.Err()
	case timedOut:
		err = fmt.Errorf("no response within %s: %w", e.cfg.RecoverTimeout, context.DeadlineExceeded)
	}
	if err != nil {
		if stream != nil {
			stream.Close()
		}
		cancel()
		return nil, err
	}
	return &cancelStream{EventStream: stream, cancel: cancel}, nil
}

// cancelStream releases the stream's context when it is closed.
type cancelStream struct {
	backend.EventStream
	cancel context.CancelFunc
}

func (s *cancelStream) Close() error {
	err := s.EventStream.Close()
	s.cancel()
	return err
}

func (e *Engine) onReconnectResult(gen int, res reconnectResult) {
	if gen != e.rec.gen || e.stopping || e.state != StateRecovering {
		if res.stream != nil {
			res.stream.Close()
		}
		return
	}
	if res.err == nil {
		e.metrics.RecordReconnect("ok")
		log.Infof("reconnected after %d attempt(s)", e.rec.attempt)
		e.rec.since = e.clock.Now()
		e.reconcile(res)
		return
	}

	e.metrics.RecordReconnect("failed")
	e.scheduleReconnect(res.err)
}

// scheduleReconnect spends one step of the run's backoff, stopping the
// session once the attempts are used up.
func (e *Engine) scheduleReconnect(cause error) {
	delay, exhausted := e.rec.backoff.Next()
	if exhausted {
		log.Errorf("reconnect failed after %d attempts: %v", e.rec.attempt, cause)
		e.stop(StopOptions{
			NotifyServer: true,
			Reason:       ReasonReconnectFailed,
			Status:       "Repeatedly disconnected from the server, session ended",
		})
		return
	}
	log.Reconnect(e.rec.attempt, delay, cause)
	e.listener.Status(fmt.Sprintf("Reconnecting in %s (attempt %d)", delay, e.rec.attempt+1))
	gen := e.rec.gen
	e.rec.timer = e.clock.AfterFunc(delay, func() {
		e.post(func() {
			if gen == e.rec.gen && !e.stopping {
				e.tryReconnect()
			}
		})
	})
}

// reconcile brings local state in line with the server's snapshot and
// resumes from where the session was interrupted.
func (e *Engine) reconcile(res reconnectResult) {
	snap := res.snap
	e.rec.gen++
	if snap.Stopped {
		reason := snap.StopReason
		if reason == "" {
			reason = ReasonServerStopped
		}
		e.stop(StopOptions{Reason: reason, Status: "Session ended"})
		return
	}
	if snap.GapDetected {
		log.Warnf("server reported an event gap (latest id %d, last seen %d)", snap.LatestEventID, e.lastSeen)
	}

	mismatch := false
	if q := snap.CurrentQuestion; q != nil {
		for _, t := range []*turn{e.up.inflight, e.up.backlog} {
			if t != nil && t.questionID != q.ID {
				mismatch = true
			}
		}
		if mismatch {
			log.Warnf("question changed to %s while disconnected, discarding buffered answer", q.ID)
			if e.up.inflight != nil {
				e.metrics.RecordTurnDiscarded("question_mismatch")
			}
			if e.up.backlog != nil {
				e.metrics.RecordTurnDiscarded("question_mismatch")
			}
			e.up.inflight = nil
			e.up.backlog = nil
			e.listener.Status("The question changed while reconnecting; your last answer was discarded")
		}
		if e.question == nil || e.question.ID != q.ID {
			cur := *q
			e.question = &cur
			e.listener.Question(cur)
		}
	}

	if t := e.up.inflight; t != nil && snap.LastAcceptedChunkSequence >= t.seq {
		log.Infof("upload seq=%d already accepted by server", t.seq)
		e.turns++
		e.listener.TurnSent(t.seq, t.seconds())
		e.up.inflight = nil
	}
	if snap.LastAcceptedChunkSequence > e.up.lastSeq {
		e.up.lastSeq = snap.LastAcceptedChunkSequence
	}

	e.replayCutoff = e.lastSeen
	e.lastSeen = res.replayFrom
	e.stream = res.stream
	e.streamGen++
	e.readStream(res.stream, e.streamGen)

	resume := e.resume
	switch {
	case e.pb.playing != nil && e.pb.playing.role == backend.RoleQuestion:
		e.setState(StatePlayingQuestionTTS)
	case e.pb.playing != nil:
		e.setState(StatePlayingFeedbackTTS)
	default:
		e.setState(StateWaitingTTS)
	}
	if !mismatch {
		e.listener.Status("Reconnected")
	}

	if e.up.inflight != nil {
		e.attemptUpload()
	} else {
		e.promoteBacklog()
	}
	if e.pb.playing == nil && resume.AcceptsAudio() && !mismatch {
		e.openAnswerWindow()
	}
	e.playNext()
	e.publish()
}

func (e *Engine) cancelRecovery() {
	e.rec.gen++
	if e.rec.timer != nil {
		e.rec.timer.Stop()
		e.rec.timer = nil
	}
}
