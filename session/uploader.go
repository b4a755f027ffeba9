package session

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"

	"viva/backend"
	"viva/encoder"
	"viva/log"
)

// turn is one answer segment on its way to the backend. Its sequence is
// fixed when it first goes in flight and reused for every retry.
type turn struct {
	seq        int
	pcm        []byte
	rate       int
	window     int
	questionID string
	attempts   int
	firstTry   time.Time
	backoff    retry.Backoff
}

func newTurn(t *segTurn, questionID string) *turn {
	return &turn{
		pcm:        encoder.FloatToPCM16(t.samples),
		rate:       t.rate,
		window:     t.window,
		questionID: questionID,
	}
}

func (t *turn) seconds() float64 {
	return encoder.PCMDuration(t.pcm, t.rate)
}

// uploader holds at most one turn in flight and one waiting behind it.
type uploader struct {
	lastSeq  int
	inflight *turn
	backlog  *turn

	gen    int
	cancel context.CancelFunc
	timer  Timer
}

func (e *Engine) uploadBackoff() retry.Backoff {
	b := retry.NewExponential(e.cfg.UploadBackoffBase)
	b = retry.WithCappedDuration(e.cfg.UploadBackoffMax, b)
	return retry.WithMaxRetries(e.cfg.UploadMaxRetries, b)
}

// submitTurn hands a completed segment to the uploader. With a turn already
// in flight the segment waits in the backlog slot. Every flush closes its
// answer window, so a newer segment always belongs to a later window and
// replaces whatever was waiting.
func (e *Engine) submitTurn(t *turn) {
	defer e.publish()
	if e.up.inflight == nil {
		e.startTurn(t)
		return
	}
	if e.up.backlog != nil {
		e.metrics.RecordTurnDiscarded("superseded")
		log.Warnf("buffered turn from window %d superseded by window %d", e.up.backlog.window, t.window)
	}
	e.up.backlog = t
}

func (e *Engine) startTurn(t *turn) {
	e.up.lastSeq++
	t.seq = e.up.lastSeq
	t.firstTry = e.clock.Now()
	t.backoff = e.uploadBackoff()
	e.up.inflight = t
	e.archiveTurn(t)
	e.attemptUpload()
}

func (e *Engine) attemptUpload() {
	t := e.up.inflight
	if t == nil || e.state == StateRecovering {
		return
	}
	t.attempts++
	e.up.gen++
	gen := e.up.gen

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.UploadTimeout)
	e.up.cancel = cancel
	id := e.voiceSessionID
	chunk := backend.AudioChunk{
		PCM16Base64: encoder.EncodeBase64(t.pcm),
		SampleRate:  t.rate,
		Sequence:    t.seq,
	}
	e.spawn(func() func() {
		_, err := e.api.SendAudioChunk(ctx, id, chunk)
		return func() { e.onUploadResult(gen, t, err) }
	})
}

func (e *Engine) onUploadResult(gen int, t *turn, err error) {
	if gen != e.up.gen || e.up.inflight != t {
		return
	}
	if e.up.cancel != nil {
		e.up.cancel()
		e.up.cancel = nil
	}

	if err == nil {
		e.metrics.RecordUploadAttempt("ok")
		latency := e.clock.Now().Sub(t.firstTry)
		e.metrics.RecordTurnUploaded(t.seconds(), latency)
		log.TurnUploaded(t.seq, t.attempts, t.seconds(), float64(latency.Milliseconds()))
		e.turns++
		e.listener.TurnSent(t.seq, t.seconds())
		e.up.inflight = nil
		e.promoteBacklog()
		e.publish()
		return
	}

	if !backend.Retryable(err) {
		e.metrics.RecordUploadAttempt("rejected")
		log.Errorf("upload seq=%d rejected: %v", t.seq, err)
		e.stop(StopOptions{Forced: true, NotifyServer: true, Reason: ReasonUploadFailed, Status: "Could not upload your answer"})
		return
	}

	delay, exhausted := t.backoff.Next()
	if exhausted {
		e.metrics.RecordUploadAttempt("exhausted")
		log.Errorf("upload seq=%d failed after %d attempts: %v", t.seq, t.attempts, err)
		e.stop(StopOptions{Forced: true, NotifyServer: true, Reason: ReasonUploadFailed, Status: "Could not upload your answer"})
		return
	}

	e.metrics.RecordUploadAttempt("retry")
	log.UploadRetry(t.seq, t.attempts, delay, err)
	e.listener.Status(fmt.Sprintf("Upload failed, retrying in %s", delay))
	e.up.timer = e.clock.AfterFunc(delay, func() {
		e.post(func() {
			if gen == e.up.gen && e.up.inflight == t {
				e.up.timer = nil
				e.attemptUpload()
			}
		})
	})
}

// promoteBacklog moves the waiting turn in flight unless it was captured
// for a question that is no longer answerable.
func (e *Engine) promoteBacklog() {
	b := e.up.backlog
	if b == nil {
		return
	}
	e.up.backlog = nil
	if b.window != e.window {
		e.metrics.RecordTurnDiscarded("stale_window")
		log.Warnf("discarding buffered turn from window %d (current %d)", b.window, e.window)
		return
	}
	e.startTurn(b)
}

// cancelUpload abandons the current attempt and any scheduled retry. The
// in-flight turn itself is kept.
func (e *Engine) cancelUpload() {
	e.up.gen++
	if e.up.cancel != nil {
		e.up.cancel()
		e.up.cancel = nil
	}
	if e.up.timer != nil {
		e.up.timer.Stop()
		e.up.timer = nil
	}
}

func (e *Engine) archiveTurn(t *turn) {
	if e.cfg.ArchiveDir == "" {
		return
	}
	path := filepath.Join(e.cfg.ArchiveDir, fmt.Sprintf("%s_turn_%04d.flac", e.voiceSessionID, t.seq))
	pcm, rate := t.pcm, t.rate
	e.notify.Add(1)
	e.spawn(func() func() {
		defer e.notify.Done()
		if err := encoder.WriteFlacFile(path, pcm, rate); err != nil {
			log.Warnf("archive turn: %v", err)
		}
		return nil
	})
}
