package session

import (
	"errors"
	"io"

	"viva/backend"
	"viva/encoder"
	"viva/log"
)

// pumpStream reads stream until it fails and posts every event to the loop.
func (e *Engine) pumpStream(stream backend.EventStream, gen int) {
	go func() {
		for {
			ev, err := stream.Next()
			if err != nil {
				e.post(func() { e.onStreamClosed(gen, err) })
				return
			}
			e.post(func() { e.onEvent(gen, ev) })
		}
	}()
}

func (e *Engine) onEvent(gen int, ev backend.Event) {
	if gen != e.streamGen || e.stopping || e.phase != PhaseActive {
		return
	}
	e.settled()
	if ev.ID != 0 {
		if ev.ID <= e.lastSeen {
			e.metrics.RecordEvent(ev.Type, true)
			log.Debugf("duplicate event id=%d type=%s", ev.ID, ev.Type)
			return
		}
		e.lastSeen = ev.ID
	}
	e.metrics.RecordEvent(ev.Type, false)
	replayed := ev.ID != 0 && ev.ID <= e.replayCutoff
	defer e.publish()

	switch ev.Type {
	case backend.EventSessionReady:
		log.Info("session ready")

	case backend.EventSTTFinal:
		var p backend.STTFinal
		if err := ev.Decode(&p); err != nil {
			log.Warnf("%v", err)
			return
		}
		log.Transcript("answer", p.Text)
		e.listener.Answer(p.Text)

	case backend.EventSTTSkipped:
		var p backend.STTSkipped
		if len(ev.Data) > 0 {
			_ = ev.Decode(&p)
		}
		log.Infof("transcription skipped: %s", p.Reason)
		if replayed {
			return
		}
		e.listener.Status("Didn't catch that, please answer again")
		if e.state == StateWaitingTTS && e.pb.idle() && e.up.inflight == nil {
			e.openAnswerWindow()
		}

	case backend.EventQuestionPrompt:
		var p backend.QuestionPrompt
		if err := ev.Decode(&p); err != nil {
			log.Warnf("%v", err)
			return
		}
		e.onQuestion(p.Question, replayed)

	case backend.EventFeedbackFinal:
		var f backend.FeedbackFinal
		if err := ev.Decode(&f); err != nil {
			log.Warnf("%v", err)
			return
		}
		f.Raw = append(f.Raw[:0], ev.Data...)
		log.Transcript("feedback", f.Display())
		e.listener.Feedback(f)

	case backend.EventTTSAudio:
		if replayed {
			return
		}
		var a backend.TTSAudio
		if err := ev.Decode(&a); err != nil {
			e.failTTS(err)
			return
		}
		data, err := encoder.DecodeBase64(a.Audio)
		if err != nil {
			e.failTTS(err)
			return
		}
		e.enqueueTTS(a, data)

	case backend.EventTTSError:
		if replayed {
			return
		}
		var p backend.TTSError
		_ = ev.Decode(&p)
		e.failTTS(errors.New(p.Message))

	case backend.EventSessionStopped:
		var p backend.SessionStopped
		_ = ev.Decode(&p)
		reason := p.Reason
		if reason == "" {
			reason = ReasonServerStopped
		}
		e.stop(StopOptions{Reason: reason, Status: "Session ended"})

	case backend.EventSessionError:
		var p backend.SessionError
		_ = ev.Decode(&p)
		log.Errorf("server error: %s", p.Message)
		status := "Server error"
		if p.Message != "" {
			status += ": " + p.Message
		}
		e.stop(StopOptions{Forced: true, Reason: ReasonServerError, Status: status})

	default:
		log.Debugf("ignoring event type=%s", ev.Type)
	}
}

// onQuestion makes q current. A new question cancels any answer in
// progress; the answer window reopens after the question has played.
func (e *Engine) onQuestion(q backend.Question, replayed bool) {
	changed := e.question == nil || e.question.ID != q.ID
	e.question = &q
	log.Transcript("question", q.Text)
	e.listener.Question(q)
	if replayed {
		return
	}
	if changed {
		e.dropQuestionAudio(q.ID)
	}
	e.seg.reset()
	if e.state.AcceptsAudio() {
		e.enter(StateWaitingTTS)
	}
}

func (e *Engine) failTTS(err error) {
	log.Errorf("tts: %v", err)
	e.metrics.RecordPlayback("unknown", "error")
	e.stop(StopOptions{Forced: true, NotifyServer: true, Reason: ReasonTTSFailed, Status: "Could not play the spoken prompt"})
}

func (e *Engine) onStreamClosed(gen int, err error) {
	if gen != e.streamGen || e.stopping || e.phase != PhaseActive {
		return
	}
	if errors.Is(err, io.EOF) {
		log.Warn("event stream closed by server")
	} else {
		log.Warnf("event stream lost: %v", err)
	}
	e.beginRecovery()
}
