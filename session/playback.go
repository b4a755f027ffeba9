package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"viva/audio"
	"viva/backend"
	"viva/log"
)

type playItem struct {
	role       string
	hasSeq     bool
	seq        int
	data       []byte
	mimeType   string
	repeat     bool
	delay      time.Duration
	questionID string
	arrival    uint64
}

// playback orders synthesized speech: sequenced items by sequence, then
// unsequenced ones, ties broken by arrival. One item plays at a time.
type playback struct {
	items    []*playItem
	arrivals uint64
	playing  *playItem
	waitFor  *playItem
	timer    Timer
	gen      int
	cancel   context.CancelFunc
}

func (p *playback) less(a, b *playItem) bool {
	if a.hasSeq != b.hasSeq {
		return a.hasSeq
	}
	if a.hasSeq && a.seq != b.seq {
		return a.seq < b.seq
	}
	return a.arrival < b.arrival
}

func (p *playback) insert(it *playItem) {
	p.arrivals++
	it.arrival = p.arrivals
	i := sort.Search(len(p.items), func(i int) bool { return p.less(it, p.items[i]) })
	p.items = append(p.items, nil)
	copy(p.items[i+1:], p.items[i:])
	p.items[i] = it
}

func (p *playback) idle() bool {
	return p.playing == nil && p.waitFor == nil && len(p.items) == 0
}

// enqueueTTS queues a tts.audio payload. Questions are queued twice: once to
// play now and once as a delayed repeat that opens the answer window.
func (e *Engine) enqueueTTS(a backend.TTSAudio, data []byte) {
	base := playItem{
		role:       a.Role,
		data:       data,
		mimeType:   a.MIMEType,
		questionID: e.questionID(),
	}
	if a.Sequence != nil {
		base.hasSeq = true
		base.seq = *a.Sequence
	}

	first := base
	e.pb.insert(&first)
	if a.Role == backend.RoleQuestion {
		repeat := base
		repeat.repeat = true
		repeat.delay = e.cfg.QuestionRepeatDelay
		e.pb.insert(&repeat)
	}
	e.playNext()
}

// dropQuestionAudio removes queued question items that belong to a
// question other than keepID.
func (e *Engine) dropQuestionAudio(keepID string) {
	kept := e.pb.items[:0]
	for _, it := range e.pb.items {
		if it.role == backend.RoleQuestion && it.questionID != keepID {
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(e.pb.items); i++ {
		e.pb.items[i] = nil
	}
	e.pb.items = kept
	if e.pb.waitFor != nil && (len(kept) == 0 || kept[0] != e.pb.waitFor) {
		e.pb.timer.Stop()
		e.pb.timer = nil
		e.pb.waitFor = nil
		e.playNext()
	}
}

func (e *Engine) playNext() {
	if e.pb.playing != nil || e.pb.waitFor != nil || len(e.pb.items) == 0 {
		return
	}
	if e.stopping || e.phase != PhaseActive {
		return
	}

	head := e.pb.items[0]
	gen := e.pb.gen
	if head.delay > 0 {
		e.pb.waitFor = head
		e.pb.timer = e.clock.AfterFunc(head.delay, func() {
			e.post(func() {
				if gen != e.pb.gen || e.pb.waitFor != head {
					return
				}
				e.pb.waitFor = nil
				e.pb.timer = nil
				head.delay = 0
				e.playNext()
			})
		})
		return
	}

	e.pb.items = e.pb.items[1:]
	e.pb.playing = head
	if head.role == backend.RoleQuestion {
		e.enter(StatePlayingQuestionTTS)
	} else {
		e.enter(StatePlayingFeedbackTTS)
	}

	ctx, cancel := context.WithCancel(e.ctx)
	e.pb.cancel = cancel
	player := e.player
	e.spawn(func() func() {
		err := playItemAudio(ctx, player, head)
		return func() { e.onPlaybackDone(gen, head, err) }
	})
}

func playItemAudio(ctx context.Context, player audio.Player, it *playItem) error {
	samples, rate, err := audio.Decode(it.data, it.mimeType)
	if err != nil {
		return fmt.Errorf("decode %s audio: %w", it.role, err)
	}
	if player == nil {
		return nil
	}
	if err := player.Play(ctx, samples, rate); err != nil {
		return fmt.Errorf("play %s audio: %w", it.role, err)
	}
	return nil
}

func (e *Engine) onPlaybackDone(gen int, it *playItem, err error) {
	if gen != e.pb.gen || e.pb.playing != it {
		return
	}
	e.pb.playing = nil
	if e.pb.cancel != nil {
		e.pb.cancel()
		e.pb.cancel = nil
	}

	if err != nil {
		e.metrics.RecordPlayback(it.role, "error")
		log.Errorf("playback: %v", err)
		e.stop(StopOptions{Forced: true, NotifyServer: true, Reason: ReasonTTSFailed, Status: "Could not play audio"})
		return
	}
	e.metrics.RecordPlayback(it.role, "ok")

	switch {
	case it.role == backend.RoleQuestion && it.repeat:
		e.openAnswerWindow()
	default:
		e.enter(StateWaitingTTS)
	}
	e.playNext()
}

// abortPlayback empties the queue and cancels the current item.
func (e *Engine) abortPlayback() {
	e.pb.gen++
	if e.pb.timer != nil {
		e.pb.timer.Stop()
		e.pb.timer = nil
	}
	if e.pb.cancel != nil {
		e.pb.cancel()
		e.pb.cancel = nil
	}
	e.pb.items = nil
	e.pb.playing = nil
	e.pb.waitFor = nil
}
