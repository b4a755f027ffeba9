// Package beep renders short cue tones through an audio.Player.
package beep

import (
	"context"
	"math"
	"sync"
	"time"

	"viva/audio"
	"viva/log"
)

const (
	sampleRate = 44100

	// Ready cue: high pitch, short
	readyFreq   = 1200
	readyVolume = 0.5
	readyDecay  = 60

	// Turn-sent cue: medium pitch, slightly longer
	sentFreq   = 900
	sentVolume = 0.5
	sentDecay  = 40

	// Error cue: low pitch double-beep
	errorFreq   = 350
	errorVolume = 0.6
	errorDecay  = 30
)

type Cue int

const (
	Ready Cue = iota
	Sent
	Error
)

func generateTick(freq, duration, volume, decay float64) []float32 {
	n := int(sampleRate * duration)
	samples := make([]float32, n)
	for i := range samples {
		t := float64(i) / sampleRate
		samples[i] = float32(math.Sin(2*math.Pi*freq*t) * volume * math.Exp(-t*decay))
	}
	return samples
}

func generateDoubleBeep(freq, beepDur, gapDur, volume, decay float64) []float32 {
	beep := generateTick(freq, beepDur, volume, decay)
	gap := make([]float32, int(sampleRate*gapDur))
	out := make([]float32, 0, len(beep)*2+len(gap))
	out = append(out, beep...)
	out = append(out, gap...)
	return append(out, beep...)
}

// Player plays cues without blocking the caller. A nil *Player is a no-op.
type Player struct {
	out      audio.Player
	disabled bool
	mu       sync.Mutex
	sounds   map[Cue][]float32
}

func New(out audio.Player, disabled bool) *Player {
	return &Player{
		out:      out,
		disabled: disabled,
		sounds: map[Cue][]float32{
			Ready: generateTick(readyFreq, 0.05, readyVolume, readyDecay),
			Sent:  generateTick(sentFreq, 0.08, sentVolume, sentDecay),
			Error: generateDoubleBeep(errorFreq, 0.08, 0.05, errorVolume, errorDecay),
		},
	}
}

func (p *Player) Samples(c Cue) []float32 {
	if p == nil {
		return nil
	}
	return p.sounds[c]
}

// Duration is how long c plays, or zero when cues are off.
func (p *Player) Duration(c Cue) time.Duration {
	if p == nil || p.disabled || p.out == nil {
		return 0
	}
	return time.Duration(len(p.sounds[c])) * time.Second / sampleRate
}

// Play renders a cue in the background.
func (p *Player) Play(c Cue) {
	if p == nil || p.disabled || p.out == nil {
		return
	}
	go func() {
		if err := p.PlaySync(context.Background(), c); err != nil {
			log.Warnf("cue playback: %v", err)
		}
	}()
}

// PlaySync renders a cue and waits for it to finish. Cues never overlap.
func (p *Player) PlaySync(ctx context.Context, c Cue) error {
	if p == nil || p.out == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return p.out.Play(ctx, p.sounds[c], sampleRate)
}
