package beep

import (
	"context"
	"testing"
	"time"

	"viva/audio"
)

func TestCueShapes(t *testing.T) {
	p := New(nil, false)
	ready := p.Samples(Ready)
	if len(ready) != int(sampleRate*0.05) {
		t.Errorf("ready cue len = %d", len(ready))
	}
	for i, s := range p.Samples(Error) {
		if s > 1 || s < -1 {
			t.Fatalf("sample %d out of range: %v", i, s)
		}
	}
	if len(p.Samples(Error)) <= 2*len(generateTick(errorFreq, 0.08, errorVolume, errorDecay)) {
		t.Error("error cue should contain a gap between beeps")
	}
}

func TestPlaySyncUsesPlayer(t *testing.T) {
	fp := &audio.FakePlayer{}
	p := New(fp, false)
	if err := p.PlaySync(context.Background(), Sent); err != nil {
		t.Fatal(err)
	}
	if fp.Count() != 1 {
		t.Fatalf("played %d cues, want 1", fp.Count())
	}
	if fp.Rates[0] != sampleRate {
		t.Errorf("rate = %d, want %d", fp.Rates[0], sampleRate)
	}
}

func TestNilPlayerIsNoop(t *testing.T) {
	var p *Player
	p.Play(Ready)
	if err := p.PlaySync(context.Background(), Ready); err != nil {
		t.Fatal(err)
	}
}

func TestDuration(t *testing.T) {
	if d := New(&audio.FakePlayer{}, false).Duration(Ready); d != 50*time.Millisecond {
		t.Errorf("ready duration = %s, want 50ms", d)
	}
	if d := New(&audio.FakePlayer{}, true).Duration(Ready); d != 0 {
		t.Errorf("disabled duration = %s", d)
	}
	var p *Player
	if p.Duration(Error) != 0 {
		t.Error("nil player should report zero")
	}
}
