package session

import (
	"time"

	"viva/audio"
	"viva/encoder"
)

type segEvent int

const (
	segNone segEvent = iota
	segStarted
	segFlush
	segTooShort
	segOverrun
)

// segmenter splits microphone frames into answer turns by RMS energy.
// Leading silence is dropped; trailing silence up to the gap is kept.
type segmenter struct {
	threshold float64
	gap       time.Duration
	minTurn   time.Duration
	maxTurn   time.Duration

	active  bool
	window  int
	rate    int
	samples []float32
	total   time.Duration
	speech  time.Duration // total up to the end of the last voiced frame
	silence time.Duration
}

func newSegmenter(cfg Config) segmenter {
	return segmenter{
		threshold: cfg.SilenceThreshold,
		gap:       cfg.SilenceGap,
		minTurn:   cfg.MinTurn,
		maxTurn:   cfg.MaxTurn,
	}
}

func (s *segmenter) reset() {
	s.active = false
	s.samples = nil
	s.total = 0
	s.speech = 0
	s.silence = 0
}

func frameDuration(f audio.Frame) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// segTurn is a completed turn and the answer window it was captured under.
type segTurn struct {
	samples []float32
	rate    int
	window  int
}

// push feeds one frame captured under answer window. On segFlush the
// completed turn is returned and the segmenter is reset.
func (s *segmenter) push(f audio.Frame, window int) (segEvent, *segTurn) {
	voiced := encoder.RMS(f.Samples) >= s.threshold
	d := frameDuration(f)

	if !s.active {
		if !voiced {
			return segNone, nil
		}
		s.active = true
		s.window = window
		s.rate = f.SampleRate
		s.samples = append([]float32(nil), f.Samples...)
		s.total = d
		s.speech = d
		s.silence = 0
		if s.total > s.maxTurn {
			s.reset()
			return segOverrun, nil
		}
		return segStarted, nil
	}

	s.samples = append(s.samples, f.Samples...)
	s.total += d
	if voiced {
		s.silence = 0
		s.speech = s.total
	} else {
		s.silence += d
	}

	if s.total > s.maxTurn {
		s.reset()
		return segOverrun, nil
	}
	if s.silence < s.gap {
		return segNone, nil
	}
	if s.speech < s.minTurn {
		s.reset()
		return segTooShort, nil
	}
	out := &segTurn{samples: s.samples, rate: s.rate, window: s.window}
	s.samples = nil
	s.reset()
	return segFlush, out
}
