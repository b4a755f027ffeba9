package audio

import (
	"context"
	"sync"
	"time"
)

const fakeFrameSize = 1024

// FakeContext feeds prerecorded samples as if they came from a microphone.
type FakeContext struct {
	samples  []float32
	rate     int
	realtime bool

	mu      sync.Mutex
	Inputs  []DeviceInfo
	Outputs []DeviceInfo
	// CaptureErr is returned by NewCapture when set.
	CaptureErr error
	Player     *FakePlayer
	hold       <-chan struct{}
}

func NewFakeContext(wavPath string, realtime bool) (*FakeContext, error) {
	samples, rate, err := LoadWAV(wavPath)
	if err != nil {
		return nil, err
	}
	return NewFakeContextSamples(samples, rate, realtime), nil
}

func NewFakeContextSamples(samples []float32, rate int, realtime bool) *FakeContext {
	return &FakeContext{
		samples:  samples,
		rate:     rate,
		realtime: realtime,
		Inputs:   []DeviceInfo{{ID: "fake-in", Name: "Fake Microphone"}},
		Outputs:  []DeviceInfo{{ID: "fake-out", Name: "Fake Speaker"}},
		Player:   &FakePlayer{},
	}
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DeviceInfo(nil), f.Inputs...), nil
}

func (f *FakeContext) OutputDevices() ([]DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DeviceInfo(nil), f.Outputs...), nil
}

func (f *FakeContext) SetDevices(inputs, outputs []DeviceInfo) {
	f.mu.Lock()
	f.Inputs = inputs
	f.Outputs = outputs
	f.mu.Unlock()
}

func (f *FakeContext) Close() {}

// HoldUntil makes realtime captures deliver silence until ch is closed, so
// the recording starts when the caller is ready to listen.
func (f *FakeContext) HoldUntil(ch <-chan struct{}) {
	f.mu.Lock()
	f.hold = ch
	f.mu.Unlock()
}

func (f *FakeContext) NewCapture(_ *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	f.mu.Lock()
	err, hold := f.CaptureErr, f.hold
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &FakeCapture{samples: f.samples, rate: f.rate, realtime: f.realtime, hold: hold, audioDone: make(chan struct{})}, nil
}

func (f *FakeContext) NewPlayer() (Player, error) {
	return f.Player, nil
}

type FakeCapture struct {
	samples   []float32
	rate      int
	realtime  bool
	hold      <-chan struct{}
	audioDone chan struct{}

	mu       sync.Mutex
	cb       FrameCallback
	stopCh   chan struct{}
	feedDone chan struct{}
}

// AudioDone is closed once every prerecorded sample has been delivered.
func (f *FakeCapture) AudioDone() <-chan struct{} { return f.audioDone }

func (f *FakeCapture) SetCallback(cb FrameCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) callback() FrameCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *FakeCapture) feed(cb FrameCallback, pos int) int {
	end := min(pos+fakeFrameSize, len(f.samples))
	chunk := make([]float32, end-pos)
	copy(chunk, f.samples[pos:end])
	cb(Frame{Samples: chunk, SampleRate: f.rate})
	return end
}

func (f *FakeCapture) Start() error {
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})

	if !f.realtime {
		if cb := f.callback(); cb != nil {
			for pos := 0; pos < len(f.samples); {
				pos = f.feed(cb, pos)
			}
		}
		close(f.audioDone)
		close(f.feedDone)
		return nil
	}

	interval := time.Duration(fakeFrameSize) * time.Second / time.Duration(max(f.rate, 1))
	go func() {
		defer close(f.feedDone)
		pos := 0
		silence := make([]float32, fakeFrameSize)
		finished := false
		hold := f.hold
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-f.stopCh:
				return
			case <-ticker.C:
			}
			cb := f.callback()
			if cb == nil {
				continue
			}
			if hold != nil {
				select {
				case <-hold:
					hold = nil
				default:
					cb(Frame{Samples: silence, SampleRate: f.rate})
					continue
				}
			}
			if pos < len(f.samples) {
				pos = f.feed(cb, pos)
				continue
			}
			if !finished {
				finished = true
				close(f.audioDone)
			}
			cb(Frame{Samples: silence, SampleRate: f.rate})
		}
	}()
	return nil
}

func (f *FakeCapture) Stop() {
	if f.stopCh == nil {
		return
	}
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
	<-f.feedDone
}

func (f *FakeCapture) Close() { f.Stop() }

// FakePlayer records every Play call and returns Err when set.
type FakePlayer struct {
	mu     sync.Mutex
	Played [][]float32
	Rates  []int
	Err    error
}

func (p *FakePlayer) Play(ctx context.Context, samples []float32, sampleRate int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Played = append(p.Played, samples)
	p.Rates = append(p.Rates, sampleRate)
	return ctx.Err()
}

func (p *FakePlayer) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Played)
}

func (p *FakePlayer) Close() {}
