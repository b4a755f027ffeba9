package audio

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrUnsupported      = errors.New("audio capture unsupported")
	ErrNoDevice         = errors.New("no input device available")
)

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"tozo", "anker soundcore", "skullcandy",
	"bluetooth", " bt ", " bt)", " bt]",
}

func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Frame is one buffer of mono float samples in [-1, 1].
type Frame struct {
	Samples    []float32
	SampleRate int
}

func (f Frame) Duration() float64 {
	if f.SampleRate <= 0 {
		return 0
	}
	return float64(len(f.Samples)) / float64(f.SampleRate)
}

type FrameCallback func(Frame)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	OutputDevices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	NewPlayer() (Player, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb FrameCallback)
	ClearCallback()
}

// Player renders mono float PCM. Play blocks until the samples have drained
// or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, samples []float32, sampleRate int) error
	Close()
}
