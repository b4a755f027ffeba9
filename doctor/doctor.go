package doctor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"viva/audio"
	"viva/backend"
	"viva/beep"
	"viva/clipboard"
	"viva/encoder"
)

// Options selects what the checks run against. Nil fields fall back to the
// real audio stack and the process's standard streams.
type Options struct {
	APIURL   string
	APIToken string
	Device   string
	Audio    audio.Context
	In       io.Reader
	Out      io.Writer
	// RecordFor is how long the microphone check listens.
	RecordFor time.Duration
}

type checker struct {
	opts   Options
	out    io.Writer
	in     *bufio.Reader
	actx   audio.Context
	device *audio.DeviceInfo
}

// Run executes the diagnostic checks and returns an exit code (0=all pass, 1=any fail).
func Run(opts Options) int {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.In == nil {
		opts.In = os.Stdin
		resetTerminal()
		setupInterruptHandler()
	}
	if opts.RecordFor == 0 {
		opts.RecordFor = 3 * time.Second
	}
	c := &checker{opts: opts, out: opts.Out, in: bufio.NewReader(opts.In)}

	c.printf("viva doctor - system diagnostics\n")
	c.printf("================================\n")

	allPass := c.checkBackend()
	if c.checkMicrophone() {
		if !c.checkRecording() {
			allPass = false
		}
	} else {
		allPass = false
	}
	if !c.checkPlayback() {
		allPass = false
	}
	c.checkClipboard()
	if c.actx != nil && opts.Audio == nil {
		c.actx.Close()
	}

	c.printf("\n")
	if allPass {
		c.printf("All checks passed!\n")
		return 0
	}
	c.printf("Some checks failed. See details above.\n")
	return 1
}

func (c *checker) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *checker) confirm(prompt string) bool {
	c.printf("%s [y/n]: ", prompt)
	answer, _ := c.in.ReadString('\n')
	answer = strings.TrimSpace(strings.ToLower(answer))
	return answer == "y" || answer == "yes"
}

func (c *checker) checkBackend() bool {
	c.printf("\n[1/5] Backend\n")
	if c.opts.APIURL == "" {
		c.printf("  FAIL: no api url configured (VIVA_API_URL or -api)\n")
		return false
	}
	if c.opts.APIToken == "" {
		c.printf("  Warning: VIVA_API_TOKEN is not set\n")
	}
	client := backend.NewClient(c.opts.APIURL, c.opts.APIToken)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := client.Ping(ctx)
	if err != nil {
		c.printf("  FAIL: %s unreachable: %v\n", c.opts.APIURL, err)
		return false
	}
	c.printf("  PASS: %s reachable (dns %.0fms, connect %.0fms, tls %.0fms, first byte %.0fms)\n",
		c.opts.APIURL, m.DNSTimeMs, m.ConnTimeMs, m.TLSTimeMs, m.TTFBMs)
	return true
}

func (c *checker) checkMicrophone() bool {
	c.printf("\n[2/5] Microphone permission and devices\n")
	actx := c.opts.Audio
	if actx == nil {
		var err error
		actx, err = audio.NewContext()
		if err != nil {
			c.printf("  FAIL: cannot connect to audio: %v\n", err)
			return false
		}
	}
	c.actx = actx

	devices, err := actx.Devices()
	if err != nil {
		c.printf("  FAIL: cannot list devices: %v\n", err)
		return false
	}
	if len(devices) == 0 {
		c.printf("  FAIL: no capture devices found\n")
		return false
	}
	for _, d := range devices {
		note := ""
		if audio.IsBluetooth(d.Name) {
			note = " (bluetooth)"
		}
		c.printf("  - %s%s\n", d.Name, note)
	}
	if c.opts.Device != "" {
		c.device, err = audio.FindDevice(devices, c.opts.Device)
		if err != nil {
			c.printf("  FAIL: %v\n", err)
			return false
		}
	}

	mon := audio.NewMonitor(actx)
	perm, err := mon.Request(c.device, audio.CaptureConfig{SampleRate: encoder.SampleRate, Channels: encoder.Channels})
	if err != nil {
		c.printf("  FAIL: microphone %s: %v\n", perm, err)
		return false
	}
	c.printf("  PASS: microphone access %s\n", perm)
	return true
}

func (c *checker) checkRecording() bool {
	c.printf("\n[3/5] Recording level\n")
	c.printf("Speak for %s...\n", c.opts.RecordFor)

	samples, err := record(c.actx, c.device, c.opts.RecordFor)
	if err != nil {
		c.printf("  FAIL: recording error: %v\n", err)
		return false
	}
	if len(samples) == 0 {
		c.printf("  FAIL: no audio captured\n")
		return false
	}
	level := encoder.RMS(samples)
	c.printf("  Captured %.1fs, rms %.4f\n", float64(len(samples))/encoder.SampleRate, level)
	if level < 0.01 {
		c.printf("  FAIL: input level below the voice threshold; check the microphone gain\n")
		return false
	}
	c.printf("  PASS: voice detected\n")
	return true
}

func record(actx audio.Context, device *audio.DeviceInfo, d time.Duration) ([]float32, error) {
	var (
		mu      sync.Mutex
		samples []float32
	)
	capture, err := actx.NewCapture(device, audio.CaptureConfig{SampleRate: encoder.SampleRate, Channels: encoder.Channels})
	if err != nil {
		return nil, err
	}
	defer capture.Close()

	capture.SetCallback(func(f audio.Frame) {
		mu.Lock()
		samples = append(samples, f.Samples...)
		mu.Unlock()
	})
	if err := capture.Start(); err != nil {
		return nil, err
	}
	time.Sleep(d)
	capture.ClearCallback()
	capture.Stop()

	mu.Lock()
	defer mu.Unlock()
	return samples, nil
}

func (c *checker) checkPlayback() bool {
	c.printf("\n[4/5] Speaker\n")
	if c.actx == nil {
		c.printf("  SKIP: no audio context\n")
		return false
	}
	outputs, err := c.actx.OutputDevices()
	if err == nil && len(outputs) > 0 {
		c.printf("  Default output: %s\n", outputs[0].Name)
	}
	player, err := c.actx.NewPlayer()
	if err != nil {
		c.printf("  FAIL: cannot open output: %v\n", err)
		return false
	}
	defer player.Close()

	cues := beep.New(player, false)
	for _, cue := range []beep.Cue{beep.Ready, beep.Sent} {
		if err := cues.PlaySync(context.Background(), cue); err != nil {
			c.printf("  FAIL: playback error: %v\n", err)
			return false
		}
		time.Sleep(200 * time.Millisecond)
	}
	if !c.confirm("Did you hear two ticks?") {
		c.printf("  FAIL: cue tones not confirmed\n")
		return false
	}
	c.printf("  PASS: playback verified by user\n")
	return true
}

// checkClipboard only warns; copying feedback is optional.
func (c *checker) checkClipboard() {
	c.printf("\n[5/5] Clipboard\n")
	if !clipboard.Available() {
		c.printf("  Warning: no clipboard utility found, feedback copy is disabled\n")
		return
	}
	prev, _ := clipboard.Read()
	const probe = "viva-doctor-test"
	if err := clipboard.Copy(probe); err != nil {
		c.printf("  Warning: copy failed: %v\n", err)
		return
	}
	got, err := clipboard.Read()
	if prev != "" {
		clipboard.Copy(prev)
	}
	if err != nil || got != probe {
		c.printf("  Warning: clipboard read back %q (err %v)\n", got, err)
		return
	}
	c.printf("  PASS: clipboard copy works\n")
}
