package audio

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

type Permission int

const (
	PermissionUnknown Permission = iota
	PermissionGranted
	PermissionDenied
	PermissionUnsupported
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	case PermissionUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// DeviceStatus is a point-in-time view of microphone permission and the
// available devices.
type DeviceStatus struct {
	Permission Permission
	Inputs     []DeviceInfo
	Outputs    []DeviceInfo
}

func (s DeviceStatus) equal(o DeviceStatus) bool {
	return s.Permission == o.Permission &&
		slices.Equal(s.Inputs, o.Inputs) &&
		slices.Equal(s.Outputs, o.Outputs)
}

// Monitor tracks microphone permission and device lists. A nil Context means
// the platform has no capture support.
type Monitor struct {
	ctx Context

	mu     sync.Mutex
	status DeviceStatus
}

func NewMonitor(ctx Context) *Monitor {
	m := &Monitor{ctx: ctx}
	if ctx == nil {
		m.status.Permission = PermissionUnsupported
	}
	return m
}

func (m *Monitor) Status() DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Refresh re-enumerates input and output devices.
func (m *Monitor) Refresh() (DeviceStatus, error) {
	if m.ctx == nil {
		return m.Status(), ErrUnsupported
	}
	inputs, err := m.ctx.Devices()
	if err != nil {
		return m.Status(), fmt.Errorf("listing inputs: %w", err)
	}
	outputs, err := m.ctx.OutputDevices()
	if err != nil {
		return m.Status(), fmt.Errorf("listing outputs: %w", err)
	}

	m.mu.Lock()
	m.status.Inputs = inputs
	m.status.Outputs = outputs
	s := m.status
	m.mu.Unlock()
	return s, nil
}

// Request asks for microphone access by briefly opening a capture stream.
// A denied result is sticky until the next successful Request.
func (m *Monitor) Request(device *DeviceInfo, config CaptureConfig) (Permission, error) {
	if m.ctx == nil {
		return PermissionUnsupported, ErrUnsupported
	}

	perm := PermissionGranted
	var reqErr error
	capture, err := m.ctx.NewCapture(device, config)
	if err == nil {
		err = capture.Start()
		if err == nil {
			capture.Stop()
		}
		capture.Close()
	}
	if err != nil {
		switch {
		case errors.Is(err, ErrUnsupported):
			perm = PermissionUnsupported
		default:
			perm = PermissionDenied
		}
		reqErr = fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		if perm == PermissionUnsupported {
			reqErr = err
		}
	}

	m.mu.Lock()
	m.status.Permission = perm
	m.mu.Unlock()

	if _, err := m.Refresh(); err != nil && reqErr == nil {
		reqErr = err
	}
	return perm, reqErr
}

// Watch polls devices until ctx is done and calls onChange whenever the
// status differs from the previous poll.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, onChange func(DeviceStatus)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := m.Status()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s, err := m.Refresh()
		if err != nil {
			continue
		}
		if !s.equal(last) {
			last = s
			onChange(s)
		}
	}
}
