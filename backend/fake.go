package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Fake is an in-memory API for tests. Scripted failures are consumed in
// order; an empty script means success.
type Fake struct {
	mu sync.Mutex

	VoiceSessionID string
	OpenErr        error
	SendErrs       []error
	RecoverErrs    []error
	OpenEventsErrs []error
	// HangOpenEvents makes that many OpenEvents calls block until their
	// context ends, like a server that never sends response headers.
	HangOpenEvents int
	Snapshot       RecoverySnapshot

	Opened   []OpenRequest
	Chunks   []AudioChunk
	Stops    []StopRequest
	Recovers []int64
	Streams  []*FakeStream
	// ReplayFrom records the replay id of every OpenEvents call.
	ReplayFrom []int64
}

func NewFake() *Fake {
	return &Fake{VoiceSessionID: "vs-1"}
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *Fake) OpenSession(_ context.Context, req OpenRequest) (OpenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Opened = append(f.Opened, req)
	if f.OpenErr != nil {
		return OpenResponse{}, f.OpenErr
	}
	return OpenResponse{VoiceSessionID: f.VoiceSessionID}, nil
}

func (f *Fake) SendAudioChunk(ctx context.Context, _ string, chunk AudioChunk) (ChunkAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Chunks = append(f.Chunks, chunk)
	if err := pop(&f.SendErrs); err != nil {
		return ChunkAck{}, err
	}
	if err := ctx.Err(); err != nil {
		return ChunkAck{}, err
	}
	return ChunkAck{Accepted: true, Sequence: chunk.Sequence}, nil
}

func (f *Fake) StopSession(_ context.Context, _ string, req StopRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Stops = append(f.Stops, req)
	return nil
}

func (f *Fake) RecoverSession(_ context.Context, _ string, lastSeen int64) (RecoverySnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Recovers = append(f.Recovers, lastSeen)
	if err := pop(&f.RecoverErrs); err != nil {
		return RecoverySnapshot{}, err
	}
	return f.Snapshot, nil
}

func (f *Fake) OpenEvents(ctx context.Context, _ string, replayFrom int64) (EventStream, error) {
	f.mu.Lock()
	f.ReplayFrom = append(f.ReplayFrom, replayFrom)
	if f.HangOpenEvents > 0 {
		f.HangOpenEvents--
		f.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer f.mu.Unlock()
	if err := pop(&f.OpenEventsErrs); err != nil {
		return nil, err
	}
	s := NewFakeStream()
	f.Streams = append(f.Streams, s)
	return s, nil
}

func (f *Fake) SentSequences() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.Chunks))
	for i, c := range f.Chunks {
		out[i] = c.Sequence
	}
	return out
}

func (f *Fake) StopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Stops)
}

// FakeStream is an EventStream fed by Push.
type FakeStream struct {
	ch        chan Event
	closeOnce sync.Once
	done      chan struct{}
	mu        sync.Mutex
	err       error
}

func NewFakeStream() *FakeStream {
	return &FakeStream{ch: make(chan Event, 64), done: make(chan struct{})}
}

func (s *FakeStream) Push(ev Event) {
	select {
	case s.ch <- ev:
	case <-s.done:
	}
}

// Fail ends the stream with err (io.EOF for a clean server close).
func (s *FakeStream) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.Close()
}

func (s *FakeStream) Next() (Event, error) {
	select {
	case ev := <-s.ch:
		return ev, nil
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return Event{}, s.err
		}
		return Event{}, ErrStreamClosed
	}
}

func (s *FakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *FakeStream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// NewEvent builds an Event with a JSON payload.
func NewEvent(id int64, typ string, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("backend: marshal %s payload: %v", typ, err))
	}
	return Event{ID: id, Type: typ, Data: data}
}
