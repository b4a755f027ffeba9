package backend

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"viva/encoder"
)

const testToneRate = 16000

// TestServer is a scripted practice backend speaking the real HTTP and SSE
// protocol. Each accepted answer produces a transcript, feedback and the next
// question; the session stops after the last question.
type TestServer struct {
	*httptest.Server

	Questions []Question
	Keepalive time.Duration

	mu       sync.Mutex
	sessions map[string]*testSession
	nextID   int
}

type testSession struct {
	mu           sync.Mutex
	events       []Event
	subs         map[chan Event]struct{}
	chunks       []AudioChunk
	lastAccepted int
	questionIdx  int
	stopped      bool
	stopReason   string
	ttsSeq       int
}

func NewTestServer(questions []Question) *TestServer {
	if len(questions) == 0 {
		questions = []Question{
			{ID: "q1", Text: "Describe the last project you worked on."},
			{ID: "q2", Text: "What would you do differently next time?"},
		}
	}
	ts := &TestServer{
		Questions: questions,
		Keepalive: 15 * time.Second,
		sessions:  make(map[string]*testSession),
	}
	ts.Server = httptest.NewServer(http.HandlerFunc(ts.handle))
	return ts
}

func (ts *TestServer) session(id string) *testSession {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.sessions[id]
}

// Chunks returns every audio chunk received for a voice session.
func (ts *TestServer) Chunks(voiceSessionID string) []AudioChunk {
	s := ts.session(voiceSessionID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AudioChunk(nil), s.chunks...)
}

// Disconnect drops every open event stream of a voice session.
func (ts *TestServer) Disconnect(voiceSessionID string) {
	s := ts.session(voiceSessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
}

func (ts *TestServer) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	parts := strings.Split(path, "/")

	switch {
	case r.Method == http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPost && path == "voice/sessions":
		ts.handleOpen(w, r)
	case len(parts) == 4 && parts[0] == "voice" && parts[1] == "sessions":
		s := ts.session(parts[2])
		if s == nil {
			http.Error(w, `{"error":"unknown voice session"}`, http.StatusNotFound)
			return
		}
		switch parts[3] {
		case "events":
			ts.handleEvents(w, r, s)
		case "audio":
			ts.handleAudio(w, r, s)
		case "stop":
			ts.handleStop(w, r, s)
		case "recover":
			ts.handleRecover(w, r, s)
		default:
			http.NotFound(w, r)
		}
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (ts *TestServer) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		http.Error(w, `{"error":"sessionId required"}`, http.StatusBadRequest)
		return
	}
	ts.mu.Lock()
	ts.nextID++
	id := fmt.Sprintf("vs-%d", ts.nextID)
	s := &testSession{subs: make(map[chan Event]struct{})}
	ts.sessions[id] = s
	ts.mu.Unlock()

	s.mu.Lock()
	s.emit(EventSessionReady, map[string]string{"voiceSessionId": id})
	ts.askLocked(s)
	s.mu.Unlock()

	writeJSON(w, OpenResponse{VoiceSessionID: id})
}

func (s *testSession) emit(typ string, payload any) {
	ev := NewEvent(int64(len(s.events)+1), typ, payload)
	s.events = append(s.events, ev)
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func tone(freq float64, seconds float64) []byte {
	samples := make([]float32, int(testToneRate*seconds))
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*freq*float64(i)/testToneRate))
	}
	return encoder.FloatToPCM16(samples)
}

func (s *testSession) speak(role string, freq float64) {
	s.ttsSeq++
	seq := s.ttsSeq
	s.emit(EventTTSAudio, TTSAudio{
		Role:     role,
		Audio:    encoder.EncodeBase64(tone(freq, 0.2)),
		MIMEType: "audio/pcm;rate=" + strconv.Itoa(testToneRate),
		Sequence: &seq,
	})
}

func (ts *TestServer) askLocked(s *testSession) {
	if s.questionIdx >= len(ts.Questions) {
		s.stopped = true
		s.stopReason = "completed"
		s.emit(EventSessionStopped, SessionStopped{Reason: "completed"})
		return
	}
	q := ts.Questions[s.questionIdx]
	s.emit(EventQuestionPrompt, QuestionPrompt{Question: q})
	s.speak(RoleQuestion, 660)
}

func (ts *TestServer) handleEvents(w http.ResponseWriter, r *http.Request, s *testSession) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	var replayFrom int64
	if v := r.URL.Query().Get("replayFromEventId"); v != "" {
		replayFrom, _ = strconv.ParseInt(v, 10, 64)
	} else if v := r.Header.Get("Last-Event-ID"); v != "" {
		replayFrom, _ = strconv.ParseInt(v, 10, 64)
	}

	ch := make(chan Event, 64)
	s.mu.Lock()
	backlog := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		if ev.ID > replayFrom {
			backlog = append(backlog, ev)
		}
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	write := func(ev Event) {
		fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
		flusher.Flush()
	}
	for _, ev := range backlog {
		write(ev)
	}
	flusher.Flush()

	keepalive := time.NewTicker(ts.Keepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			write(ev)
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (ts *TestServer) handleAudio(w http.ResponseWriter, r *http.Request, s *testSession) {
	var chunk AudioChunk
	if err := json.NewDecoder(r.Body).Decode(&chunk); err != nil {
		http.Error(w, `{"error":"bad chunk"}`, http.StatusBadRequest)
		return
	}
	pcm, err := encoder.DecodeBase64(chunk.PCM16Base64)
	if err != nil || chunk.SampleRate <= 0 {
		http.Error(w, `{"error":"bad audio"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		http.Error(w, `{"error":"session stopped"}`, http.StatusConflict)
		return
	}
	if chunk.Sequence <= s.lastAccepted {
		writeJSON(w, ChunkAck{Accepted: true, Sequence: chunk.Sequence})
		return
	}
	s.chunks = append(s.chunks, chunk)
	s.lastAccepted = chunk.Sequence

	secs := encoder.PCMDuration(pcm, chunk.SampleRate)
	s.emit(EventSTTFinal, STTFinal{Text: fmt.Sprintf("answer %d (%.1fs)", chunk.Sequence, secs)})
	s.emit(EventFeedbackFinal, map[string]any{"text": fmt.Sprintf("Feedback on answer %d.", chunk.Sequence), "score": 3})
	s.speak(RoleFeedback, 440)
	s.questionIdx++
	ts.askLocked(s)

	writeJSON(w, ChunkAck{Accepted: true, Sequence: chunk.Sequence})
}

func (ts *TestServer) handleStop(w http.ResponseWriter, r *http.Request, s *testSession) {
	var req StopRequest
	json.NewDecoder(r.Body).Decode(&req)
	s.mu.Lock()
	s.stopped = true
	s.stopReason = req.Reason
	s.mu.Unlock()
	writeJSON(w, map[string]bool{"ok": true})
}

func (ts *TestServer) handleRecover(w http.ResponseWriter, r *http.Request, s *testSession) {
	var in struct {
		LastSeenEventID int64 `json:"lastSeenEventId"`
	}
	json.NewDecoder(r.Body).Decode(&in)

	s.mu.Lock()
	defer s.mu.Unlock()
	snap := RecoverySnapshot{
		LastAcceptedChunkSequence: s.lastAccepted,
		LatestEventID:             int64(len(s.events)),
		Stopped:                   s.stopped,
		StopReason:                s.stopReason,
	}
	replay := in.LastSeenEventID
	snap.ReplayFromEventID = &replay
	if s.questionIdx < len(ts.Questions) {
		q := ts.Questions[s.questionIdx]
		snap.CurrentQuestion = &q
	}
	writeJSON(w, snap)
}
