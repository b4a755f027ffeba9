package backend

import (
	"io"
	"strings"
	"testing"
)

func TestSSEReaderParsesFrames(t *testing.T) {
	stream := strings.Join([]string{
		": keepalive",
		"",
		"id: 7",
		"event: stt.final",
		`data: {"text":"hello"}`,
		"",
		"event: tts.error",
		"data: {\"message\":",
		"data: \"boom\"}",
		"",
	}, "\n")
	r := newSSEReader(io.NopCloser(strings.NewReader(stream)))

	ev, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ev.ID != 7 || ev.Type != EventSTTFinal {
		t.Errorf("got id=%d type=%q", ev.ID, ev.Type)
	}
	var stt STTFinal
	if err := ev.Decode(&stt); err != nil || stt.Text != "hello" {
		t.Errorf("decode = %+v, %v", stt, err)
	}

	ev, err = r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ev.ID != 0 {
		t.Errorf("id should reset between frames, got %d", ev.ID)
	}
	var te TTSError
	if err := ev.Decode(&te); err != nil || te.Message != "boom" {
		t.Errorf("multi-line data decode = %+v, %v", te, err)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestSSEReaderCRLFAndTrailingFrame(t *testing.T) {
	stream := "id: 3\r\nevent: session.ready\r\ndata: {}\r\n\r\nid: 4\r\nevent: stt.skipped\r\ndata: {}"
	r := newSSEReader(io.NopCloser(strings.NewReader(stream)))

	ev, err := r.Next()
	if err != nil || ev.ID != 3 || ev.Type != EventSessionReady {
		t.Fatalf("first = %+v, %v", ev, err)
	}
	ev, err = r.Next()
	if err != nil || ev.ID != 4 || ev.Type != EventSTTSkipped {
		t.Fatalf("unterminated frame = %+v, %v", ev, err)
	}
}

func TestSplitSSEField(t *testing.T) {
	tests := []struct {
		line, name, value string
	}{
		{"data: x", "data", "x"},
		{"data:x", "data", "x"},
		{"data:  x", "data", " x"},
		{"retry", "retry", ""},
		{"data: a:b", "data", "a:b"},
	}
	for _, tt := range tests {
		name, value := splitSSEField(tt.line)
		if name != tt.name || value != tt.value {
			t.Errorf("splitSSEField(%q) = %q, %q", tt.line, name, value)
		}
	}
}

func TestFeedbackDisplay(t *testing.T) {
	if got := (FeedbackFinal{Summary: "ok"}).Display(); got != "ok" {
		t.Errorf("Display = %q", got)
	}
	if got := (FeedbackFinal{Raw: []byte(`{"score":1}`)}).Display(); got != `{"score":1}` {
		t.Errorf("Display = %q", got)
	}
}
