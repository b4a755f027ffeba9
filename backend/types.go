package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Push event types delivered on a voice session's event stream.
const (
	EventSessionReady   = "session.ready"
	EventSTTFinal       = "stt.final"
	EventSTTSkipped     = "stt.skipped"
	EventQuestionPrompt = "question.prompt"
	EventFeedbackFinal  = "feedback.final"
	EventTTSAudio       = "tts.audio"
	EventTTSError       = "tts.error"
	EventSessionStopped = "session.stopped"
	EventSessionError   = "session.error"
)

const (
	RoleQuestion = "question"
	RoleFeedback = "feedback"
)

var ErrStreamClosed = errors.New("event stream closed")

// API is the voice session backend.
type API interface {
	OpenSession(ctx context.Context, req OpenRequest) (OpenResponse, error)
	SendAudioChunk(ctx context.Context, voiceSessionID string, chunk AudioChunk) (ChunkAck, error)
	StopSession(ctx context.Context, voiceSessionID string, req StopRequest) error
	RecoverSession(ctx context.Context, voiceSessionID string, lastSeenEventID int64) (RecoverySnapshot, error)
	OpenEvents(ctx context.Context, voiceSessionID string, replayFromEventID int64) (EventStream, error)
}

// EventStream yields events in server order. Next returns io.EOF when the
// server closes the stream cleanly.
type EventStream interface {
	Next() (Event, error)
	Close() error
}

type OpenRequest struct {
	SessionID        string `json:"sessionId"`
	FeedbackModel    string `json:"feedbackModel,omitempty"`
	FeedbackLanguage string `json:"feedbackLanguage,omitempty"`
	STTModel         string `json:"sttModel,omitempty"`
	TTSModel         string `json:"ttsModel,omitempty"`
	TTSVoice         string `json:"ttsVoice,omitempty"`
}

type OpenResponse struct {
	VoiceSessionID string `json:"voiceSessionId"`
}

type AudioChunk struct {
	PCM16Base64 string `json:"pcm16Base64"`
	SampleRate  int    `json:"sampleRate"`
	Sequence    int    `json:"sequence"`
}

type ChunkAck struct {
	Accepted bool `json:"accepted"`
	Sequence int  `json:"sequence"`
}

type StopRequest struct {
	Forced bool   `json:"forced"`
	Reason string `json:"reason,omitempty"`
}

type Question struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type RecoverySnapshot struct {
	CurrentQuestion           *Question `json:"currentQuestion,omitempty"`
	LastAcceptedChunkSequence int       `json:"lastAcceptedChunkSequence"`
	LatestEventID             int64     `json:"latestEventId"`
	ReplayFromEventID         *int64    `json:"replayFromEventId,omitempty"`
	Stopped                   bool      `json:"stopped"`
	StopReason                string    `json:"stopReason,omitempty"`
	GapDetected               bool      `json:"gapDetected"`
}

// Event is one server push. ID is zero when the frame carried no id.
type Event struct {
	ID   int64
	Type string
	Data json.RawMessage
}

func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w", e.Type, err)
	}
	return nil
}

type STTFinal struct {
	Text string `json:"text"`
}

type STTSkipped struct {
	Reason string `json:"reason,omitempty"`
}

type QuestionPrompt struct {
	Question  Question        `json:"question"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

// FeedbackFinal keeps the opaque payload alongside the fields the client
// displays.
type FeedbackFinal struct {
	Text    string          `json:"text,omitempty"`
	Summary string          `json:"summary,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

func (f FeedbackFinal) Display() string {
	if f.Text != "" {
		return f.Text
	}
	if f.Summary != "" {
		return f.Summary
	}
	return string(f.Raw)
}

type TTSAudio struct {
	Role     string `json:"role"`
	Audio    string `json:"audio"`
	MIMEType string `json:"mimeType"`
	Sequence *int   `json:"sequence,omitempty"`
}

type TTSError struct {
	Message string `json:"message"`
}

type SessionStopped struct {
	Reason string `json:"reason"`
}

type SessionError struct {
	Message string `json:"message"`
}
