package session

import (
	"errors"
	"time"
)

// Config holds the session parameters sent to the backend and the engine's
// timing tunables.
type Config struct {
	SessionID        string
	FeedbackModel    string
	FeedbackLanguage string
	STTModel         string
	TTSModel         string
	TTSVoice         string

	SampleRate int

	// Voice activity
	SilenceThreshold float64
	SilenceGap       time.Duration
	MinTurn          time.Duration
	MaxTurn          time.Duration

	// Upload
	UploadTimeout     time.Duration
	UploadBackoffBase time.Duration
	UploadBackoffMax  time.Duration
	UploadMaxRetries  uint64

	// Reconnect
	ReconnectAttempts    uint64
	ReconnectBackoffBase time.Duration
	ReconnectBackoffMax  time.Duration
	RecoverTimeout       time.Duration
	// ReconnectSettle is how long a reopened stream must stay up, absent any
	// event, before a later drop starts a fresh run of attempts.
	ReconnectSettle      time.Duration

	QuestionRepeatDelay time.Duration
	StopTimeout         time.Duration

	// ArchiveDir, when set, receives a FLAC copy of every uploaded turn.
	ArchiveDir string
}

func DefaultConfig() Config {
	return Config{
		SampleRate: 16000,

		SilenceThreshold: 0.01,
		SilenceGap:       1500 * time.Millisecond,
		MinTurn:          300 * time.Millisecond,
		MaxTurn:          150 * time.Second,

		UploadTimeout:     10 * time.Second,
		UploadBackoffBase: 500 * time.Millisecond,
		UploadBackoffMax:  4 * time.Second,
		UploadMaxRetries:  3,

		ReconnectAttempts:    4,
		ReconnectBackoffBase: time.Second,
		ReconnectBackoffMax:  8 * time.Second,
		RecoverTimeout:       10 * time.Second,
		ReconnectSettle:      10 * time.Second,

		QuestionRepeatDelay: 3000 * time.Millisecond,
		StopTimeout:         5 * time.Second,
	}
}

func (c Config) Validate() error {
	switch {
	case c.SessionID == "":
		return errors.New("session id is required")
	case c.SampleRate <= 0:
		return errors.New("sample rate must be positive")
	case c.SilenceGap <= 0 || c.MaxTurn <= c.MinTurn:
		return errors.New("invalid turn timing")
	case c.ReconnectAttempts == 0:
		return errors.New("reconnect attempts must be at least 1")
	}
	return nil
}
