// Package session drives one spoken practice session: microphone turns go
// up to the backend, push events come back, and synthesized speech is played
// in order.
package session

import "fmt"

// State is the engine's interaction state.
//
// Transitions:
//
//	IDLE ──open──→ WAITING_TTS ──item starts──→ PLAYING_QUESTION_TTS | PLAYING_FEEDBACK_TTS
//	PLAYING_QUESTION_TTS ──repeat ends──→ READY_FOR_ANSWER ──voice──→ CAPTURING_ANSWER
//	CAPTURING_ANSWER ──silence flush──→ WAITING_TTS
//	any active ──stream lost──→ RECOVERING ──→ READY_FOR_ANSWER | WAITING_TTS | PLAYING_*
//	any ──stop──→ STOPPING ──→ IDLE
type State int

const (
	StateIdle State = iota
	StateWaitingTTS
	StatePlayingQuestionTTS
	StatePlayingFeedbackTTS
	StateReadyForAnswer
	StateCapturingAnswer
	StateRecovering
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateWaitingTTS:
		return "WAITING_TTS"
	case StatePlayingQuestionTTS:
		return "PLAYING_QUESTION_TTS"
	case StatePlayingFeedbackTTS:
		return "PLAYING_FEEDBACK_TTS"
	case StateReadyForAnswer:
		return "READY_FOR_ANSWER"
	case StateCapturingAnswer:
		return "CAPTURING_ANSWER"
	case StateRecovering:
		return "RECOVERING"
	case StateStopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// AcceptsAudio reports whether microphone frames are segmented in this state.
func (s State) AcceptsAudio() bool {
	return s == StateReadyForAnswer || s == StateCapturingAnswer
}

func (s State) Playing() bool {
	return s == StatePlayingQuestionTTS || s == StatePlayingFeedbackTTS
}

// Phase is the lifecycle of the voice session itself.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseActive
	PhaseStopping
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseActive:
		return "active"
	case PhaseStopping:
		return "stopping"
	default:
		return fmt.Sprintf("unknown(%d)", p)
	}
}

// Stop reasons sent to the backend and reported to listeners.
const (
	ReasonUserStop             = "user_stop"
	ReasonTurnDurationExceeded = "turn_duration_exceeded"
	ReasonUploadFailed         = "audio_chunk_upload_failed"
	ReasonTTSFailed            = "tts_failed"
	ReasonReconnectFailed      = "reconnect_failed"
	ReasonServerStopped        = "server_stopped"
	ReasonServerError          = "server_error"
	ReasonDeviceLost           = "device_lost"
	ReasonCaptureFailed        = "capture_failed"
)
