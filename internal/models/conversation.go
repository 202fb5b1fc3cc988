package models

import (
	"time"

	"github.com/google/uuid"
)

type TurnView struct {
	Index     int        `json:"index"`
	Speaker   string     `json:"speaker"` // "user" | "model"
	Text      string     `json:"text"`
	CreatedAt time.Time  `json:"created_at"`
	ClipID    *uuid.UUID `json:"clip_id,omitempty"`
}

type SessionResponse struct {
	SessionID        uuid.UUID  `json:"session_id"`
	Token            string     `json:"token,omitempty"`
	FirstInteraction bool       `json:"first_interaction"`
	CreatedAt        time.Time  `json:"created_at"`
	Turns            []TurnView `json:"turns"`
	AudioError       string     `json:"audio_error,omitempty"`
}

// TurnResult is the outcome of one audio event.
type TurnResult struct {
	UserTurn             *TurnView `json:"user_turn,omitempty"`
	ModelTurn            *TurnView `json:"model_turn,omitempty"`
	TranscriptionFailure string    `json:"transcription_failure,omitempty"` // "unintelligible" | "service_unavailable"
	ClipDurationSeconds  float64   `json:"clip_duration_seconds"`
}

const (
	FeedbackStartConversation = "start_conversation"
	FeedbackRating            = "rating"
)

type FeedbackRequest struct {
	Action  string `json:"action"`
	Rating  int    `json:"rating,omitempty"` // 1-5, defaults to 5
	Comment string `json:"comment,omitempty"`
}

type FeedbackResponse struct {
	Message string `json:"message"`
}

type Feedback struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

// WSMessage is pushed to a session's websocket connections.
type WSMessage struct {
	Type string      `json:"type"` // "turn" | "error" | "session_ended"
	Data interface{} `json:"data"`
}

// WSError carries the fallback message shown when a turn fails partway.
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
