package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"voicechat-backend/internal/conversation"
	"voicechat-backend/internal/middleware"
	"voicechat-backend/internal/models"
	"voicechat-backend/internal/pipeline"
	"voicechat-backend/internal/session"
)

// ClipMIMEType is what both speech providers return.
const ClipMIMEType = "audio/mpeg"

// Publisher fans session events out to live listeners.
type Publisher interface {
	Publish(ctx context.Context, sessionID uuid.UUID, msg models.WSMessage)
	CloseSession(sessionID uuid.UUID)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResp(code, message string, r *http.Request) models.ErrorResponse {
	return models.ErrorResponse{
		Error: models.APIError{
			Code:      code,
			Message:   message,
			RequestID: r.Header.Get(middleware.RequestIDHeader),
		},
	}
}

func errorRespWithFields(code, message string, fields map[string]string, r *http.Request) models.ErrorResponse {
	return models.ErrorResponse{
		Error: models.APIError{
			Code:      code,
			Message:   message,
			Fields:    fields,
			RequestID: r.Header.Get(middleware.RequestIDHeader),
		},
	}
}

// aiErrorMessage is the single message shown for any failed model or speech call.
func aiErrorMessage(err error) string {
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		err = pe.Err
	}
	return fmt.Sprintf("An error occurred: %v", err)
}

func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeJSON(w, http.StatusUnauthorized, errorResp("SESSION_EXPIRED", "Session has ended, start a new one", r))
	case errors.Is(err, session.ErrTurnInProgress):
		writeJSON(w, http.StatusConflict, errorResp("TURN_IN_PROGRESS", "Still answering the previous message", r))
	case pipeline.KindOf(err) == pipeline.ChatRemoteFailure, pipeline.KindOf(err) == pipeline.SynthesisFailure:
		writeJSON(w, http.StatusBadGateway, errorResp("AI_ERROR", aiErrorMessage(err), r))
	default:
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "An unexpected error occurred", r))
	}
}

func turnView(t conversation.Turn, clipID *uuid.UUID) *models.TurnView {
	return &models.TurnView{
		Index:     t.Index,
		Speaker:   t.Speaker.String(),
		Text:      t.Text,
		CreatedAt: t.CreatedAt,
		ClipID:    clipID,
	}
}

func sessionView(s *session.Session) models.SessionResponse {
	turns := s.Conversation.Turns()
	views := make([]models.TurnView, 0, len(turns))
	for _, t := range turns {
		var clipID *uuid.UUID
		if id, ok := s.ClipForTurn(t.Index); ok {
			clipID = &id
		}
		views = append(views, *turnView(t, clipID))
	}
	return models.SessionResponse{
		SessionID:        s.ID,
		FirstInteraction: s.Conversation.FirstInteraction(),
		CreatedAt:        s.CreatedAt,
		Turns:            views,
	}
}

// storeReply keeps synthesized audio for playback and returns its ID.
func storeReply(s *session.Session, turn conversation.Turn, audio []byte) *uuid.UUID {
	if len(audio) == 0 {
		return nil
	}
	id := s.PutClip(turn.Index, ClipMIMEType, audio)
	return &id
}
