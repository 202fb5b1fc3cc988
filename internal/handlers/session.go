package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"voicechat-backend/internal/middleware"
	"voicechat-backend/internal/pipeline"
	"voicechat-backend/internal/session"
)

type SessionHandler struct {
	sessions  *session.Manager
	pipeline  *pipeline.Pipeline
	auth      *middleware.SessionAuth
	publisher Publisher
	logger    *zap.Logger
}

func NewSessionHandler(sessions *session.Manager, p *pipeline.Pipeline, auth *middleware.SessionAuth, publisher Publisher, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{sessions: sessions, pipeline: p, auth: auth, publisher: publisher, logger: logger}
}

// Create opens a session and voices the greeting. A greeting that could not
// be synthesized is still part of the conversation; the failure is reported
// in audio_error and the session is usable.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	s := h.sessions.Create()

	token, err := h.auth.GenerateToken(s.ID)
	if err != nil {
		h.sessions.End(s.ID)
		h.logger.Error("failed to sign session token", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "An unexpected error occurred", r))
		return
	}

	res, greetErr := h.pipeline.Greet(r.Context(), s.Conversation)
	if greetErr == nil && res != nil {
		storeReply(s, res.ModelTurn, res.Audio)
	}

	resp := sessionView(s)
	resp.Token = token
	if greetErr != nil {
		h.logger.Warn("greeting synthesis failed",
			zap.String("session_id", s.ID.String()),
			zap.String("request_id", r.Header.Get(middleware.RequestIDHeader)),
			zap.Error(greetErr),
		)
		resp.AudioError = aiErrorMessage(greetErr)
	}

	writeJSON(w, http.StatusCreated, resp)
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	s := middleware.GetSession(r.Context())
	if s == nil {
		handleServiceError(w, r, session.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(s))
}

// End discards the session and its conversation.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	id := middleware.GetSessionID(r.Context())
	if err := h.sessions.End(id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	if h.publisher != nil {
		h.publisher.CloseSession(id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Session ended"})
}
