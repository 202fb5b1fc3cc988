package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"voicechat-backend/internal/middleware"
	"voicechat-backend/internal/models"
)

const (
	msgConversationStarted = "Conversation started!"
	msgThanksForFeedback   = "Thank you for your feedback!"

	maxCommentLen = 2000
)

type FeedbackStore interface {
	Create(ctx context.Context, f *models.Feedback) error
}

type FeedbackHandler struct {
	store  FeedbackStore
	logger *zap.Logger
}

// NewFeedbackHandler accepts a nil store; ratings are then only logged.
func NewFeedbackHandler(store FeedbackStore, logger *zap.Logger) *FeedbackHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedbackHandler{store: store, logger: logger}
}

func (h *FeedbackHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req models.FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	sessionID := middleware.GetSessionID(r.Context())

	switch req.Action {
	case models.FeedbackStartConversation:
		h.logger.Info("conversation started", zap.String("session_id", sessionID.String()))
		writeJSON(w, http.StatusOK, models.FeedbackResponse{Message: msgConversationStarted})

	case models.FeedbackRating:
		if req.Rating == 0 {
			req.Rating = 5
		}
		req.Comment = strings.TrimSpace(req.Comment)

		fields := map[string]string{}
		if req.Rating < 1 || req.Rating > 5 {
			fields["rating"] = "must be between 1 and 5"
		}
		if len(req.Comment) > maxCommentLen {
			fields["comment"] = "too long"
		}
		if len(fields) > 0 {
			writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed", fields, r))
			return
		}

		fb := &models.Feedback{SessionID: sessionID, Rating: req.Rating, Comment: req.Comment}
		h.logger.Info("feedback received",
			zap.String("session_id", sessionID.String()),
			zap.Int("rating", fb.Rating),
		)
		if h.store != nil {
			if err := h.store.Create(r.Context(), fb); err != nil {
				h.logger.Error("failed to store feedback", zap.String("session_id", sessionID.String()), zap.Error(err))
				writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "An unexpected error occurred", r))
				return
			}
		}
		writeJSON(w, http.StatusOK, models.FeedbackResponse{Message: msgThanksForFeedback})

	default:
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Unknown feedback action",
			map[string]string{"action": "must be start_conversation or rating"}, r))
	}
}
