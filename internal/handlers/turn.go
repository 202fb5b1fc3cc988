package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"voicechat-backend/internal/audio"
	"voicechat-backend/internal/metrics"
	"voicechat-backend/internal/middleware"
	"voicechat-backend/internal/models"
	"voicechat-backend/internal/pipeline"
	"voicechat-backend/internal/session"
)

var errNoClip = errors.New("no audio in request")

type TurnHandler struct {
	pipeline     *pipeline.Pipeline
	publisher    Publisher
	metrics      *metrics.Metrics
	maxClipBytes int64
	logger       *zap.Logger
}

func NewTurnHandler(p *pipeline.Pipeline, publisher Publisher, m *metrics.Metrics, maxClipBytes int, logger *zap.Logger) *TurnHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TurnHandler{
		pipeline:     p,
		publisher:    publisher,
		metrics:      m,
		maxClipBytes: int64(maxClipBytes),
		logger:       logger,
	}
}

// Submit handles one recorded clip: a full transcribe, chat, speak turn.
func (h *TurnHandler) Submit(w http.ResponseWriter, r *http.Request) {
	s := middleware.GetSession(r.Context())
	if s == nil {
		handleServiceError(w, r, session.ErrSessionNotFound)
		return
	}
	log := h.logger.With(
		zap.String("session_id", s.ID.String()),
		zap.String("request_id", r.Header.Get(middleware.RequestIDHeader)),
	)

	clip, err := h.readClip(w, r)
	if err != nil {
		h.metrics.ClipRejected()
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResp("CLIP_TOO_LARGE",
				fmt.Sprintf("Audio clip exceeds %d bytes", h.maxClipBytes), r))
		case errors.Is(err, errNoClip):
			writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Audio clip is required",
				map[string]string{"audio": "required"}, r))
		default:
			writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Could not read audio clip", r))
		}
		return
	}

	info, err := audio.Inspect(clip)
	if err != nil {
		h.metrics.ClipRejected()
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("INVALID_AUDIO", "Audio must be a PCM WAV recording",
			map[string]string{"audio": err.Error()}, r))
		return
	}
	h.metrics.ClipAccepted(info.Duration)

	release, err := s.BeginTurn()
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	defer release()

	res, err := h.pipeline.HandleUserAudio(r.Context(), s.Conversation, clip)

	out := models.TurnResult{
		TranscriptionFailure: transcriptionFailure(res),
		ClipDurationSeconds:  info.Duration,
	}
	if res != nil {
		out.UserTurn = turnView(res.UserTurn, nil)
		h.publishTurn(r, s, out.UserTurn)
		if err == nil || pipeline.KindOf(err) == pipeline.SynthesisFailure {
			out.ModelTurn = turnView(res.ModelTurn, storeReply(s, res.ModelTurn, res.Audio))
			h.publishTurn(r, s, out.ModelTurn)
		}
	}

	if err != nil {
		log.Error("turn failed", zap.String("kind", string(pipeline.KindOf(err))), zap.Error(err))
		if h.publisher != nil {
			h.publisher.Publish(r.Context(), s.ID, models.WSMessage{
				Type: "error",
				Data: models.WSError{Code: "AI_ERROR", Message: aiErrorMessage(err)},
			})
		}
		handleServiceError(w, r, err)
		return
	}

	log.Info("turn completed",
		zap.Int("turns", s.Conversation.Len()),
		zap.Float64("clip_seconds", info.Duration),
	)
	writeJSON(w, http.StatusOK, out)
}

// Audio serves a synthesized reply for the page's player.
func (h *TurnHandler) Audio(w http.ResponseWriter, r *http.Request) {
	s := middleware.GetSession(r.Context())
	if s == nil {
		handleServiceError(w, r, session.ErrSessionNotFound)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid clip ID", r))
		return
	}

	clip, ok := s.Clip(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Clip not found", r))
		return
	}

	w.Header().Set("Content-Type", clip.MIMEType)
	w.Header().Set("Content-Length", fmt.Sprint(len(clip.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(clip.Data)
}

// readClip accepts either a raw audio body or a multipart form with an
// "audio" file field.
func (h *TurnHandler) readClip(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxClipBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(h.maxClipBytes); err != nil {
			return nil, err
		}
		file, _, err := r.FormFile("audio")
		if err != nil {
			return nil, errNoClip
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, errNoClip
		}
		return data, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errNoClip
	}
	return data, nil
}

func (h *TurnHandler) publishTurn(r *http.Request, s *session.Session, t *models.TurnView) {
	if h.publisher == nil {
		return
	}
	h.publisher.Publish(r.Context(), s.ID, models.WSMessage{Type: "turn", Data: t})
}

func transcriptionFailure(res *pipeline.Result) string {
	if res == nil {
		return ""
	}
	switch res.TranscriptionFailure {
	case pipeline.TranscriptionUnintelligible:
		return "unintelligible"
	case pipeline.TranscriptionServiceUnavailable:
		return "service_unavailable"
	}
	return ""
}
