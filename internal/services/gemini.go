package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"voicechat-backend/internal/conversation"
	"voicechat-backend/internal/pipeline"
)

const (
	transcribePrompt = "Transcribe the speech in the provided audio verbatim. Return plain text only, without markdown, headers, or explanations. If the audio contains no intelligible speech, reply with exactly " + noSpeechMarker + "."
	noSpeechMarker   = "NO_SPEECH"
)

type GeminiService struct {
	client     *genai.Client
	chat       *genai.GenerativeModel
	transcribe *genai.GenerativeModel
	rateChan   chan struct{} // Token bucket
	logger     *zap.Logger
}

func NewGeminiService(apiKey, chatModel, transcribeModel string, concurrentReqs int, logger *zap.Logger) (*GeminiService, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	if concurrentReqs <= 0 {
		concurrentReqs = 1
	}

	transcriber := client.GenerativeModel(transcribeModel)
	transcriber.SetTemperature(0)

	// Token bucket for rate limiting
	rateChan := make(chan struct{}, concurrentReqs)
	for i := 0; i < concurrentReqs; i++ {
		rateChan <- struct{}{}
	}

	return &GeminiService{
		client:     client,
		chat:       client.GenerativeModel(chatModel),
		transcribe: transcriber,
		rateChan:   rateChan,
		logger:     logger.Named("gemini"),
	}, nil
}

func (s *GeminiService) Close() {
	s.client.Close()
}

// acquireRate blocks until a rate slot is available
func (s *GeminiService) acquireRate(ctx context.Context) error {
	select {
	case <-s.rateChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *GeminiService) releaseRate() {
	s.rateChan <- struct{}{}
}

// Send starts a chat seeded with history and sends message as the next user turn.
func (s *GeminiService) Send(ctx context.Context, history []conversation.HistoryEntry, message string) (string, error) {
	if err := s.acquireRate(ctx); err != nil {
		return "", err
	}
	defer s.releaseRate()

	start := time.Now()
	cs := s.chat.StartChat()
	cs.History = toContents(history)

	resp, err := cs.SendMessage(ctx, genai.Text(message))
	if err != nil {
		s.logger.Warn("chat call failed",
			zap.Int("history_len", len(history)),
			zap.String("diagnosis", describeGeminiError(err)),
			zap.Duration("duration", time.Since(start)),
		)
		return "", fmt.Errorf("Gemini chat error: %w", err)
	}

	logFinishReasons(s.logger, resp)
	s.logger.Debug("chat reply received", zap.Duration("duration", time.Since(start)))
	return extractText(resp), nil
}

// Transcribe sends the clip inline and asks the model for a verbatim transcript.
func (s *GeminiService) Transcribe(ctx context.Context, clip []byte) (string, error) {
	if len(clip) == 0 {
		return "", fmt.Errorf("empty clip: %w", pipeline.ErrUnintelligible)
	}

	if err := s.acquireRate(ctx); err != nil {
		return "", fmt.Errorf("%v: %w", err, pipeline.ErrServiceUnavailable)
	}
	defer s.releaseRate()

	resp, err := s.transcribe.GenerateContent(ctx,
		genai.Text(transcribePrompt),
		genai.Blob{MIMEType: "audio/wav", Data: clip},
	)
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return "", fmt.Errorf("transcription blocked: %v: %w", err, pipeline.ErrUnintelligible)
		}
		s.logger.Warn("transcription call failed", zap.String("diagnosis", describeGeminiError(err)))
		return "", fmt.Errorf("Gemini transcription error: %v: %w", err, pipeline.ErrServiceUnavailable)
	}

	text := strings.TrimSpace(extractText(resp))
	if text == "" || strings.Contains(text, noSpeechMarker) {
		return "", fmt.Errorf("no speech in clip: %w", pipeline.ErrUnintelligible)
	}
	return text, nil
}

// Helper functions

func toContents(history []conversation.HistoryEntry) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, h := range history {
		parts := make([]genai.Part, 0, len(h.Parts))
		for _, p := range h.Parts {
			parts = append(parts, genai.Text(p))
		}
		contents = append(contents, &genai.Content{Role: h.Role, Parts: parts})
	}
	return contents
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}

func logFinishReasons(logger *zap.Logger, resp *genai.GenerateContentResponse) {
	for i, cand := range resp.Candidates {
		if cand.FinishReason != genai.FinishReasonStop {
			logger.Warn("Gemini stopped early",
				zap.Int("candidate", i),
				zap.String("finish_reason", cand.FinishReason.String()),
			)
		}
	}
}

// describeGeminiError turns an API failure into a short diagnosis for logs.
func describeGeminiError(err error) string {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "request cancelled or timed out"
		}
		return "unknown Gemini error: " + err.Error()
	}

	switch apiErr.Code {
	case http.StatusBadRequest:
		return "invalid request to Gemini"
	case http.StatusUnauthorized, http.StatusForbidden:
		return "invalid Gemini API key"
	case http.StatusNotFound:
		return "model not found"
	case http.StatusTooManyRequests:
		return "Gemini quota exceeded"
	}
	if apiErr.Code >= 500 {
		return "Gemini internal error"
	}
	return fmt.Sprintf("Gemini error %d: %s", apiErr.Code, apiErr.Message)
}
