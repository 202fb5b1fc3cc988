package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"voicechat-backend/internal/pipeline"
)

// OpenAIService provides Whisper transcription and text-to-speech.
type OpenAIService struct {
	client *openai.Client
	voice  openai.SpeechVoice
	logger *zap.Logger
}

func NewOpenAIService(apiKey, baseURL, voice string, logger *zap.Logger) *OpenAIService {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}
	return &OpenAIService{
		client: openai.NewClientWithConfig(cfg),
		voice:  openai.SpeechVoice(voice),
		logger: logger.Named("openai"),
	}
}

// Transcribe sends the clip to Whisper.
func (s *OpenAIService) Transcribe(ctx context.Context, clip []byte) (string, error) {
	if len(clip) == 0 {
		return "", fmt.Errorf("empty clip: %w", pipeline.ErrUnintelligible)
	}

	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: "clip.wav",
		Reader:   bytes.NewReader(clip),
	})
	if err != nil {
		s.logger.Warn("whisper call failed", zap.String("diagnosis", analyzeOpenAIError(err)))
		// A 400 means Whisper could read the request but not the audio in it.
		if openAIStatus(err) == http.StatusBadRequest {
			return "", fmt.Errorf("whisper rejected clip: %v: %w", err, pipeline.ErrUnintelligible)
		}
		return "", fmt.Errorf("whisper request: %v: %w", err, pipeline.ErrServiceUnavailable)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("no speech in clip: %w", pipeline.ErrUnintelligible)
	}
	return text, nil
}

// Speak renders text as MP3. lang is ignored: the voice model detects the language from the text.
func (s *OpenAIService) Speak(ctx context.Context, text, lang string) ([]byte, error) {
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1,
		Input:          text,
		Voice:          s.voice,
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech: %s: %w", analyzeOpenAIError(err), err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read speech audio: %w", err)
	}
	return audio, nil
}

func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func analyzeOpenAIError(err error) string {
	switch openAIStatus(err) {
	case 0:
		return "OpenAI unreachable: " + err.Error()
	case http.StatusUnauthorized:
		return "invalid OpenAI API key"
	case http.StatusNotFound:
		return "model not found"
	case http.StatusTooManyRequests:
		return "OpenAI rate limit exceeded"
	case http.StatusBadRequest:
		return "invalid request to OpenAI"
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return "OpenAI internal error"
	}
	return "unknown OpenAI error: " + err.Error()
}
