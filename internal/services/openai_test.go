package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voicechat-backend/internal/pipeline"
)

func newOpenAITestServer(t *testing.T, handler http.HandlerFunc) *OpenAIService {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewOpenAIService("test-key", server.URL+"/v1", "", zap.NewNop())
}

func TestOpenAITranscribe(t *testing.T) {
	svc := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(file)
		assert.Equal(t, "RIFFclip", string(data))
		assert.Equal(t, "whisper-1", r.FormValue("model"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":"  hello  "}`)
	})

	text, err := svc.Transcribe(context.Background(), []byte("RIFFclip"))
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestOpenAITranscribe_ErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"blank transcript", http.StatusOK, `{"text":"   "}`, pipeline.ErrUnintelligible},
		{"rejected audio", http.StatusBadRequest, `{"error":{"message":"could not decode","type":"invalid_request_error"}}`, pipeline.ErrUnintelligible},
		{"server error", http.StatusInternalServerError, `{"error":{"message":"oops","type":"server_error"}}`, pipeline.ErrServiceUnavailable},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit"}}`, pipeline.ErrServiceUnavailable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			})

			_, err := svc.Transcribe(context.Background(), []byte("RIFFclip"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "expected %v, got %v", tc.want, err)
		})
	}
}

func TestOpenAITranscribe_EmptyClip(t *testing.T) {
	svc := NewOpenAIService("test-key", "http://127.0.0.1:1/v1", "", zap.NewNop())

	_, err := svc.Transcribe(context.Background(), nil)
	assert.ErrorIs(t, err, pipeline.ErrUnintelligible)
}

func TestOpenAISpeak(t *testing.T) {
	svc := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/audio/speech", r.URL.Path)
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("ID3-mp3-bytes"))
	})

	audio, err := svc.Speak(context.Background(), "hi there", "en")
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3-mp3-bytes"), audio)
}

func TestOpenAISpeak_Error(t *testing.T) {
	svc := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	})

	_, err := svc.Speak(context.Background(), "hi", "en")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid OpenAI API key")
}
