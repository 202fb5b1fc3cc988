package handlers

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicechat-backend/internal/conversation"
	"voicechat-backend/internal/middleware"
	"voicechat-backend/internal/models"
	"voicechat-backend/internal/pipeline"
	"voicechat-backend/internal/session"
)

// ─── Stubs ───

type stubTranscriber struct {
	text string
	err  error
}

func (s *stubTranscriber) Transcribe(ctx context.Context, clip []byte) (string, error) {
	return s.text, s.err
}

type stubChat struct {
	reply   string
	err     error
	calls   int
	release chan struct{}
	entered chan struct{}
}

func (s *stubChat) Send(ctx context.Context, history []conversation.HistoryEntry, message string) (string, error) {
	s.calls++
	if s.entered != nil {
		close(s.entered)
	}
	if s.release != nil {
		<-s.release
	}
	return s.reply, s.err
}

type stubSynth struct {
	err   error
	calls int
}

func (s *stubSynth) Speak(ctx context.Context, text, lang string) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []byte("mp3:" + text), nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []models.WSMessage
	closed   []uuid.UUID
}

func (p *recordingPublisher) Publish(ctx context.Context, sessionID uuid.UUID, msg models.WSMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
}

func (p *recordingPublisher) CloseSession(sessionID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, sessionID)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.messages {
		out = append(out, m.Type)
	}
	return out
}

type stubFeedbackStore struct {
	saved []models.Feedback
	err   error
}

func (s *stubFeedbackStore) Create(ctx context.Context, f *models.Feedback) error {
	if s.err != nil {
		return s.err
	}
	f.ID = uuid.New()
	s.saved = append(s.saved, *f)
	return nil
}

// ─── Fixtures ───

type testEnv struct {
	stt       *stubTranscriber
	chat      *stubChat
	tts       *stubSynth
	sessions  *session.Manager
	auth      *middleware.SessionAuth
	publisher *recordingPublisher
	sessionH  *SessionHandler
	turnH     *TurnHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		stt:       &stubTranscriber{text: "hello"},
		chat:      &stubChat{reply: "hi there"},
		tts:       &stubSynth{},
		sessions:  session.NewManager(time.Hour, nil, nil),
		auth:      middleware.NewSessionAuth("secret", time.Hour),
		publisher: &recordingPublisher{},
	}
	p := pipeline.New(env.stt, env.chat, env.tts, "en", nil, nil)
	env.sessionH = NewSessionHandler(env.sessions, p, env.auth, env.publisher, nil)
	env.turnH = NewTurnHandler(p, env.publisher, nil, 1<<16, nil)
	return env
}

func withSession(req *http.Request, s *session.Session) *http.Request {
	return req.WithContext(middleware.WithSession(req.Context(), s))
}

func buildWAV(seconds float64) []byte {
	const rate = 8000
	samples := make([]int16, int(rate*seconds))

	var body bytes.Buffer
	body.WriteString("WAVE")
	body.WriteString("fmt ")
	binary.Write(&body, binary.LittleEndian, uint32(16))
	binary.Write(&body, binary.LittleEndian, uint16(1))
	binary.Write(&body, binary.LittleEndian, uint16(1))
	binary.Write(&body, binary.LittleEndian, uint32(rate))
	binary.Write(&body, binary.LittleEndian, uint32(rate*2))
	binary.Write(&body, binary.LittleEndian, uint16(2))
	binary.Write(&body, binary.LittleEndian, uint16(16))
	body.WriteString("data")
	binary.Write(&body, binary.LittleEndian, uint32(len(samples)*2))
	binary.Write(&body, binary.LittleEndian, samples)

	var out bytes.Buffer
	out.WriteString("RIFF")
	binary.Write(&out, binary.LittleEndian, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) models.APIError {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp.Error
}

// ─── Session Handler Tests ───

func TestSessionHandler_CreateGreets(t *testing.T) {
	env := newTestEnv(t)

	rr := httptest.NewRecorder()
	env.sessionH.Create(rr, httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil))
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp models.SessionResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.NotEmpty(t, resp.Token)
	assert.False(t, resp.FirstInteraction)
	assert.Empty(t, resp.AudioError)
	require.Len(t, resp.Turns, 1)
	assert.Equal(t, "model", resp.Turns[0].Speaker)
	assert.Equal(t, pipeline.Greeting, resp.Turns[0].Text)
	require.NotNil(t, resp.Turns[0].ClipID)

	id, err := env.auth.ParseToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.SessionID, id)

	s, err := env.sessions.Get(id)
	require.NoError(t, err)
	clip, ok := s.Clip(*resp.Turns[0].ClipID)
	require.True(t, ok)
	assert.Equal(t, []byte("mp3:"+pipeline.Greeting), clip.Data)
	assert.Equal(t, 1, env.tts.calls)
}

func TestSessionHandler_CreateGreetingAudioFails(t *testing.T) {
	env := newTestEnv(t)
	env.tts.err = errors.New("tts down")

	rr := httptest.NewRecorder()
	env.sessionH.Create(rr, httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil))
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp models.SessionResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "An error occurred: tts down", resp.AudioError)
	require.Len(t, resp.Turns, 1)
	assert.Equal(t, pipeline.Greeting, resp.Turns[0].Text)
	assert.Nil(t, resp.Turns[0].ClipID)
}

func TestSessionHandler_GetAndEnd(t *testing.T) {
	env := newTestEnv(t)
	s := env.sessions.Create()
	s.Conversation.Append(conversation.User, "hello")

	rr := httptest.NewRecorder()
	env.sessionH.Get(rr, withSession(httptest.NewRequest(http.MethodGet, "/api/v1/session", nil), s))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp models.SessionResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, s.ID, resp.SessionID)
	require.Len(t, resp.Turns, 1)
	assert.Equal(t, "hello", resp.Turns[0].Text)

	rr = httptest.NewRecorder()
	env.sessionH.End(rr, withSession(httptest.NewRequest(http.MethodDelete, "/api/v1/session", nil), s))
	require.Equal(t, http.StatusOK, rr.Code)

	_, err := env.sessions.Get(s.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	assert.Equal(t, []uuid.UUID{s.ID}, env.publisher.closed)

	rr = httptest.NewRecorder()
	env.sessionH.End(rr, withSession(httptest.NewRequest(http.MethodDelete, "/api/v1/session", nil), s))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "SESSION_EXPIRED")
}

// ─── Turn Handler Tests ───

func TestTurnHandler_Submit(t *testing.T) {
	env := newTestEnv(t)
	s := env.sessions.Create()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/turns", bytes.NewReader(buildWAV(0.5)))
	req.Header.Set("Content-Type", "audio/wav")
	rr := httptest.NewRecorder()
	env.turnH.Submit(rr, withSession(req, s))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp models.TurnResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.NotNil(t, resp.UserTurn)
	require.NotNil(t, resp.ModelTurn)
	assert.Equal(t, "hello", resp.UserTurn.Text)
	assert.Equal(t, "hi there", resp.ModelTurn.Text)
	assert.Empty(t, resp.TranscriptionFailure)
	assert.InDelta(t, 0.5, resp.ClipDurationSeconds, 0.001)
	require.NotNil(t, resp.ModelTurn.ClipID)

	clip, ok := s.Clip(*resp.ModelTurn.ClipID)
	require.True(t, ok)
	assert.Equal(t, []byte("mp3:hi there"), clip.Data)

	assert.Equal(t, 2, s.Conversation.Len())
	assert.Equal(t, []string{"turn", "turn"}, env.publisher.types())
}

func TestTurnHandler_SubmitMultipart(t *testing.T) {
	env := newTestEnv(t)
	s := env.sessions.Create()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("audio", "recording.wav")
	require.NoError(t, err)
	part.Write(buildWAV(0.25))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/turns", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	env.turnH.Submit(rr, withSession(req, s))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 1, env.chat.calls)
}

func TestTurnHandler_RejectsBadClips(t *testing.T) {
	floatWAV := buildWAV(0.1)
	binary.LittleEndian.PutUint16(floatWAV[20:22], 3)

	tests := []struct {
		name       string
		body       []byte
		wantStatus int
		wantCode   string
	}{
		{"empty body", nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"not wav", []byte("ID3 this is an mp3"), http.StatusBadRequest, "INVALID_AUDIO"},
		{"float samples", floatWAV, http.StatusBadRequest, "INVALID_AUDIO"},
		{"too large", buildWAV(10), http.StatusRequestEntityTooLarge, "CLIP_TOO_LARGE"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			s := env.sessions.Create()

			req := httptest.NewRequest(http.MethodPost, "/api/v1/session/turns", bytes.NewReader(tc.body))
			rr := httptest.NewRecorder()
			env.turnH.Submit(rr, withSession(req, s))

			require.Equal(t, tc.wantStatus, rr.Code)
			assert.Equal(t, tc.wantCode, decodeError(t, rr).Code)
			assert.Equal(t, 0, env.chat.calls)
			assert.Equal(t, 0, s.Conversation.Len())
		})
	}
}

func TestTurnHandler_UnintelligibleStillAnswers(t *testing.T) {
	env := newTestEnv(t)
	env.stt.err = pipeline.ErrUnintelligible
	s := env.sessions.Create()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/turns", bytes.NewReader(buildWAV(0.1)))
	rr := httptest.NewRecorder()
	env.turnH.Submit(rr, withSession(req, s))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp models.TurnResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "unintelligible", resp.TranscriptionFailure)
	assert.Equal(t, pipeline.FallbackUnintelligible, resp.UserTurn.Text)
	assert.Equal(t, 1, env.chat.calls)
}

func TestTurnHandler_ChatFailure(t *testing.T) {
	env := newTestEnv(t)
	env.chat.err = errors.New("quota exceeded")
	s := env.sessions.Create()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/turns", bytes.NewReader(buildWAV(0.1)))
	rr := httptest.NewRecorder()
	env.turnH.Submit(rr, withSession(req, s))

	require.Equal(t, http.StatusBadGateway, rr.Code)
	apiErr := decodeError(t, rr)
	assert.Equal(t, "AI_ERROR", apiErr.Code)
	assert.Equal(t, "An error occurred: quota exceeded", apiErr.Message)

	turns := s.Conversation.Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, conversation.User, turns[0].Speaker)
	assert.Equal(t, 0, env.tts.calls)
	assert.Equal(t, []string{"turn", "error"}, env.publisher.types())
}

func TestTurnHandler_SynthesisFailureKeepsReply(t *testing.T) {
	env := newTestEnv(t)
	env.tts.err = errors.New("tts down")
	s := env.sessions.Create()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/turns", bytes.NewReader(buildWAV(0.1)))
	rr := httptest.NewRecorder()
	env.turnH.Submit(rr, withSession(req, s))

	require.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "An error occurred: tts down", decodeError(t, rr).Message)
	assert.Equal(t, 2, s.Conversation.Len())
	assert.Equal(t, []string{"turn", "turn", "error"}, env.publisher.types())
}

func TestTurnHandler_ConcurrentTurnRejected(t *testing.T) {
	env := newTestEnv(t)
	env.chat.release = make(chan struct{})
	env.chat.entered = make(chan struct{})
	s := env.sessions.Create()

	done := make(chan int)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/session/turns", bytes.NewReader(buildWAV(0.1)))
		rr := httptest.NewRecorder()
		env.turnH.Submit(rr, withSession(req, s))
		done <- rr.Code
	}()
	<-env.chat.entered

	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/turns", bytes.NewReader(buildWAV(0.1)))
	rr := httptest.NewRecorder()
	env.turnH.Submit(rr, withSession(req, s))
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "TURN_IN_PROGRESS", decodeError(t, rr).Code)

	close(env.chat.release)
	assert.Equal(t, http.StatusOK, <-done)
	assert.Equal(t, 2, s.Conversation.Len())
}

func TestTurnHandler_Audio(t *testing.T) {
	env := newTestEnv(t)
	s := env.sessions.Create()
	clipID := s.PutClip(0, ClipMIMEType, []byte("mp3-bytes"))

	tests := []struct {
		name       string
		id         string
		wantStatus int
	}{
		{"found", clipID.String(), http.StatusOK},
		{"unknown", uuid.New().String(), http.StatusNotFound},
		{"malformed", "nope", http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rctx := chi.NewRouteContext()
			rctx.URLParams.Add("id", tc.id)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/session/audio/"+tc.id, nil)
			req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
			rr := httptest.NewRecorder()
			env.turnH.Audio(rr, withSession(req, s))

			require.Equal(t, tc.wantStatus, rr.Code)
			if tc.wantStatus == http.StatusOK {
				assert.Equal(t, ClipMIMEType, rr.Header().Get("Content-Type"))
				assert.Equal(t, "mp3-bytes", rr.Body.String())
			}
		})
	}
}

// ─── Feedback Handler Tests ───

func TestFeedbackHandler_Submit(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		storeErr    error
		wantStatus  int
		wantMessage string
		wantSaved   int
	}{
		{"start conversation", `{"action":"start_conversation"}`, nil, http.StatusOK, "Conversation started!", 0},
		{"rating defaults to five", `{"action":"rating"}`, nil, http.StatusOK, "Thank you for your feedback!", 1},
		{"rating with comment", `{"action":"rating","rating":3,"comment":" ok "}`, nil, http.StatusOK, "Thank you for your feedback!", 1},
		{"rating out of range", `{"action":"rating","rating":9}`, nil, http.StatusBadRequest, "", 0},
		{"unknown action", `{"action":"like"}`, nil, http.StatusBadRequest, "", 0},
		{"bad json", `{`, nil, http.StatusBadRequest, "", 0},
		{"store failure", `{"action":"rating","rating":4}`, errors.New("db down"), http.StatusInternalServerError, "", 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := &stubFeedbackStore{err: tc.storeErr}
			h := NewFeedbackHandler(store, nil)
			sessionID := uuid.New()

			req := httptest.NewRequest(http.MethodPost, "/api/v1/session/feedback", bytes.NewBufferString(tc.body))
			req = req.WithContext(middleware.WithSessionID(req.Context(), sessionID))
			rr := httptest.NewRecorder()
			h.Submit(rr, req)

			require.Equal(t, tc.wantStatus, rr.Code)
			if tc.wantMessage != "" {
				var resp models.FeedbackResponse
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
				assert.Equal(t, tc.wantMessage, resp.Message)
			}
			require.Len(t, store.saved, tc.wantSaved)
			for _, f := range store.saved {
				assert.Equal(t, sessionID, f.SessionID)
				assert.GreaterOrEqual(t, f.Rating, 1)
				assert.LessOrEqual(t, f.Rating, 5)
			}
		})
	}
}

func TestFeedbackHandler_NoStoreOnlyLogs(t *testing.T) {
	h := NewFeedbackHandler(nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/feedback", bytes.NewBufferString(`{"action":"rating","rating":5}`))
	req = req.WithContext(middleware.WithSessionID(req.Context(), uuid.New()))
	rr := httptest.NewRecorder()
	h.Submit(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}
