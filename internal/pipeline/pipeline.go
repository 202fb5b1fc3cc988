package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"voicechat-backend/internal/conversation"
	"voicechat-backend/internal/metrics"
)

// Greeting is spoken once at the start of every session.
const Greeting = "Hello! Welcome to Gemini Chatbot! How may I help you today?"

// Transcriber turns a recorded clip into text. Failures should wrap
// ErrUnintelligible or ErrServiceUnavailable.
type Transcriber interface {
	Transcribe(ctx context.Context, clip []byte) (string, error)
}

// ChatClient sends the history plus the newest user message to the chat model.
type ChatClient interface {
	Send(ctx context.Context, history []conversation.HistoryEntry, message string) (string, error)
}

// Synthesizer renders text as playable audio in the given language.
type Synthesizer interface {
	Speak(ctx context.Context, text, lang string) ([]byte, error)
}

// Result is what one completed turn produces.
type Result struct {
	UserTurn  conversation.Turn
	ModelTurn conversation.Turn
	Audio     []byte

	// TranscriptionFailure is set when UserTurn holds fallback text.
	TranscriptionFailure ErrorKind
}

type Pipeline struct {
	stt      Transcriber
	chat     ChatClient
	tts      Synthesizer
	language string
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func New(stt Transcriber, chat ChatClient, tts Synthesizer, language string, logger *zap.Logger, m *metrics.Metrics) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		stt:      stt,
		chat:     chat,
		tts:      tts,
		language: language,
		logger:   logger,
		metrics:  m,
	}
}

// Greet appends and voices the greeting on the first call for conv.
// Later calls return nil, nil. The greeting stays in the log even if
// synthesis fails, so a retry never duplicates it.
func (p *Pipeline) Greet(ctx context.Context, conv *conversation.Conversation) (*Result, error) {
	turn, ok := conv.Greet(Greeting)
	if !ok {
		return nil, nil
	}

	audio, err := p.speak(ctx, turn.Text)
	if err != nil {
		return nil, &Error{Kind: SynthesisFailure, Err: err}
	}

	return &Result{ModelTurn: turn, Audio: audio}, nil
}

// HandleUserAudio runs one full turn: transcribe, log, ask the model, log, speak.
// The caller must not run two turns on the same conversation at once.
func (p *Pipeline) HandleUserAudio(ctx context.Context, conv *conversation.Conversation, clip []byte) (*Result, error) {
	res := &Result{}

	start := time.Now()
	text, err := p.stt.Transcribe(ctx, clip)
	p.metrics.ObserveStage("transcribe", time.Since(start))
	if err != nil {
		kind, fallback := classifyTranscription(err)
		p.logger.Warn("transcription failed, using fallback text",
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		p.metrics.TranscriptionFailed(string(kind))
		res.TranscriptionFailure = kind
		text = fallback
	}

	res.UserTurn = conv.Append(conversation.User, text)
	history := conv.HistoryPayload()

	start = time.Now()
	reply, err := p.chat.Send(ctx, history, text)
	p.metrics.ObserveStage("chat", time.Since(start))
	if err != nil {
		p.logger.Error("chat request failed", zap.Int("history_len", len(history)), zap.Error(err))
		p.metrics.TurnFinished(string(ChatRemoteFailure))
		return res, &Error{Kind: ChatRemoteFailure, Err: err}
	}

	res.ModelTurn = conv.Append(conversation.Model, reply)

	audio, err := p.speak(ctx, reply)
	if err != nil {
		p.logger.Error("speech synthesis failed", zap.Int("reply_len", len(reply)), zap.Error(err))
		p.metrics.TurnFinished(string(SynthesisFailure))
		return res, &Error{Kind: SynthesisFailure, Err: err}
	}
	res.Audio = audio

	p.metrics.TurnFinished("ok")
	return res, nil
}

func (p *Pipeline) speak(ctx context.Context, text string) ([]byte, error) {
	start := time.Now()
	defer func() { p.metrics.ObserveStage("synthesize", time.Since(start)) }()
	return p.tts.Speak(ctx, text, p.language)
}
