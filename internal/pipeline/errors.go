package pipeline

import (
	"errors"
	"fmt"
)

// Transcribers wrap one of these so the pipeline can pick the fallback text.
var (
	ErrUnintelligible     = errors.New("speech not recognized")
	ErrServiceUnavailable = errors.New("transcription service unavailable")
)

const (
	FallbackUnintelligible     = "Sorry, I did not understand that."
	FallbackServiceUnavailable = "Sorry, the service is unavailable at the moment."
)

type ErrorKind string

const (
	TranscriptionUnintelligible     ErrorKind = "transcription_unintelligible"
	TranscriptionServiceUnavailable ErrorKind = "transcription_service_unavailable"
	ChatRemoteFailure               ErrorKind = "chat_remote_failure"
	SynthesisFailure                ErrorKind = "synthesis_failure"
)

// Error is returned when a turn is aborted.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a pipeline error, or "" when err is not one.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// classifyTranscription maps a transcriber error to its kind and fallback text.
// Anything not marked unintelligible counts as the service being unavailable.
func classifyTranscription(err error) (ErrorKind, string) {
	if errors.Is(err, ErrUnintelligible) {
		return TranscriptionUnintelligible, FallbackUnintelligible
	}
	return TranscriptionServiceUnavailable, FallbackServiceUnavailable
}
