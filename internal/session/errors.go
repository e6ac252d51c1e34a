package session

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/webhook"
)

var (
	// ErrBusy rejects Start while a turn is already in progress.
	ErrBusy = errors.New("session busy")
	// ErrUnsupported is returned when no recognizer is available.
	ErrUnsupported = stt.ErrUnsupported
	// ErrNotListening rejects Stop outside the listening state.
	ErrNotListening = errors.New("session not listening")
	// ErrPermissionDenied wraps microphone permission failures.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrLowConfidence means the recognizer was not sure enough of its hypothesis.
	ErrLowConfidence = errors.New("recognition confidence below threshold")
	// ErrNoResult means recognition ended without any text.
	ErrNoResult = errors.New("recognition produced no result")
)

// Kind classifies errors shown on the banner.
type Kind string

const (
	KindUnsupported      Kind = "unsupported"
	KindPermissionDenied Kind = "permission_denied"
	KindNoResult         Kind = "no_result"
	KindLowConfidence    Kind = "low_confidence"
	KindRecognition      Kind = "recognition"
	KindConnection       Kind = "connection"
	KindNotFound         Kind = "not_found"
	KindRequest          Kind = "request"
)

// KindOf classifies err.
func KindOf(err error) Kind {
	var failure *stt.Failure
	switch {
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrLowConfidence):
		return KindLowConfidence
	case errors.Is(err, ErrNoResult):
		return KindNoResult
	case errors.As(err, &failure):
		return KindRecognition
	case webhook.IsConnection(err):
		return KindConnection
	case webhook.IsNotFound(err):
		return KindNotFound
	default:
		return KindRequest
	}
}

// Describe renders err as the message shown to the user.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindUnsupported:
		return "Speech recognition is not supported in this environment."
	case KindPermissionDenied:
		return "Microphone access denied. Please allow microphone access and try again."
	case KindLowConfidence, KindNoResult:
		return "Could not understand clearly. Please try again."
	case KindRecognition:
		return describeFailure(err)
	case KindConnection:
		return "Connection error. Please check your internet connection and try again."
	case KindNotFound:
		return "Service not found. Please check the webhook configuration."
	default:
		return "Failed to process your message."
	}
}

func describeFailure(err error) string {
	var failure *stt.Failure
	errors.As(err, &failure)
	switch stt.ReasonOf(err) {
	case stt.ReasonNoSpeech:
		return "No speech detected. Please try again."
	case stt.ReasonAudioCapture:
		return "Microphone access denied. Please allow microphone access."
	case stt.ReasonNotAllowed:
		return "Microphone access denied. Please allow microphone access and refresh the page."
	case stt.ReasonNetwork:
		return "Network error. Please check your connection."
	}
	detail := string(failure.Reason)
	if failure.Err != nil {
		detail = failure.Err.Error()
	}
	return fmt.Sprintf("Speech recognition error: %s", detail)
}
