package stt

import (
	"errors"
	"fmt"
)

// Reason is the closed set of recognizer failure causes.
type Reason string

const (
	ReasonNoSpeech     Reason = "no-speech"
	ReasonAudioCapture Reason = "audio-capture"
	ReasonNotAllowed   Reason = "not-allowed"
	ReasonNetwork      Reason = "network"
	ReasonOther        Reason = "other"
)

// Failure is a recognition error tagged with its reason.
type Failure struct {
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("recognition failed: %s", f.Reason)
	}
	return fmt.Sprintf("recognition failed: %s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Fail wraps err with the given reason.
func Fail(reason Reason, err error) error {
	return &Failure{Reason: reason, Err: err}
}

// ReasonOf reports the failure reason carried by err, or ReasonOther.
func ReasonOf(err error) Reason {
	var f *Failure
	if errors.As(err, &f) {
		switch f.Reason {
		case ReasonNoSpeech, ReasonAudioCapture, ReasonNotAllowed, ReasonNetwork:
			return f.Reason
		}
	}
	return ReasonOther
}
