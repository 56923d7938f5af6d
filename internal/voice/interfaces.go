package voice

import (
	"context"
	"errors"
	"fmt"
)

// Transcriber turns one committed caller utterance (8 kHz u-law) into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Synthesizer renders text as 8 kHz u-law audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// ErrEmptyInput signals that the caller said nothing intelligible.
var ErrEmptyInput = errors.New("empty caller input")

// RecognitionError wraps a speech-to-text failure.
type RecognitionError struct {
	Provider string
	Err      error
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("%s recognition failed: %v", e.Provider, e.Err)
}

func (e *RecognitionError) Unwrap() error { return e.Err }

// SynthesisError wraps a text-to-speech failure.
type SynthesisError struct {
	Provider string
	Err      error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("%s synthesis failed: %v", e.Provider, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }
