package voice

import (
	"context"
	"time"

	"github.com/ent0n29/callrelay/internal/audio"
)

// MockTranscriber is a local fallback used when no recognizer is configured.
// Audio with speech-level energy transcribes to a fixed phrase, silence to "".
type MockTranscriber struct {
	Text      string
	Threshold float64
}

func NewMockTranscriber() *MockTranscriber {
	return &MockTranscriber{Text: "simulated caller input", Threshold: 500}
}

func (m *MockTranscriber) Transcribe(ctx context.Context, ulaw []byte) (string, error) {
	select {
	case <-ctx.Done():
		return "", &RecognitionError{Provider: "mock", Err: ctx.Err()}
	default:
	}
	if audio.MulawRMS(ulaw) < m.Threshold {
		return "", nil
	}
	return m.Text, nil
}

// MockSynthesizer renders a short tone whose length follows the text.
type MockSynthesizer struct{}

func NewMockSynthesizer() *MockSynthesizer { return &MockSynthesizer{} }

func (m *MockSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, &SynthesisError{Provider: "mock", Err: ctx.Err()}
	default:
	}
	d := time.Duration(len([]rune(text))) * 20 * time.Millisecond
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	if d > 3*time.Second {
		d = 3 * time.Second
	}
	return audio.MulawTone(220, 2000, d), nil
}
