package voice

import (
	"context"
	"errors"
	"testing"
)

func TestFailoverPairSwitchesToFallbackAndSticks(t *testing.T) {
	ctx := context.Background()
	primaryErr := errors.New("primary unavailable")

	primarySTT := &stubTranscriber{err: primaryErr}
	fallbackSTT := &stubTranscriber{text: "hello"}
	primaryTTS := &stubSynthesizer{err: primaryErr}
	fallbackTTS := &stubSynthesizer{audio: []byte{1, 2, 3}}

	stt, tts := NewFailoverPair(primarySTT, primaryTTS, fallbackSTT, fallbackTTS)

	for i := 0; i < 2; i++ {
		if text, err := stt.Transcribe(ctx, []byte{0xFF}); err != nil || text != "hello" {
			t.Fatalf("Transcribe() = %q, %v; want hello", text, err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := tts.Synthesize(ctx, "hi"); err != nil {
			t.Fatalf("Synthesize() unexpected error = %v", err)
		}
	}

	if primarySTT.calls != 1 {
		t.Fatalf("primary STT calls = %d, want 1", primarySTT.calls)
	}
	if fallbackSTT.calls != 2 {
		t.Fatalf("fallback STT calls = %d, want 2", fallbackSTT.calls)
	}
	if primaryTTS.calls != 0 {
		t.Fatalf("primary TTS calls = %d, want 0 once fallback active", primaryTTS.calls)
	}
	if fallbackTTS.calls != 2 {
		t.Fatalf("fallback TTS calls = %d, want 2", fallbackTTS.calls)
	}
}

func TestFailoverPairRetriesPrimaryWhenFallbackFails(t *testing.T) {
	ctx := context.Background()
	primarySTT := &stubTranscriber{err: errors.New("down")}
	fallbackSTT := &stubTranscriber{text: "fallback"}
	stt, _ := NewFailoverPair(primarySTT, &stubSynthesizer{}, fallbackSTT, &stubSynthesizer{})

	if _, err := stt.Transcribe(ctx, nil); err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}

	primarySTT.err = nil
	primarySTT.text = "primary"
	fallbackSTT.err = errors.New("fallback down")

	text, err := stt.Transcribe(ctx, nil)
	if err != nil || text != "primary" {
		t.Fatalf("Transcribe() = %q, %v; want primary", text, err)
	}
	if text, _ := stt.Transcribe(ctx, nil); text != "primary" {
		t.Fatalf("Transcribe() = %q, want primary to stay active", text)
	}
}

func TestFailoverPairReportsBothFailures(t *testing.T) {
	stt, tts := NewFailoverPair(
		&stubTranscriber{err: errors.New("a")},
		&stubSynthesizer{err: errors.New("b")},
		&stubTranscriber{err: errors.New("c")},
		&stubSynthesizer{err: errors.New("d")},
	)
	var recErr *RecognitionError
	if _, err := stt.Transcribe(context.Background(), nil); !errors.As(err, &recErr) {
		t.Fatalf("Transcribe() error = %v, want RecognitionError", err)
	}
	var synErr *SynthesisError
	if _, err := tts.Synthesize(context.Background(), "x"); !errors.As(err, &synErr) {
		t.Fatalf("Synthesize() error = %v, want SynthesisError", err)
	}
}

func TestFailoverPairWithoutFallbackReturnsPrimary(t *testing.T) {
	primary := &stubTranscriber{text: "only"}
	stt, _ := NewFailoverPair(primary, &stubSynthesizer{}, nil, nil)
	if stt != Transcriber(primary) {
		t.Fatalf("NewFailoverPair() wrapped a primary without fallback")
	}
}

type stubTranscriber struct {
	text  string
	err   error
	calls int
}

func (s *stubTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.text, nil
}

type stubSynthesizer struct {
	audio []byte
	err   error
	calls int
}

func (s *stubSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.audio, nil
}
