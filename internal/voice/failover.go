package voice

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// NewFailoverPair builds a transcriber and synthesizer that prefer the primary
// backends and switch to fallback when a primary call fails. Once fallback
// succeeds it stays active until it fails; then primary is retried.
// Nil fallbacks leave the primary untouched.
func NewFailoverPair(
	primarySTT Transcriber,
	primaryTTS Synthesizer,
	fallbackSTT Transcriber,
	fallbackTTS Synthesizer,
) (Transcriber, Synthesizer) {
	state := &failoverState{}
	var stt Transcriber = primarySTT
	if fallbackSTT != nil {
		stt = &failoverTranscriber{state: state, primary: primarySTT, fallback: fallbackSTT}
	}
	var tts Synthesizer = primaryTTS
	if fallbackTTS != nil {
		tts = &failoverSynthesizer{state: state, primary: primaryTTS, fallback: fallbackTTS}
	}
	return stt, tts
}

type failoverState struct {
	fallbackActive atomic.Bool
}

func (s *failoverState) activateFallback()      { s.fallbackActive.Store(true) }
func (s *failoverState) deactivateFallback()    { s.fallbackActive.Store(false) }
func (s *failoverState) isFallbackActive() bool { return s.fallbackActive.Load() }

type failoverTranscriber struct {
	state    *failoverState
	primary  Transcriber
	fallback Transcriber
}

func (p *failoverTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if p.state.isFallbackActive() {
		text, fbErr := p.fallback.Transcribe(ctx, audio)
		if fbErr == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", fbErr
		}
		// Fallback failed after being active; try primary again.
		text, prErr := p.primary.Transcribe(ctx, audio)
		if prErr == nil {
			p.state.deactivateFallback()
			return text, nil
		}
		return "", &RecognitionError{Provider: "failover", Err: fmt.Errorf("stt fallback failed: %v; stt primary failed: %w", fbErr, prErr)}
	}

	text, prErr := p.primary.Transcribe(ctx, audio)
	if prErr == nil {
		return text, nil
	}
	if isContextErr(prErr) {
		return "", prErr
	}
	text, fbErr := p.fallback.Transcribe(ctx, audio)
	if fbErr != nil {
		return "", &RecognitionError{Provider: "failover", Err: fmt.Errorf("stt primary failed: %v; stt fallback failed: %w", prErr, fbErr)}
	}
	p.state.activateFallback()
	return text, nil
}

type failoverSynthesizer struct {
	state    *failoverState
	primary  Synthesizer
	fallback Synthesizer
}

func (p *failoverSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if p.state.isFallbackActive() {
		out, fbErr := p.fallback.Synthesize(ctx, text)
		if fbErr == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, fbErr
		}
		out, prErr := p.primary.Synthesize(ctx, text)
		if prErr == nil {
			p.state.deactivateFallback()
			return out, nil
		}
		return nil, &SynthesisError{Provider: "failover", Err: fmt.Errorf("tts fallback failed: %v; tts primary failed: %w", fbErr, prErr)}
	}

	out, prErr := p.primary.Synthesize(ctx, text)
	if prErr == nil {
		return out, nil
	}
	if isContextErr(prErr) {
		return nil, prErr
	}
	out, fbErr := p.fallback.Synthesize(ctx, text)
	if fbErr != nil {
		return nil, &SynthesisError{Provider: "failover", Err: fmt.Errorf("tts primary failed: %v; tts fallback failed: %w", prErr, fbErr)}
	}
	p.state.activateFallback()
	return out, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
