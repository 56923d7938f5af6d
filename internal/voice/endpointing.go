package voice

import (
	"time"

	"github.com/ent0n29/callrelay/internal/audio"
)

const (
	defaultEndpointThreshold = 500
	defaultEndpointSilence   = 700 * time.Millisecond
	defaultMaxUtterance      = 15 * time.Second
	defaultMinSpeech         = 100 * time.Millisecond
)

type EndpointerConfig struct {
	// Threshold is the u-law RMS above which a frame counts as speech.
	Threshold    float64
	Silence      time.Duration
	MaxUtterance time.Duration
	MinSpeech    time.Duration
}

// Endpointer buffers inbound u-law frames and commits an utterance after
// trailing silence or once it reaches the maximum length.
// Not safe for concurrent use; each call stream owns one.
type Endpointer struct {
	cfg EndpointerConfig

	buf         []byte
	preroll     []byte
	speaking    bool
	speech      time.Duration
	silence     time.Duration
	bufDuration time.Duration
}

func NewEndpointer(cfg EndpointerConfig) *Endpointer {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultEndpointThreshold
	}
	if cfg.Silence <= 0 {
		cfg.Silence = defaultEndpointSilence
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = defaultMaxUtterance
	}
	if cfg.MinSpeech <= 0 {
		cfg.MinSpeech = defaultMinSpeech
	}
	return &Endpointer{cfg: cfg}
}

// Push feeds one frame and returns the utterance when one is committed.
func (e *Endpointer) Push(frame []byte) ([]byte, bool) {
	if len(frame) == 0 {
		return nil, false
	}
	d := audio.MulawDuration(len(frame))
	loud := audio.MulawRMS(frame) >= e.cfg.Threshold

	if !e.speaking {
		if !loud {
			e.preroll = append(e.preroll[:0], frame...)
			return nil, false
		}
		e.speaking = true
		e.buf = append(e.buf, e.preroll...)
		e.bufDuration = audio.MulawDuration(len(e.preroll))
	}

	e.buf = append(e.buf, frame...)
	e.bufDuration += d
	if loud {
		e.speech += d
		e.silence = 0
	} else {
		e.silence += d
	}

	switch {
	case e.silence >= e.cfg.Silence:
		if e.speech < e.cfg.MinSpeech {
			// A click or breath, not an utterance.
			e.Reset()
			return nil, false
		}
		return e.commit(), true
	case e.bufDuration >= e.cfg.MaxUtterance:
		return e.commit(), true
	}
	return nil, false
}

// Flush commits whatever speech is buffered, used when the stream stops.
func (e *Endpointer) Flush() ([]byte, bool) {
	if !e.speaking || e.speech < e.cfg.MinSpeech {
		e.Reset()
		return nil, false
	}
	return e.commit(), true
}

// Speaking reports whether the caller is mid-utterance.
func (e *Endpointer) Speaking() bool { return e.speaking }

func (e *Endpointer) Reset() {
	e.buf = nil
	e.preroll = e.preroll[:0]
	e.speaking = false
	e.speech = 0
	e.silence = 0
	e.bufDuration = 0
}

func (e *Endpointer) commit() []byte {
	out := e.buf
	e.buf = nil
	e.Reset()
	return out
}
