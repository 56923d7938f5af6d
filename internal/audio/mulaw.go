package audio

import (
	"math"
	"time"

	"github.com/zaf/g711"
)

// Telephony media streams carry 8 kHz mono G.711 u-law.
const (
	MulawSampleRate = 8000
	// MulawSilence is the u-law encoding of a zero sample.
	MulawSilence byte = 0xFF
)

// MulawToPCM16 expands u-law bytes to PCM16LE.
func MulawToPCM16(ulaw []byte) []byte {
	return g711.DecodeUlaw(ulaw)
}

// PCM16ToMulaw compresses PCM16LE to u-law.
func PCM16ToMulaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// MulawRMS returns the root mean square amplitude of a u-law frame.
func MulawRMS(frame []byte) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, b := range frame {
		v := float64(g711.DecodeUlawFrame(b))
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// MulawDuration is the playback length of n u-law bytes.
func MulawDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / MulawSampleRate
}

// MulawSilenceFor returns d worth of u-law silence.
func MulawSilenceFor(d time.Duration) []byte {
	n := int(d * MulawSampleRate / time.Second)
	out := make([]byte, n)
	for i := range out {
		out[i] = MulawSilence
	}
	return out
}

// MulawTone renders a sine tone, used for synthetic audio.
func MulawTone(freqHz float64, amplitude int16, d time.Duration) []byte {
	n := int(d * MulawSampleRate / time.Second)
	out := make([]byte, n)
	for i := range out {
		s := float64(amplitude) * math.Sin(2*math.Pi*freqHz*float64(i)/MulawSampleRate)
		out[i] = g711.EncodeUlawFrame(int16(s))
	}
	return out
}
