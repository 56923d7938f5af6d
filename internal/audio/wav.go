package audio

import "encoding/binary"

// WAV format tags.
const (
	wavFormatPCM   = 1
	wavFormatMulaw = 7
)

// EncodeWAVMulaw stores 8 kHz u-law bytes as-is in a WAVE_FORMAT_MULAW
// file, the form telephony recordings are kept in.
func EncodeWAVMulaw(ulaw []byte) []byte {
	return wavFile(wavFormatMulaw, 8, MulawSampleRate, ulaw)
}

// EncodeWAVMulawAsPCM16 expands u-law to a 16-bit PCM WAV for recognizers
// that only read linear PCM.
func EncodeWAVMulawAsPCM16(ulaw []byte) []byte {
	return EncodeWAVPCM16(MulawToPCM16(ulaw), MulawSampleRate)
}

// EncodeWAVPCM16 wraps mono PCM16LE samples in a WAV file.
func EncodeWAVPCM16(pcm []byte, sampleRate int) []byte {
	if sampleRate <= 0 {
		sampleRate = MulawSampleRate
	}
	return wavFile(wavFormatPCM, 16, sampleRate, pcm)
}

// wavFile lays out a mono RIFF/WAVE file. Non-PCM formats carry the
// extended fmt chunk and a fact chunk holding the sample count.
func wavFile(format uint16, bits, sampleRate int, data []byte) []byte {
	blockAlign := bits / 8
	fmtSize := 16
	if format != wavFormatPCM {
		fmtSize = 18
	}
	header := 4 + 8 + fmtSize + 8
	if format != wavFormatPCM {
		header += 12
	}

	le := binary.LittleEndian
	b := make([]byte, 0, 8+header+len(data))
	b = append(b, "RIFF"...)
	b = le.AppendUint32(b, uint32(header+len(data)))
	b = append(b, "WAVE"...)

	b = append(b, "fmt "...)
	b = le.AppendUint32(b, uint32(fmtSize))
	b = le.AppendUint16(b, format)
	b = le.AppendUint16(b, 1)
	b = le.AppendUint32(b, uint32(sampleRate))
	b = le.AppendUint32(b, uint32(sampleRate*blockAlign))
	b = le.AppendUint16(b, uint16(blockAlign))
	b = le.AppendUint16(b, uint16(bits))
	if format != wavFormatPCM {
		b = le.AppendUint16(b, 0)
		b = append(b, "fact"...)
		b = le.AppendUint32(b, 4)
		b = le.AppendUint32(b, uint32(len(data)/blockAlign))
	}

	b = append(b, "data"...)
	b = le.AppendUint32(b, uint32(len(data)))
	return append(b, data...)
}
