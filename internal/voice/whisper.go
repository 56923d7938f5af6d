package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/callrelay/internal/audio"
)

// WhisperTranscriber posts WAV audio to an OpenAI-compatible
// /v1/audio/transcriptions endpoint (whisper.cpp server, faster-whisper, ...).
type WhisperTranscriber struct {
	url      string
	language string
	client   *http.Client
}

func NewWhisperTranscriber(url, locale string, timeout time.Duration) *WhisperTranscriber {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	language := strings.TrimSpace(locale)
	if i := strings.IndexAny(language, "-_"); i > 0 {
		language = language[:i]
	}
	return &WhisperTranscriber{
		url:      strings.TrimSpace(url),
		language: strings.ToLower(language),
		client:   &http.Client{Timeout: timeout},
	}
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, ulaw []byte) (string, error) {
	wav := audio.EncodeWAVMulawAsPCM16(ulaw)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", &RecognitionError{Provider: "whisper", Err: err}
	}
	if _, err := part.Write(wav); err != nil {
		return "", &RecognitionError{Provider: "whisper", Err: err}
	}
	_ = mw.WriteField("response_format", "json")
	if w.language != "" {
		_ = mw.WriteField("language", w.language)
	}
	if err := mw.Close(); err != nil {
		return "", &RecognitionError{Provider: "whisper", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, &body)
	if err != nil {
		return "", &RecognitionError{Provider: "whisper", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	res, err := w.client.Do(req)
	if err != nil {
		return "", &RecognitionError{Provider: "whisper", Err: fmt.Errorf("send request: %w", err)}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", &RecognitionError{Provider: "whisper", Err: fmt.Errorf("read response: %w", err)}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", &RecognitionError{
			Provider: "whisper",
			Err:      fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(raw))),
		}
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return strings.TrimSpace(string(raw)), nil
	}
	return strings.TrimSpace(out.Text), nil
}
