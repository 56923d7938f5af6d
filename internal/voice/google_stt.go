package voice

import (
	"context"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/ent0n29/callrelay/internal/audio"
)

// GoogleTranscriber recognizes committed utterances with Cloud Speech-to-Text.
// Credentials come from Application Default Credentials.
type GoogleTranscriber struct {
	client       *speech.Client
	languageCode string
}

func NewGoogleTranscriber(ctx context.Context, languageCode string) (*GoogleTranscriber, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	if strings.TrimSpace(languageCode) == "" {
		languageCode = "en-US"
	}
	return &GoogleTranscriber{client: client, languageCode: languageCode}, nil
}

func (g *GoogleTranscriber) Transcribe(ctx context.Context, ulaw []byte) (string, error) {
	resp, err := g.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   speechpb.RecognitionConfig_MULAW,
			SampleRateHertz:            audio.MulawSampleRate,
			LanguageCode:               g.languageCode,
			Model:                      "phone_call",
			UseEnhanced:                true,
			EnableAutomaticPunctuation: true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: ulaw},
		},
	})
	if err != nil {
		return "", &RecognitionError{Provider: "google", Err: err}
	}

	var parts []string
	for _, result := range resp.GetResults() {
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		if text := strings.TrimSpace(alts[0].GetTranscript()); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

func (g *GoogleTranscriber) Close() error {
	return g.client.Close()
}
