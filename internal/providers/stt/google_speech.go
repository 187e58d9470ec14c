package stt

import (
	"context"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
)

type GoogleSpeech struct {
	c *speech.Client
}

func NewGoogleSpeech(ctx context.Context) (*GoogleSpeech, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GoogleSpeech{c: c}, nil
}

func (g *GoogleSpeech) Close() error { return g.c.Close() }

// TranscribeURI runs long-running recognition over a whole recording and
// joins the best alternative of every result. Confidence is the mean.
// language example: "en-US", "id-ID"
func (g *GoogleSpeech) TranscribeURI(ctx context.Context, gcsURI, language string) (string, float64, error) {
	if language == "" {
		language = "en-US"
	}

	op, err := g.c.LongRunningRecognize(ctx, &speechpb.LongRunningRecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			LanguageCode:               language,
			EnableAutomaticPunctuation: true,
			Model:                      "video",
			DiarizationConfig: &speechpb.SpeakerDiarizationConfig{
				EnableSpeakerDiarization: true,
				MinSpeakerCount:          2,
				MaxSpeakerCount:          4,
			},
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Uri{Uri: gcsURI},
		},
	})
	if err != nil {
		return "", 0, err
	}
	resp, err := op.Wait(ctx)
	if err != nil {
		return "", 0, err
	}

	var parts []string
	var total float64
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		best := r.Alternatives[0]
		if best.Transcript == "" {
			continue
		}
		parts = append(parts, strings.TrimSpace(best.Transcript))
		total += float64(best.Confidence)
	}
	if len(parts) == 0 {
		return "", 0, nil
	}
	return strings.Join(parts, " "), total / float64(len(parts)), nil
}
