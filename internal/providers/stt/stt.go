package stt

import "context"

type Provider interface {
	// TranscribeURI transcribes audio already stored in GCS (gs://bucket/object).
	TranscribeURI(ctx context.Context, gcsURI, language string) (text string, confidence float64, err error)
	Close() error
}
