// Package stage holds the three pipeline stages and their backends.
//
// Every stage pairs a primary backend with a stub. When the primary fails the
// failure is logged and the stub produces the artifact instead, so a stage
// only returns an error when the stub itself cannot run.
package stage

import (
	"context"
	"log/slog"
	"time"
)

type Transcriber interface {
	Transcribe(ctx context.Context, filePath, lang string) (string, error)
}

type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

type Synthesizer interface {
	// Synthesize writes audio for text to outputPath and returns the path written.
	Synthesize(ctx context.Context, text, lang, outputPath string) (string, error)
}

// NewTranscriber returns stub alone unless usePrimary is set.
func NewTranscriber(primary, stub Transcriber, usePrimary bool) Transcriber {
	if !usePrimary || primary == nil {
		return stub
	}
	return WithTranscriberFallback(primary, stub)
}

func NewTranslator(primary, stub Translator, usePrimary bool) Translator {
	if !usePrimary || primary == nil {
		return stub
	}
	return WithTranslatorFallback(primary, stub)
}

func NewSynthesizer(primary, stub Synthesizer, usePrimary bool) Synthesizer {
	if !usePrimary || primary == nil {
		return stub
	}
	return WithSynthesizerFallback(primary, stub)
}

type fallbackTranscriber struct {
	primary  Transcriber
	fallback Transcriber
}

func WithTranscriberFallback(primary, fallback Transcriber) Transcriber {
	return &fallbackTranscriber{primary: primary, fallback: fallback}
}

func (f *fallbackTranscriber) Transcribe(ctx context.Context, filePath, lang string) (string, error) {
	text, err := f.primary.Transcribe(ctx, filePath, lang)
	if err == nil {
		return text, nil
	}
	slog.Warn("transcription failed, using stub",
		slog.String("file", filePath),
		slog.String("lang", lang),
		slog.String("error", err.Error()),
	)
	return f.fallback.Transcribe(ctx, filePath, lang)
}

type fallbackTranslator struct {
	primary  Translator
	fallback Translator
}

func WithTranslatorFallback(primary, fallback Translator) Translator {
	return &fallbackTranslator{primary: primary, fallback: fallback}
}

func (f *fallbackTranslator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	out, err := f.primary.Translate(ctx, text, sourceLang, targetLang)
	if err == nil {
		return out, nil
	}
	slog.Warn("translation failed, using stub",
		slog.String("source_lang", sourceLang),
		slog.String("target_lang", targetLang),
		slog.String("error", err.Error()),
	)
	return f.fallback.Translate(ctx, text, sourceLang, targetLang)
}

type fallbackSynthesizer struct {
	primary  Synthesizer
	fallback Synthesizer
}

func WithSynthesizerFallback(primary, fallback Synthesizer) Synthesizer {
	return &fallbackSynthesizer{primary: primary, fallback: fallback}
}

func (f *fallbackSynthesizer) Synthesize(ctx context.Context, text, lang, outputPath string) (string, error) {
	path, err := f.primary.Synthesize(ctx, text, lang, outputPath)
	if err == nil {
		return path, nil
	}
	slog.Warn("tts failed, using stub",
		slog.String("lang", lang),
		slog.String("output", outputPath),
		slog.String("error", err.Error()),
	)
	return f.fallback.Synthesize(ctx, text, lang, outputPath)
}

// simulate stands in for inference latency.
func simulate(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
