package stage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type langPair struct {
	source string
	target string
}

var stubTranslations = map[langPair]string{
	{"en", "es"}: "Hola, esto es una traducción.",
	{"en", "fr"}: "Bonjour, ceci est une traduction.",
	{"en", "de"}: "Hallo, dies ist eine Übersetzung.",
}

// StubTranslator returns a fixed translation for known pairs and tags the
// input with the target language otherwise.
type StubTranslator struct {
	Latency time.Duration
}

func NewStubTranslator() StubTranslator {
	return StubTranslator{Latency: 200 * time.Millisecond}
}

func (s StubTranslator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	slog.Debug("stub translation", slog.String("source_lang", sourceLang), slog.String("target_lang", targetLang))
	if err := simulate(ctx, s.Latency); err != nil {
		return "", err
	}
	if out, ok := stubTranslations[langPair{sourceLang, targetLang}]; ok {
		return out, nil
	}
	return fmt.Sprintf("[%s] %s", targetLang, text), nil
}

// HelsinkiTranslator stands in for the Helsinki-NLP opus-mt models.
type HelsinkiTranslator struct {
	Latency time.Duration
}

func NewHelsinkiTranslator() HelsinkiTranslator {
	return HelsinkiTranslator{Latency: 500 * time.Millisecond}
}

func (h HelsinkiTranslator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	slog.Info("helsinki translation", slog.String("source_lang", sourceLang), slog.String("target_lang", targetLang))
	if err := simulate(ctx, h.Latency); err != nil {
		return "", err
	}
	return fmt.Sprintf("[Translated to %s] %s", targetLang, text), nil
}
