package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/language"
)

const defaultTranscript = "Hello, this is a test transcription."

var stubTranscripts = map[string]string{
	"es": "Hola, esto es una transcripción de prueba.",
	"fr": "Bonjour, ceci est une transcription de test.",
	"de": "Hallo, dies ist eine Testtranskription.",
}

// StubTranscriber returns a fixed transcript per language.
type StubTranscriber struct {
	Latency time.Duration
}

func NewStubTranscriber() StubTranscriber {
	return StubTranscriber{Latency: 300 * time.Millisecond}
}

func (s StubTranscriber) Transcribe(ctx context.Context, filePath, lang string) (string, error) {
	slog.Debug("stub transcription", slog.String("file", filePath), slog.String("lang", lang))
	if err := simulate(ctx, s.Latency); err != nil {
		return "", err
	}
	if text, ok := stubTranscripts[lang]; ok {
		return text, nil
	}
	return defaultTranscript, nil
}

// WhisperTranscriber calls the OpenAI audio transcription endpoint.
type WhisperTranscriber struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	model     string
	uploadDir string
}

func NewWhisperTranscriber(client *http.Client, baseURL, apiKey, uploadDir string) *WhisperTranscriber {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &WhisperTranscriber{
		client:    client,
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		model:     "whisper-1",
		uploadDir: uploadDir,
	}
}

type whisperResponse struct {
	Text string `json:"text"`
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, filePath, lang string) (string, error) {
	if w.apiKey == "" {
		return "", errors.New("whisper: api key is empty")
	}

	src, name, err := w.open(ctx, filePath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("model", w.model)
	_ = mw.WriteField("response_format", "json")
	if base := baseLanguage(lang); base != "" {
		_ = mw.WriteField("language", base)
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("whisper: form file: %w", err)
	}
	if _, err := io.Copy(part, src); err != nil {
		return "", fmt.Errorf("whisper: read source: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("whisper: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return "", errors.New("whisper: empty transcript")
	}
	return out.Text, nil
}

// open resolves a local path (relative paths fall back to the upload dir)
// or downloads an http(s) source.
func (w *WhisperTranscriber) open(ctx context.Context, source string) (io.ReadCloser, string, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, "", fmt.Errorf("whisper: source request: %w", err)
		}
		resp, err := w.client.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("whisper: download source: %w", err)
		}
		if resp.StatusCode/100 != 2 {
			resp.Body.Close()
			return nil, "", fmt.Errorf("whisper: download source: status %d", resp.StatusCode)
		}
		return resp.Body, filepath.Base(req.URL.Path), nil
	}

	path := source
	if _, err := os.Stat(path); err != nil && !filepath.IsAbs(path) && w.uploadDir != "" {
		path = filepath.Join(w.uploadDir, source)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("whisper: open source: %w", err)
	}
	return f, filepath.Base(path), nil
}

func baseLanguage(lang string) string {
	tag, err := language.Parse(lang)
	if err != nil {
		return ""
	}
	base, _ := tag.Base()
	return base.String()
}
