package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	SampleRate = 22050

	toneHz        = 440.0
	toneAmplitude = 0.01
	bitDepth      = 16
	pcmFormat     = 1
)

// StubDuration is the length of placeholder audio for text: one second per
// ten characters, never below one second.
func StubDuration(text string) float64 {
	return math.Max(1.0, float64(utf8.RuneCountInString(text))/10)
}

// StubSynthesizer writes a quiet 440Hz tone sized to the text.
type StubSynthesizer struct{}

func NewStubSynthesizer() StubSynthesizer {
	return StubSynthesizer{}
}

func (StubSynthesizer) Synthesize(ctx context.Context, text, lang, outputPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	slog.Debug("stub tts", slog.String("lang", lang), slog.String("output", outputPath))

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return "", fmt.Errorf("tts stub: create dir: %w", err)
	}
	if err := writeTone(outputPath, StubDuration(text)); err != nil {
		return "", fmt.Errorf("tts stub: %w", err)
	}
	return outputPath, nil
}

func writeTone(path string, seconds float64) (err error) {
	samples := int(seconds * SampleRate)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: SampleRate},
		SourceBitDepth: bitDepth,
		Data:           make([]int, samples),
	}
	for i := range buf.Data {
		t := float64(i) / SampleRate
		buf.Data[i] = int(math.Round(math.Sin(2*math.Pi*toneHz*t) * toneAmplitude * math.MaxInt16))
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	enc := wav.NewEncoder(f, SampleRate, bitDepth, 1, pcmFormat)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write pcm: %w", err)
	}
	return enc.Close()
}

// CoquiSynthesizer calls a Coqui TTS server (GET /api/tts).
type CoquiSynthesizer struct {
	client  *http.Client
	baseURL string
}

func NewCoquiSynthesizer(client *http.Client, baseURL string) *CoquiSynthesizer {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &CoquiSynthesizer{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (c *CoquiSynthesizer) Synthesize(ctx context.Context, text, lang, outputPath string) (string, error) {
	if c.baseURL == "" {
		return "", errors.New("coqui: server url is not configured")
	}

	q := url.Values{}
	q.Set("text", text)
	q.Set("language_id", lang)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tts?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("coqui: build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("coqui: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("coqui: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return "", fmt.Errorf("coqui: create dir: %w", err)
	}
	if err := writeWAV(outputPath, resp.Body); err != nil {
		return "", fmt.Errorf("coqui: %w", err)
	}
	return outputPath, nil
}

// writeWAV stores r next to path and renames it into place once the bytes
// are confirmed to be a WAV file.
func writeWAV(path string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tts-*.wav")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("write audio: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return err
	}
	if !wav.NewDecoder(tmp).IsValidFile() {
		tmp.Close()
		return errors.New("response is not a wav file")
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
