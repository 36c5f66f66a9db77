// Package whisper provides a whisper.cpp-backed STT provider.
//
// It talks to a running whisper-server binary, which exposes a REST API at
// POST /inference. whisper.cpp only accepts 16 kHz audio, so payloads in any
// other WAV format are resampled and downmixed before they are sent.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	)
//	t, err := p.Transcribe(ctx, stt.Request{Audio: wav})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/pitchpractice/pkg/audio"
	"github.com/MrWong99/pitchpractice/pkg/provider/stt"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 5 * time.Minute
)

// inputFormat is the only format whisper.cpp decodes natively.
var inputFormat = audio.Format{SampleRate: 16000, Channels: 1}

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with, which is the default.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language code sent to the whisper.cpp server when a
// request carries none (e.g., "en", "de", "auto"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTemperature sets the decoding temperature. Zero (the default) asks for
// greedy decoding.
func WithTemperature(t float64) Option {
	return func(p *Provider) {
		p.temperature = t
	}
}

// WithHTTPClient replaces the HTTP client. The default client times out after
// five minutes, enough for a ten minute pitch on a small model.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
type Provider struct {
	serverURL   string
	model       string
	language    string
	temperature float64
	httpClient  *http.Client
}

// New creates a new Provider that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe sends req.Audio to the /inference endpoint and returns the text.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Transcript, error) {
	if len(req.Audio) == 0 {
		return nil, fmt.Errorf("whisper: %w", stt.ErrEmptyAudio)
	}
	wav, err := audio.NormalizeWAV(req.Audio, inputFormat)
	if err != nil {
		return nil, fmt.Errorf("whisper: prepare audio: %w", err)
	}
	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	body, contentType, err := p.encodeForm(wav, lang, req.Prompt)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", body)
	if err != nil {
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("whisper: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var result struct {
		Text     string `json:"text"`
		Language string `json:"language"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	d, _ := audio.WAVDuration(wav)
	return &stt.Transcript{
		Text:     strings.TrimSpace(result.Text),
		Language: result.Language,
		Duration: d,
	}, nil
}

// encodeForm builds the multipart body whisper-server expects.
func (p *Provider) encodeForm(wav []byte, lang, prompt string) (io.Reader, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, "", fmt.Errorf("whisper: write wav data: %w", err)
	}

	fields := []struct{ name, value string }{
		{"response_format", "json"},
		{"language", lang},
		{"model", p.model},
		{"prompt", prompt},
		{"temperature", strconv.FormatFloat(p.temperature, 'f', -1, 64)},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := mw.WriteField(f.name, f.value); err != nil {
			return nil, "", fmt.Errorf("whisper: write %s field: %w", f.name, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}
