// Package openai provides an STT provider backed by the OpenAI audio
// transcription endpoint. Any server that implements POST
// /audio/transcriptions (for example a local faster-whisper-server) can be
// targeted with [WithBaseURL].
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/pitchpractice/pkg/audio"
	"github.com/MrWong99/pitchpractice/pkg/provider/stt"
)

// DefaultModel is the transcription model used when none is configured.
const DefaultModel = string(oai.AudioModelWhisper1)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

type config struct {
	baseURL    string
	language   string
	timeout    time.Duration
	maxRetries int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithLanguage sets the default ISO-639-1 language hint. Empty lets the model
// detect the language.
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often the SDK retries failed requests. Negative
// values keep the SDK default.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// Provider implements stt.Provider using the OpenAI API.
type Provider struct {
	client   oai.Client
	model    string
	language string
}

// New constructs a Provider. An empty model selects [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := &config{maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}
	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		language: cfg.language,
	}, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Transcript, error) {
	if len(req.Audio) == 0 {
		return nil, fmt.Errorf("openai stt: %w", stt.ErrEmptyAudio)
	}
	mime := req.MimeType
	if mime == "" {
		mime = "audio/wav"
	}

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(req.Audio), "pitch"+extension(mime), mime),
		Model: oai.AudioModel(p.model),
	}
	lang := req.Language
	if lang == "" {
		lang = p.language
	}
	if lang != "" {
		params.Language = oai.String(lang)
	}
	if req.Prompt != "" {
		params.Prompt = oai.String(req.Prompt)
	}

	res, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai stt: transcribe: %w", err)
	}

	t := &stt.Transcript{Text: strings.TrimSpace(res.Text), Language: lang}
	if mime == "audio/wav" || mime == "audio/x-wav" {
		t.Duration, _ = audio.WAVDuration(req.Audio)
	}
	return t, nil
}

// extension maps a content type to the file suffix the API uses to sniff
// the container format.
func extension(mime string) string {
	switch strings.TrimPrefix(mime, "audio/") {
	case "webm":
		return ".webm"
	case "ogg":
		return ".ogg"
	case "mpeg", "mp3":
		return ".mp3"
	case "mp4", "m4a", "x-m4a":
		return ".m4a"
	case "flac":
		return ".flac"
	default:
		return ".wav"
	}
}
