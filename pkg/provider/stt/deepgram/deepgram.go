// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// pre-recorded REST API. It implements the stt.Provider interface.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/pitchpractice/pkg/provider/stt"
)

const (
	deepgramEndpoint = "https://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"
	defaultTimeout   = 2 * time.Minute
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithKeyterms boosts recognition of domain terms such as product names.
func WithKeyterms(terms ...string) Option {
	return func(p *Provider) {
		p.keyterms = append(p.keyterms, terms...)
	}
}

// WithBaseURL overrides the listen endpoint. Used by tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.endpoint = u
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by the Deepgram REST API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	keyterms   []string
	endpoint   string
	httpClient *http.Client
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		endpoint:   deepgramEndpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe uploads req.Audio to Deepgram and returns the first alternative
// of the first channel.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Transcript, error) {
	if len(req.Audio) == 0 {
		return nil, fmt.Errorf("deepgram: %w", stt.ErrEmptyAudio)
	}
	u, err := p.buildURL(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(req.Audio))
	if err != nil {
		return nil, fmt.Errorf("deepgram: create request: %w", err)
	}
	mime := req.MimeType
	if mime == "" {
		mime = "audio/wav"
	}
	httpReq.Header.Set("Content-Type", mime)
	httpReq.Header.Set("Authorization", "Token "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("deepgram: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("deepgram: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deepgram: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	t, err := parseDeepgramResponse(data)
	if err != nil {
		return nil, fmt.Errorf("deepgram: %w", err)
	}
	if t.Language == "" {
		t.Language = languageOf(req, p.language)
	}
	return t, nil
}

// buildURL constructs the listen endpoint URL for the given request.
func (p *Provider) buildURL(req stt.Request) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", languageOf(req, p.language))
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")
	for _, kt := range p.keyterms {
		q.Add("keyterm", kt)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

func languageOf(req stt.Request, fallback string) string {
	if req.Language != "" {
		return req.Language
	}
	return fallback
}

// ---- response ----

// deepgramResponse is the subset of the pre-recorded response body we use.
type deepgramResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
				Words      []struct {
					Word           string  `json:"word"`
					PunctuatedWord string  `json:"punctuated_word"`
					Start          float64 `json:"start"`
					End            float64 `json:"end"`
					Confidence     float64 `json:"confidence"`
				} `json:"words"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// parseDeepgramResponse turns a raw response body into a Transcript. A body
// without any alternative is silence and yields an empty transcript.
func parseDeepgramResponse(data []byte) (*stt.Transcript, error) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse JSON response: %w", err)
	}
	t := &stt.Transcript{Duration: seconds(resp.Metadata.Duration)}
	if len(resp.Results.Channels) == 0 || len(resp.Results.Channels[0].Alternatives) == 0 {
		return t, nil
	}

	ch := resp.Results.Channels[0]
	alt := ch.Alternatives[0]
	words := make([]stt.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		word := w.PunctuatedWord
		if word == "" {
			word = w.Word
		}
		words = append(words, stt.WordDetail{
			Word:       word,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Confidence,
		})
	}

	t.Text = strings.TrimSpace(alt.Transcript)
	t.Language = ch.DetectedLanguage
	t.Confidence = alt.Confidence
	t.Words = words
	return t, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
