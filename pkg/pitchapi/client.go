package pitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/pitchpractice/internal/entitlement"
	"github.com/MrWong99/pitchpractice/internal/resilience"
	"github.com/MrWong99/pitchpractice/pkg/run"
)

const (
	defaultTimeout  = 60 * time.Second
	defaultFileName = "pitch.wav"

	// maxErrorBody caps how much of an error response is read.
	maxErrorBody = 64 << 10
)

// Compile-time assertion that Client implements Backend.
var _ Backend = (*Client)(nil)

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithHTTPClient replaces the default *http.Client (60s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithToken sets the bearer token sent in the Authorization header. The
// backend resolves the caller's plan from it.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithCircuitBreaker replaces the default breaker guarding all requests.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) {
		c.breaker = cb
	}
}

// Client is the HTTP implementation of [Backend]. It is safe for concurrent
// use.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	token   string
	breaker *resilience.CircuitBreaker
}

// NewClient creates a Client for the backend at baseURL
// (e.g., "http://localhost:8088").
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("pitchapi: base URL must not be empty")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("pitchapi: parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("pitchapi: base URL %q must be http or https", baseURL)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = NewBreaker(resilience.CircuitBreakerConfig{})
	}
	return c, nil
}

// NewBreaker returns a circuit breaker configured so that only transport
// failures and 5xx/429 responses count against it. Client errors and caller
// cancellation pass through without tripping it.
func NewBreaker(cfg resilience.CircuitBreakerConfig) *resilience.CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "pitchapi"
	}
	cfg.IsFailure = countsAsFailure
	return resilience.NewCircuitBreaker(cfg)
}

func countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

// CreateRun implements [Backend].
func (c *Client) CreateRun(ctx context.Context, req UploadRequest) (string, error) {
	if len(req.Audio) == 0 {
		return "", errors.New("pitchapi: create run: empty audio")
	}
	if err := req.Rubric.Validate(); err != nil {
		return "", fmt.Errorf("pitchapi: create run: %w", err)
	}

	body, contentType, err := encodeUpload(req)
	if err != nil {
		return "", fmt.Errorf("pitchapi: create run: %w", err)
	}

	var resp CreateRunResponse
	if err := c.do(ctx, http.MethodPost, "/api/runs", contentType, body, &resp); err != nil {
		return "", fmt.Errorf("pitchapi: create run: %w", err)
	}
	if resp.ID == "" {
		return "", errors.New("pitchapi: create run: response carries no run id")
	}
	return resp.ID, nil
}

// Transcribe implements [Backend].
func (c *Client) Transcribe(ctx context.Context, runID string) (TranscribeResult, error) {
	if runID == "" {
		return TranscribeResult{}, errors.New("pitchapi: transcribe: empty run id")
	}
	var res TranscribeResult
	path := "/api/runs/" + url.PathEscape(runID) + "/transcribe"
	if err := c.do(ctx, http.MethodPost, path, "", nil, &res); err != nil {
		return TranscribeResult{}, fmt.Errorf("pitchapi: transcribe: %w", err)
	}
	return res, nil
}

// Analyze implements [Backend].
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest) (AnalyzeResult, error) {
	if req.RunID == "" {
		return AnalyzeResult{}, errors.New("pitchapi: analyze: empty run id")
	}
	if err := req.Rubric.Validate(); err != nil {
		return AnalyzeResult{}, fmt.Errorf("pitchapi: analyze: %w", err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return AnalyzeResult{}, fmt.Errorf("pitchapi: analyze: encode: %w", err)
	}
	var res AnalyzeResult
	path := "/api/runs/" + url.PathEscape(req.RunID) + "/analyze"
	if err := c.do(ctx, http.MethodPost, path, "application/json", payload, &res); err != nil {
		return AnalyzeResult{}, fmt.Errorf("pitchapi: analyze: %w", err)
	}
	return res, nil
}

// GetRun implements [Backend].
func (c *Client) GetRun(ctx context.Context, runID string) (run.Run, error) {
	if runID == "" {
		return run.Run{}, errors.New("pitchapi: get run: empty run id")
	}
	var r run.Run
	if err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID), "", nil, &r); err != nil {
		return run.Run{}, fmt.Errorf("pitchapi: get run: %w", err)
	}
	return r, nil
}

// ResolvePlan implements [Backend].
func (c *Client) ResolvePlan(ctx context.Context) (entitlement.Entitlement, error) {
	var e entitlement.Entitlement
	if err := c.do(ctx, http.MethodGet, "/api/entitlement", "", nil, &e); err != nil {
		return entitlement.Entitlement{}, fmt.Errorf("pitchapi: resolve plan: %w", err)
	}
	return e, nil
}

// Breaker returns the circuit breaker guarding this client's requests.
func (c *Client) Breaker() *resilience.CircuitBreaker { return c.breaker }

// ---- helpers ----------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	return c.breaker.Execute(func() error {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, rd)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return decodeError(resp)
		}
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body ErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Detail = body.Details
		return apiErr
	}
	apiErr.Detail = strings.TrimSpace(string(raw))
	return apiErr
}

// encodeUpload builds the multipart body for CreateRun.
func encodeUpload(req UploadRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	name := req.FileName
	if name == "" {
		name = defaultFileName
	}
	mime := req.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, FieldAudio, name))
	h.Set("Content-Type", mime)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(req.Audio); err != nil {
		return nil, "", err
	}

	if req.Rubric.IsCustom() {
		data, err := json.Marshal(req.Rubric.Custom)
		if err != nil {
			return nil, "", fmt.Errorf("encode rubric: %w", err)
		}
		if err := mw.WriteField(FieldRubricJSON, string(data)); err != nil {
			return nil, "", err
		}
	} else if err := mw.WriteField(FieldRubricID, req.Rubric.RubricID); err != nil {
		return nil, "", err
	}
	if req.PitchContext != "" {
		if err := mw.WriteField(FieldPitchContext, req.PitchContext); err != nil {
			return nil, "", err
		}
	}
	if req.DurationMs > 0 {
		if err := mw.WriteField(FieldDurationMs, strconv.FormatInt(req.DurationMs, 10)); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}
