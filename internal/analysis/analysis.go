// Package analysis scores a pitch transcript against a rubric with a language
// model.
//
// The [Analyzer] sends the transcript, the rubric criteria and optional pitch
// context to an [llm.Provider] and asks for a strict JSON verdict. The reply
// is validated locally: per-criterion scores are clamped to [0, 10], matched
// back to the rubric's criteria, and the overall score is recomputed as the
// weighted mean when the model leaves it out. Premium insights (filler
// words, pacing, structure) are derived from the transcript itself and never
// from the model.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/MrWong99/pitchpractice/internal/rubric"
	"github.com/MrWong99/pitchpractice/pkg/provider/llm"
)

const (
	defaultTemperature = 0.2
	defaultMaxTokens   = 1200

	// MaxScore is the top of the per-criterion and overall scale.
	MaxScore = 10.0
)

var (
	// ErrEmptyTranscript is returned for a transcript without words.
	ErrEmptyTranscript = errors.New("analysis: transcript is empty")

	// ErrUnparseable is returned when the model reply is not the expected JSON.
	ErrUnparseable = errors.New("analysis: model reply is not valid analysis JSON")
)

const systemPromptTemplate = `You are an experienced pitch coach. Score the speaker's pitch transcript against the rubric below.

Rules:
- Score every criterion from 0 to 10, where 10 is outstanding.
- Use the exact criterion names from the rubric.
- Feedback is specific, actionable and refers to what the speaker actually said.
- Judge only the transcript; do not invent content the speaker did not say.

Rubric: %s
%s
Criteria (name, weight, what to look for):
%s
Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "overall_score": <0-10>,
  "summary": "<two or three sentences>",
  "criteria": [
    {"name": "<criterion name>", "score": <0-10>, "feedback": "<feedback>"}
  ],
  "strengths": ["<strength>"],
  "improvements": ["<improvement>"]
}`

// Input is one analysis job.
type Input struct {
	Transcript   string
	Duration     time.Duration
	Rubric       rubric.Rubric
	PitchContext string

	// Premium attaches locally computed [Insights] to the result.
	Premium bool
}

// CriterionScore is the verdict for one rubric criterion.
type CriterionScore struct {
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
	Weight   float64 `json:"weight"`
	Feedback string  `json:"feedback,omitempty"`
}

// Result is the analysis attached to an analyzed run.
type Result struct {
	Rubric       string           `json:"rubric"`
	OverallScore float64          `json:"overall_score"`
	Summary      string           `json:"summary"`
	Criteria     []CriterionScore `json:"criteria"`
	Strengths    []string         `json:"strengths,omitempty"`
	Improvements []string         `json:"improvements,omitempty"`
	Insights     *Insights        `json:"insights,omitempty"`
	Usage        llm.Usage        `json:"-"`
}

// llmResponse is the JSON structure requested from the model.
type llmResponse struct {
	OverallScore *float64 `json:"overall_score"`
	Summary      string   `json:"summary"`
	Criteria     []struct {
		Name     string  `json:"name"`
		Score    float64 `json:"score"`
		Feedback string  `json:"feedback"`
	} `json:"criteria"`
	Strengths    []string `json:"strengths"`
	Improvements []string `json:"improvements"`
}

// Option is a functional option for configuring an [Analyzer].
type Option func(*Analyzer)

// WithTemperature sets the LLM sampling temperature. Default: 0.2.
func WithTemperature(temp float64) Option {
	return func(a *Analyzer) {
		a.temperature = temp
	}
}

// WithMaxTokens caps the length of the model reply. Default: 1200.
func WithMaxTokens(n int) Option {
	return func(a *Analyzer) {
		a.maxTokens = n
	}
}

// Analyzer scores transcripts. It is safe for concurrent use.
type Analyzer struct {
	llm         llm.Provider
	temperature float64
	maxTokens   int
}

// New returns an Analyzer backed by provider.
func New(provider llm.Provider, opts ...Option) *Analyzer {
	a := &Analyzer{
		llm:         provider,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Analyze scores in.Transcript against in.Rubric.
//
// Transport and context errors are returned wrapped; a reply that cannot be
// parsed yields [ErrUnparseable].
func (a *Analyzer) Analyze(ctx context.Context, in Input) (*Result, error) {
	if strings.TrimSpace(in.Transcript) == "" {
		return nil, ErrEmptyTranscript
	}
	if err := in.Rubric.Validate(); err != nil {
		return nil, fmt.Errorf("analysis: %w", err)
	}

	sys := buildSystemPrompt(in.Rubric, in.PitchContext)
	transcript := a.fitTranscript(sys, in.Transcript)
	req := llm.CompletionRequest{
		SystemPrompt: sys,
		Temperature:  a.temperature,
		MaxTokens:    a.maxTokens,
		JSON:         true,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "Transcript:\n" + transcript},
		},
	}

	resp, err := a.llm.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("analysis: complete: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("analysis: complete: %w", llm.ErrEmptyResponse)
	}

	res, err := parseResponse(resp.Content, in.Rubric)
	if err != nil {
		return nil, err
	}
	res.Usage = resp.Usage
	if in.Premium {
		ins := ComputeInsights(in.Transcript, in.Duration)
		res.Insights = &ins
	}
	return res, nil
}

// fitTranscript trims the transcript so prompt and reply fit the model's
// context window. Trimming keeps the opening, where the hook lives.
func (a *Analyzer) fitTranscript(sys, transcript string) string {
	window := a.llm.Capabilities().ContextWindow
	if window <= 0 {
		return transcript
	}
	budget := window - a.maxTokens
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: sys}, {Role: llm.RoleUser, Content: transcript}}
	n, err := a.llm.CountTokens(msgs)
	if err != nil || n <= budget {
		return transcript
	}
	fixed := n - llm.EstimateTokens(msgs[1:])
	keep := budget - fixed
	if keep <= 0 {
		return ""
	}
	// EstimateTokens counts roughly four bytes per token.
	cut := min(len(transcript), keep*4)
	for cut > 0 && cut < len(transcript) && !isBoundary(transcript[cut]) {
		cut--
	}
	return strings.TrimSpace(transcript[:cut]) + " [...]"
}

func isBoundary(b byte) bool { return b == ' ' || b == '\n' || b == '\t' }

// buildSystemPrompt formats the system prompt template with the rubric.
func buildSystemPrompt(r rubric.Rubric, pitchContext string) string {
	var sb strings.Builder
	for _, c := range r.Criteria {
		fmt.Fprintf(&sb, "- %s (weight %g)", c.Name, c.EffectiveWeight())
		if c.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(c.Description)
		}
		sb.WriteByte('\n')
	}
	ctxLine := ""
	if pc := strings.TrimSpace(pitchContext); pc != "" {
		ctxLine = "Context from the speaker: " + pc + "\n"
	}
	return fmt.Sprintf(systemPromptTemplate, r.Name, ctxLine, sb.String())
}

// parseResponse decodes the model reply and reconciles it with the rubric.
func parseResponse(content string, r rubric.Rubric) (*Result, error) {
	var raw llmResponse
	if err := json.Unmarshal([]byte(stripMarkdown(content)), &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnparseable, err)
	}
	if len(raw.Criteria) == 0 && raw.OverallScore == nil {
		return nil, fmt.Errorf("%w: no scores in reply", ErrUnparseable)
	}

	byName := make(map[string]int, len(raw.Criteria))
	for i, c := range raw.Criteria {
		byName[normalise(c.Name)] = i
	}

	res := &Result{
		Rubric:       r.Name,
		Summary:      strings.TrimSpace(raw.Summary),
		Strengths:    nonEmpty(raw.Strengths),
		Improvements: nonEmpty(raw.Improvements),
		Criteria:     make([]CriterionScore, 0, len(r.Criteria)),
	}
	var weighted, totalWeight float64
	for _, c := range r.Criteria {
		cs := CriterionScore{Name: c.Name, Weight: c.EffectiveWeight()}
		i, ok := byName[normalise(c.Name)]
		if !ok {
			res.Criteria = append(res.Criteria, cs)
			continue
		}
		cs.Score = clamp(raw.Criteria[i].Score)
		cs.Feedback = strings.TrimSpace(raw.Criteria[i].Feedback)
		res.Criteria = append(res.Criteria, cs)
		weighted += cs.Score * cs.Weight
		totalWeight += cs.Weight
	}

	switch {
	case raw.OverallScore != nil:
		res.OverallScore = round1(clamp(*raw.OverallScore))
	case totalWeight > 0:
		res.OverallScore = round1(weighted / totalWeight)
	default:
		return nil, fmt.Errorf("%w: no rubric criterion was scored", ErrUnparseable)
	}
	return res, nil
}

// WeightedScore returns the weight-averaged score of cs, or 0 when cs is empty.
func WeightedScore(cs []CriterionScore) float64 {
	var sum, w float64
	for _, c := range cs {
		sum += c.Score * c.Weight
		w += c.Weight
	}
	if w == 0 {
		return 0
	}
	return round1(sum / w)
}

// ---- helpers ----------------------------------------------------------------

// stripMarkdown removes a ```json fence some models wrap around their reply.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func normalise(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(MaxScore, v))
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
