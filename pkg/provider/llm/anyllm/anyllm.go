// Package anyllm scores pitches through github.com/mozilla-ai/any-llm-go,
// which puts Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq and local
// llama.cpp servers behind one completion call.
//
//	p, err := anyllm.New("anthropic", "claude-3-5-sonnet-latest", anyllmlib.WithAPIKey(key))
//
// Not every backend has a structured output mode, so JSON requests are
// enforced through the system prompt.
package anyllm

import (
	"context"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/pitchpractice/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// backendFunc constructs one any-llm-go backend. Without an API key option
// each backend reads its usual environment variable (ANTHROPIC_API_KEY, ...).
type backendFunc func(opts ...anyllmlib.Option) (anyllmlib.Provider, error)

var backends = map[string]backendFunc{
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"llamafile": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) },
}

// Backends lists the backend names New accepts, sorted.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Provider implements llm.Provider on top of an any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	name    string
	model   string
}

// New creates a Provider for the named backend (see [Backends]) and model.
func New(backendName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if backendName == "" {
		return nil, fmt.Errorf("anyllm: backend name must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	name := strings.ToLower(backendName)
	fn, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q; supported: %s", backendName, strings.Join(Backends(), ", "))
	}
	b, err := fn(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", name, err)
	}
	return &Provider{backend: b, name: name, model: model}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: %s: %w", p.name, llm.ErrEmptyResponse)
	}

	choice := resp.Choices[0]
	out := &llm.CompletionResponse{
		Content:      choice.Message.ContentString(),
		FinishReason: string(choice.FinishReason),
	}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

// CountTokens implements llm.Provider.
// TODO: replace with a real tokenizer (e.g., tiktoken-go) for accurate per-model counting.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return modelCapabilities(p.model)
}

// jsonInstruction is appended to the system prompt of JSON requests.
const jsonInstruction = "Respond with a single valid JSON object and nothing else."

func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Messages)+1)

	system := req.SystemPrompt
	if req.JSON {
		system = strings.TrimSpace(system + "\n\n" + jsonInstruction)
	}
	if system != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: system})
	}
	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: messages}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}

func convertMessage(m llm.Message) anyllmlib.Message {
	return anyllmlib.Message{Role: m.Role, Content: m.Content}
}

// capabilityRule overrides the defaults for models whose lowercased name
// matches. Zero fields keep the default.
type capabilityRule struct {
	match     func(model string) bool
	window    int
	maxOutput int
	json      bool
}

func prefix(p ...string) func(string) bool {
	return func(m string) bool {
		return slices.ContainsFunc(p, func(s string) bool { return strings.HasPrefix(m, s) })
	}
}

func contains(sub string) func(string) bool {
	return func(m string) bool { return strings.Contains(m, sub) }
}

// capabilityRules is evaluated in order; the first match wins.
var capabilityRules = []capabilityRule{
	{match: prefix("gpt-4o", "gpt-4.1"), maxOutput: 16_384, json: true},
	{match: prefix("gpt-4-turbo"), json: true},
	{match: prefix("gpt-4"), window: 8_192},
	{match: prefix("gpt-3.5-turbo"), window: 16_385, json: true},
	{match: prefix("o1-mini"), maxOutput: 65_536},
	{match: prefix("o1", "o3", "o4"), window: 200_000, maxOutput: 100_000},
	{match: contains("claude-3-opus"), window: 200_000},
	{match: contains("claude"), window: 200_000, maxOutput: 8_192},
	{match: contains("gemini-1.5-pro"), window: 2_097_152, maxOutput: 8_192},
	{match: contains("gemini-1.5-flash"), window: 1_048_576, maxOutput: 8_192},
	{match: contains("gemini-2"), window: 1_048_576, maxOutput: 8_192},
	{match: prefix("gemini"), maxOutput: 8_192},
}

// modelCapabilities returns conservative defaults for unknown models.
func modelCapabilities(model string) llm.ModelCapabilities {
	caps := llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}
	lower := strings.ToLower(model)
	for _, r := range capabilityRules {
		if !r.match(lower) {
			continue
		}
		if r.window > 0 {
			caps.ContextWindow = r.window
		}
		if r.maxOutput > 0 {
			caps.MaxOutputTokens = r.maxOutput
		}
		caps.SupportsJSONMode = r.json
		break
	}
	return caps
}
