package analysis_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/pitchpractice/internal/analysis"
	"github.com/MrWong99/pitchpractice/internal/rubric"
	"github.com/MrWong99/pitchpractice/pkg/provider/llm"
	"github.com/MrWong99/pitchpractice/pkg/provider/llm/mock"
)

const transcript = "Every week small teams lose hours to manual invoicing. We built Ledgerly, " +
	"a platform that sends invoices automatically. We have 40 paying customers. We are raising 500k."

func testRubric() rubric.Rubric {
	return rubric.Rubric{
		Name: "Test",
		Criteria: []rubric.Criterion{
			{Name: "Clarity", Description: "Easy to follow.", Weight: 3},
			{Name: "Ask", Weight: 1},
		},
	}
}

func reply(content string) *mock.Provider {
	return &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: content}}
}

func TestAnalyze_SendsRubricAndContext(t *testing.T) {
	t.Parallel()
	p := reply(`{"overall_score": 7.5, "summary": "Solid.", "criteria": [{"name": "clarity", "score": 8, "feedback": "Clear."}, {"name": "Ask", "score": 6}], "strengths": ["Concrete", " "], "improvements": ["Slow down"]}`)

	a := analysis.New(p, analysis.WithTemperature(0.1), analysis.WithMaxTokens(900))
	res, err := a.Analyze(context.Background(), analysis.Input{
		Transcript:   transcript,
		Rubric:       testRubric(),
		PitchContext: "Seed round, fintech.",
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if len(p.CompleteCalls) != 1 {
		t.Fatalf("Complete calls = %d, want 1", len(p.CompleteCalls))
	}
	req := p.CompleteCalls[0].Req
	if !req.JSON || req.Temperature != 0.1 || req.MaxTokens != 900 {
		t.Errorf("request options = json:%v temp:%v max:%d", req.JSON, req.Temperature, req.MaxTokens)
	}
	for _, want := range []string{"Rubric: Test", "- Clarity (weight 3): Easy to follow.", "- Ask (weight 1)", "Seed round, fintech."} {
		if !strings.Contains(req.SystemPrompt, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if len(req.Messages) != 1 || !strings.Contains(req.Messages[0].Content, "Ledgerly") {
		t.Errorf("messages = %+v", req.Messages)
	}

	if res.OverallScore != 7.5 || res.Summary != "Solid." || res.Rubric != "Test" {
		t.Errorf("result = %+v", res)
	}
	if len(res.Criteria) != 2 || res.Criteria[0].Name != "Clarity" || res.Criteria[0].Score != 8 || res.Criteria[0].Weight != 3 {
		t.Errorf("criteria = %+v", res.Criteria)
	}
	if len(res.Strengths) != 1 {
		t.Errorf("strengths = %q, want blank entries dropped", res.Strengths)
	}
	if res.Insights != nil {
		t.Error("insights attached without premium")
	}
}

func TestAnalyze_ScoreReconciliation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    float64
	}{
		{
			name:    "weighted mean when overall missing",
			content: `{"criteria": [{"name": "Clarity", "score": 8}, {"name": "Ask", "score": 4}]}`,
			want:    7,
		},
		{
			name:    "scores clamped",
			content: `{"criteria": [{"name": "Clarity", "score": 14}, {"name": "Ask", "score": -3}]}`,
			want:    7.5,
		},
		{
			name:    "overall clamped",
			content: `{"overall_score": 11, "criteria": []}`,
			want:    10,
		},
		{
			name:    "markdown fence",
			content: "```json\n{\"overall_score\": 6.04}\n```",
			want:    6,
		},
		{
			name:    "unknown criteria ignored",
			content: `{"criteria": [{"name": "Clarity", "score": 5}, {"name": "Charisma", "score": 10}]}`,
			want:    5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := analysis.New(reply(tt.content)).Analyze(context.Background(), analysis.Input{
				Transcript: transcript,
				Rubric:     testRubric(),
			})
			if err != nil {
				t.Fatalf("Analyze: %v", err)
			}
			if res.OverallScore != tt.want {
				t.Errorf("OverallScore = %v, want %v", res.OverallScore, tt.want)
			}
			for _, c := range res.Criteria {
				if c.Score < 0 || c.Score > analysis.MaxScore {
					t.Errorf("criterion %s score %v out of range", c.Name, c.Score)
				}
			}
		})
	}
}

func TestAnalyze_Errors(t *testing.T) {
	t.Parallel()

	in := analysis.Input{Transcript: transcript, Rubric: testRubric()}

	t.Run("empty transcript", func(t *testing.T) {
		t.Parallel()
		p := reply(`{}`)
		_, err := analysis.New(p).Analyze(context.Background(), analysis.Input{Transcript: "  ", Rubric: testRubric()})
		if !errors.Is(err, analysis.ErrEmptyTranscript) {
			t.Errorf("err = %v, want ErrEmptyTranscript", err)
		}
		if len(p.CompleteCalls) != 0 {
			t.Error("model called for empty transcript")
		}
	})

	t.Run("invalid rubric", func(t *testing.T) {
		t.Parallel()
		_, err := analysis.New(reply(`{}`)).Analyze(context.Background(), analysis.Input{Transcript: transcript})
		if err == nil {
			t.Error("want error for rubric without criteria")
		}
	})

	t.Run("provider error", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("boom")
		_, err := analysis.New(&mock.Provider{CompleteErr: boom}).Analyze(context.Background(), in)
		if !errors.Is(err, boom) {
			t.Errorf("err = %v, want wrapped boom", err)
		}
	})

	t.Run("nil response", func(t *testing.T) {
		t.Parallel()
		_, err := analysis.New(&mock.Provider{}).Analyze(context.Background(), in)
		if !errors.Is(err, llm.ErrEmptyResponse) {
			t.Errorf("err = %v, want ErrEmptyResponse", err)
		}
	})

	for name, content := range map[string]string{
		"prose":       "The pitch was great!",
		"no scores":   `{"summary": "nice"}`,
		"none scored": `{"criteria": [{"name": "Charisma", "score": 9}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := analysis.New(reply(content)).Analyze(context.Background(), in)
			if !errors.Is(err, analysis.ErrUnparseable) {
				t.Errorf("err = %v, want ErrUnparseable", err)
			}
		})
	}
}

func TestAnalyze_PremiumInsights(t *testing.T) {
	t.Parallel()
	res, err := analysis.New(reply(`{"overall_score": 6}`)).Analyze(context.Background(), analysis.Input{
		Transcript: transcript,
		Duration:   8 * time.Second,
		Rubric:     testRubric(),
		Premium:    true,
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Insights == nil {
		t.Fatal("premium result has no insights")
	}
	if res.Insights.WordCount == 0 || res.Insights.Pacing != analysis.PacingFast {
		t.Errorf("insights = %+v", res.Insights)
	}
}

func TestAnalyze_TruncatesLongTranscript(t *testing.T) {
	t.Parallel()
	p := reply(`{"overall_score": 5}`)
	p.ModelCapabilities = llm.ModelCapabilities{ContextWindow: 1500}

	long := strings.Repeat("word ", 4000)
	if _, err := analysis.New(p, analysis.WithMaxTokens(500)).Analyze(context.Background(), analysis.Input{
		Transcript: long,
		Rubric:     testRubric(),
	}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	req := p.CompleteCalls[0].Req
	n := llm.EstimateTokens(append([]llm.Message{{Role: llm.RoleSystem, Content: req.SystemPrompt}}, req.Messages...))
	if n > 1500 {
		t.Errorf("prompt estimated at %d tokens, want <= 1500", n)
	}
	if !strings.HasSuffix(req.Messages[0].Content, "[...]") {
		t.Error("truncated transcript is not marked")
	}
}

func TestWeightedScore(t *testing.T) {
	t.Parallel()
	got := analysis.WeightedScore([]analysis.CriterionScore{{Score: 9, Weight: 1}, {Score: 3, Weight: 2}})
	if got != 5 {
		t.Errorf("WeightedScore = %v, want 5", got)
	}
	if analysis.WeightedScore(nil) != 0 {
		t.Error("WeightedScore(nil) != 0")
	}
}
