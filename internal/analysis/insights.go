package analysis

import (
	"slices"
	"strings"
	"time"
	"unicode"
)

// Pacing bands in words per minute.
const (
	SlowWPM = 110
	FastWPM = 170
)

// Pacing labels.
const (
	PacingSlow    = "slow"
	PacingGood    = "good"
	PacingFast    = "fast"
	PacingUnknown = "unknown"
)

// fillers lists single and multi-word filler phrases in lower case.
var fillers = []string{
	"um", "uh", "er", "ah", "hmm",
	"like", "basically", "actually", "literally", "so yeah",
	"you know", "i mean", "sort of", "kind of",
}

// sections maps a pitch section to the cue phrases that mark it.
var sections = []struct {
	name string
	cues []string
}{
	{"problem", []string{"problem", "pain", "struggle", "frustrat", "challenge", "today people"}},
	{"solution", []string{"solution", "we built", "our product", "we help", "we solve", "platform", "introducing"}},
	{"evidence", []string{"customers", "revenue", "users", "growth", "pilot", "traction", "percent", "%"}},
	{"ask", []string{"we are raising", "we're raising", "looking for", "invest", "sign up", "next step", "join us", "ask"}},
}

// Insights are delivery metrics computed from the transcript.
type Insights struct {
	WordCount      int            `json:"word_count"`
	WordsPerMinute float64        `json:"words_per_minute"`
	Pacing         string         `json:"pacing"`
	FillerCount    int            `json:"filler_count"`
	FillerPer100   float64        `json:"filler_per_100_words"`
	Fillers        map[string]int `json:"fillers,omitempty"`
	Sections       []string       `json:"sections"`
	MissingParts   []string       `json:"missing_sections,omitempty"`
}

// ComputeInsights derives pacing, filler and structure metrics from text. A
// zero duration leaves the pacing unknown.
func ComputeInsights(text string, d time.Duration) Insights {
	words := tokenize(text)
	ins := Insights{WordCount: len(words), Pacing: PacingUnknown, Sections: []string{}}

	if d > 0 && len(words) > 0 {
		ins.WordsPerMinute = round1(float64(len(words)) / d.Minutes())
		switch {
		case ins.WordsPerMinute < SlowWPM:
			ins.Pacing = PacingSlow
		case ins.WordsPerMinute > FastWPM:
			ins.Pacing = PacingFast
		default:
			ins.Pacing = PacingGood
		}
	}

	joined := " " + strings.Join(words, " ") + " "
	for _, f := range fillers {
		if n := strings.Count(joined, " "+f+" "); n > 0 {
			if ins.Fillers == nil {
				ins.Fillers = make(map[string]int)
			}
			ins.Fillers[f] = n
			ins.FillerCount += n
		}
	}
	if len(words) > 0 {
		ins.FillerPer100 = round1(float64(ins.FillerCount) * 100 / float64(len(words)))
	}

	lower := strings.ToLower(text)
	for _, s := range sections {
		if slices.ContainsFunc(s.cues, func(c string) bool { return strings.Contains(lower, c) }) {
			ins.Sections = append(ins.Sections, s.name)
		} else {
			ins.MissingParts = append(ins.MissingParts, s.name)
		}
	}
	return ins
}

// tokenize lower-cases text and splits it into words, dropping punctuation
// except inner apostrophes.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.Trim(f, "'"); f != "" {
			out = append(out, f)
		}
	}
	return out
}
