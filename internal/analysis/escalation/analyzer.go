package escalation

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Level grades how strongly a customer wants out of the automated flow.
type Level string

const (
	None   Level = "none"
	Mild   Level = "mild"
	Strong Level = "strong"
)

// Signal is the heuristic reading of one customer message.
type Signal struct {
	AgentRequested bool
	Frustration    int
	Level          Level
}

// Handoff reports whether the signal alone justifies skipping the model.
func (s Signal) Handoff() bool {
	return s.AgentRequested || s.Level == Strong
}

// Thresholds split frustration scores into levels.
type Thresholds struct {
	Mild   int
	Strong int
}

// DefaultThresholds: one frustrated keyword is mild, two plus shouting is strong.
var DefaultThresholds = Thresholds{Mild: 3, Strong: 7}

// agentRequests are whole phrases that name a person to talk to. Bare nouns
// such as "manager" or "operator" are left out: they also name products.
var agentRequests = []string{
	"human agent", "live agent", "real person", "real human", "talk to a human", "speak to a human",
	"speak with a human", "talk to someone", "speak to someone", "speak with someone",
	"customer service representative", "talk to an agent", "speak to an agent", "speak with an agent",
	"connect me to an agent", "transfer me to an agent", "transfer me to a human", "talk to a manager",
	"speak to a manager", "speak with a manager",
}

var frustrationWords = []string{
	"useless", "ridiculous", "terrible", "awful", "worst", "frustrated", "frustrating", "annoyed",
	"angry", "furious", "unacceptable", "waste of time", "not helpful", "doesn't help", "does not help",
	"stupid", "fed up", "sick of", "still not working", "again and again", "nobody helps", "scam",
	"pathetic", "hopeless",
}

// Analyzer scores customer text against keyword buckets.
type Analyzer struct {
	thresholds Thresholds
	requests   []string
	words      []string
}

// NewAnalyzer builds an analyzer. Extra phrases extend the built-in buckets.
func NewAnalyzer(thresholds Thresholds, extraRequests, extraWords []string) *Analyzer {
	if thresholds.Mild <= 0 {
		thresholds.Mild = DefaultThresholds.Mild
	}
	if thresholds.Strong <= thresholds.Mild {
		thresholds.Strong = DefaultThresholds.Strong
	}
	return &Analyzer{
		thresholds: thresholds,
		requests:   append(append([]string{}, agentRequests...), lowerAll(extraRequests)...),
		words:      append(append([]string{}, frustrationWords...), lowerAll(extraWords)...),
	}
}

// Analyze reads a single customer message.
func (a *Analyzer) Analyze(text string) Signal {
	normalized := strings.TrimSpace(strings.ToLower(text))
	if normalized == "" {
		return Signal{Level: None}
	}

	signal := Signal{AgentRequested: containsAnyWord(normalized, a.requests)}

	score := 0
	for _, word := range a.words {
		if containsWord(normalized, word) {
			score += 3
		}
	}
	if score > 0 {
		// Punctuation and shouting only amplify an existing complaint.
		exclamations := strings.Count(text, "!")
		if exclamations > 3 {
			exclamations = 3
		}
		score += exclamations
		if shouting(text) {
			score += 2
		}
	}
	signal.Frustration = score

	switch {
	case score >= a.thresholds.Strong:
		signal.Level = Strong
	case score >= a.thresholds.Mild:
		signal.Level = Mild
	default:
		signal.Level = None
	}
	return signal
}

// ContainsPhrase reports whether text contains any phrase, ignoring case.
func ContainsPhrase(text string, phrases []string) bool {
	return containsAny(strings.ToLower(text), lowerAll(phrases))
}

func containsAny(normalized string, phrases []string) bool {
	for _, phrase := range phrases {
		if phrase != "" && strings.Contains(normalized, phrase) {
			return true
		}
	}
	return false
}

func containsAnyWord(normalized string, phrases []string) bool {
	for _, phrase := range phrases {
		if containsWord(normalized, phrase) {
			return true
		}
	}
	return false
}

// containsWord matches phrase only where it is not glued to surrounding
// letters or digits, so "scam" does not fire inside "scampi".
func containsWord(normalized, phrase string) bool {
	if phrase == "" {
		return false
	}
	for offset := 0; offset < len(normalized); {
		i := strings.Index(normalized[offset:], phrase)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(phrase)
		if boundaryBefore(normalized, start) && boundaryAfter(normalized, end) {
			return true
		}
		offset = start + 1
	}
	return false
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func shouting(text string) bool {
	letters, upper := 0, 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters >= 8 && upper*10 >= letters*7
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(strings.ToLower(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
