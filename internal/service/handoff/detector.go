package handoff

import (
	"github.com/zhouzirui/harbour-desk/backend/internal/analysis/escalation"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/ai"
)

// DefaultPhrases are matched in reply text when the engine did not tag a handoff.
var DefaultPhrases = []string{
	"connecting you to a live agent",
	"HANDOFF_TRIGGERED_ACTION",
	"TRANSFER_AGENT",
}

// Action is what the router should do with an engine result.
type Action string

const (
	ActionReply   Action = "reply"
	ActionHandoff Action = "handoff"
)

// Source records which signal produced a handoff.
type Source string

const (
	SourceNone     Source = ""
	SourceResult   Source = "result"
	SourceFallback Source = "phrase_fallback"
)

// Decision is the classified outcome.
type Decision struct {
	Action Action
	Source Source
	Reason string
	// Text is the bot message to persist for ActionReply.
	Text string
}

// Detector classifies engine results.
type Detector struct {
	phrases []string
}

// NewDetector uses phrases as the fallback list; nil means DefaultPhrases.
func NewDetector(phrases []string) *Detector {
	if phrases == nil {
		phrases = DefaultPhrases
	}
	return &Detector{phrases: phrases}
}

// Classify prefers the structured result kind. The phrase scan only runs on
// reply text and is the lowest-priority signal.
func (d *Detector) Classify(result ai.Result) Decision {
	if result.Kind == ai.KindHandoff {
		return Decision{Action: ActionHandoff, Source: SourceResult, Reason: result.Reason}
	}
	if result.Kind == ai.KindReply && escalation.ContainsPhrase(result.Text, d.phrases) {
		return Decision{Action: ActionHandoff, Source: SourceFallback, Reason: "escalation phrase in reply"}
	}
	return Decision{Action: ActionReply, Text: result.Text}
}
