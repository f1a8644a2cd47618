package escalation

import "testing"

func TestAnalyzeExplicitAgentRequest(t *testing.T) {
	a := NewAnalyzer(DefaultThresholds, nil, nil)

	signal := a.Analyze("Can I talk to a human please?")
	if !signal.AgentRequested || !signal.Handoff() {
		t.Fatalf("expected agent request, got %+v", signal)
	}
}

func TestAnalyzeMildFrustrationKeepsBot(t *testing.T) {
	a := NewAnalyzer(DefaultThresholds, nil, nil)

	signal := a.Analyze("this is frustrating, my order is late")
	if signal.Level != Mild {
		t.Fatalf("expected mild frustration, got %+v", signal)
	}
	if signal.Handoff() {
		t.Fatal("mild frustration should not hand off on its own")
	}
}

func TestAnalyzeStrongFrustration(t *testing.T) {
	a := NewAnalyzer(DefaultThresholds, nil, nil)

	signal := a.Analyze("THIS IS USELESS AND RIDICULOUS!!!")
	if signal.Level != Strong || !signal.Handoff() {
		t.Fatalf("expected strong frustration, got %+v", signal)
	}
}

func TestAnalyzeNeutralQuestion(t *testing.T) {
	a := NewAnalyzer(DefaultThresholds, nil, nil)

	signal := a.Analyze("What are your opening hours!")
	if signal.Level != None || signal.AgentRequested || signal.Frustration != 0 {
		t.Fatalf("expected neutral signal, got %+v", signal)
	}
}

func TestAnalyzerExtraPhrases(t *testing.T) {
	a := NewAnalyzer(Thresholds{}, []string{"Escalate"}, nil)

	if !a.Analyze("please escalate this").AgentRequested {
		t.Fatal("configured phrase should count as an agent request")
	}
	if !ContainsPhrase("OK, TRANSFER_AGENT now", []string{"transfer_agent"}) {
		t.Fatal("ContainsPhrase should ignore case")
	}
}

func TestAnalyzeIgnoresProductWords(t *testing.T) {
	a := NewAnalyzer(DefaultThresholds, nil, nil)

	for _, text := range []string{
		"Do you sell a manager chair?",
		"Is there an operator manual for the recliner?",
		"Can you transfer me the refund to my card?",
		"I ordered the scampi-coloured cushions",
	} {
		signal := a.Analyze(text)
		if signal.AgentRequested || signal.Frustration != 0 {
			t.Fatalf("%q: expected neutral signal, got %+v", text, signal)
		}
	}
}

func TestAnalyzeMatchesWholePhrases(t *testing.T) {
	a := NewAnalyzer(DefaultThresholds, nil, nil)

	if !a.Analyze("Please let me speak to a manager.").AgentRequested {
		t.Fatal("a request for a manager should count as an agent request")
	}
	if !a.Analyze("live agent").AgentRequested {
		t.Fatal("a bare phrase at the edges of the text should match")
	}
	if a.Analyze("my fivelive agentive sofa").AgentRequested {
		t.Fatal("phrases glued to other letters should not match")
	}
}
