package ai

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/harbour-desk/backend/internal/analysis/escalation"
	"github.com/zhouzirui/harbour-desk/backend/internal/model/chat"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/retrieval"
)

const historyLimit = 10

// Policy is the operator-controlled part of the system prompt.
type Policy struct {
	AssistantName string
	Company       string
	Domain        string
	Refusal       string
	Rules         []string
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() Policy {
	return Policy{
		AssistantName: "Harbour Lane Assistant",
		Company:       "Harbour Lane Furniture",
		Domain:        "Harbour Lane products, orders, deliveries and policies",
		Refusal:       "I apologize, but I do not have information about that. I can only assist with inquiries related to Harbour Lane Furniture.",
	}
}

func newPromptTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)
}

// buildSystemPrompt renders policy, grounding context and tone guidance.
func buildSystemPrompt(p Policy, ctx retrieval.Context, signal escalation.Signal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s, a helpful support assistant for %s.\n\n", p.AssistantName, p.Company)

	b.WriteString("STRICT RULES:\n")
	rules := []string{
		fmt.Sprintf("Answer questions about %s using only the CONTEXT below.", p.Domain),
		fmt.Sprintf("Do not answer general knowledge questions (geography, news, weather, maths). Reply %q and call %s.", p.Refusal, CapRequestHandoff),
		fmt.Sprintf("If the CONTEXT does not contain the answer, do not make anything up. Say you do not know and call %s.", CapRequestHandoff),
		fmt.Sprintf("If the customer asks for a human or an agent, call %s immediately.", CapRequestHandoff),
		fmt.Sprintf("Use %s for complaints or requests that need follow-up, and %s when the customer gives a ticket number.", CapCreateTicket, CapCheckTicket),
	}
	rules = append(rules, p.Rules...)
	for i, rule := range rules {
		fmt.Fprintf(&b, "%d. %s\n", i+1, rule)
	}

	if guidance := toneGuidance(signal); guidance != "" {
		b.WriteString("\nCUSTOMER MOOD:\n")
		b.WriteString(guidance)
		b.WriteString("\n")
	}

	b.WriteString("\nCONTEXT:\n")
	if ctx.Empty() {
		b.WriteString("(no relevant information found)")
	} else {
		b.WriteString(ctx.String())
	}
	return b.String()
}

func toneGuidance(signal escalation.Signal) string {
	if signal.Level != escalation.Mild {
		return ""
	}
	return "The customer sounds frustrated. Acknowledge the inconvenience briefly, stay calm and concrete, " +
		"and offer a live agent if the next answer does not resolve the issue."
}

// buildHistoryMessages maps the latest turns onto model roles.
func buildHistoryMessages(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > historyLimit {
		startIdx = len(messages) - historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Sender {
		case chat.SenderCustomer:
			history = append(history, schema.UserMessage(msg.Body))
		case chat.SenderBot, chat.SenderAgent:
			history = append(history, schema.AssistantMessage(msg.Body, nil))
		}
	}
	return history
}
