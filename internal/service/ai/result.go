package ai

// Kind tags what the engine decided to do with a customer message.
type Kind string

const (
	KindReply      Kind = "reply"
	KindToolResult Kind = "tool_result"
	KindHandoff    Kind = "handoff"
)

// Result is the structured outcome of one engine invocation.
type Result struct {
	Kind Kind
	// Text is the customer-facing reply for Reply and ToolResult. For Handoff
	// it holds whatever the model said alongside the escalation and is not shown.
	Text string
	// Reason explains a Handoff.
	Reason string
	// Tool names the last capability executed for a ToolResult.
	Tool string
}

// Reply builds a plain answer.
func Reply(text string) Result {
	return Result{Kind: KindReply, Text: text}
}

// ToolResult builds an answer produced after executing a capability.
func ToolResult(tool, text string) Result {
	return Result{Kind: KindToolResult, Tool: tool, Text: text}
}

// Handoff builds an escalation to a human agent.
func Handoff(reason string) Result {
	return Result{Kind: KindHandoff, Reason: reason}
}
