package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/harbour-desk/backend/internal/model/chat"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/ticket"
)

// Capability names exposed to the model.
const (
	CapCreateTicket   = "create_ticket"
	CapCheckTicket    = "check_ticket_status"
	CapRequestHandoff = "request_handoff"
)

// CreateTicketArgs is the input of create_ticket.
type CreateTicketArgs struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
}

// CheckTicketArgs is the input of check_ticket_status.
type CheckTicketArgs struct {
	TicketRef string `json:"ticket_ref"`
}

// RequestHandoffArgs is the input of request_handoff.
type RequestHandoffArgs struct {
	Reason string `json:"reason"`
}

// outcome is what one capability call produced.
type outcome struct {
	output  string
	handoff bool
	reason  string
}

// Capabilities is the closed set of actions the model may take.
type Capabilities struct {
	tickets ticket.Service
}

// NewCapabilities injects the ticket collaborator.
func NewCapabilities(tickets ticket.Service) *Capabilities {
	return &Capabilities{tickets: tickets}
}

// Tools describes every capability to the model.
func (c *Capabilities) Tools() []*schema.ToolInfo {
	return []*schema.ToolInfo{
		{
			Name: CapCreateTicket,
			Desc: "Create a support ticket or complaint for the customer.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"category": {
					Type:     schema.String,
					Desc:     "Ticket category.",
					Enum:     ticket.Categories,
					Required: true,
				},
				"description": {
					Type:     schema.String,
					Desc:     "What the customer needs, in their own words.",
					Required: true,
				},
				"priority": {
					Type: schema.String,
					Desc: "How urgent the issue is.",
					Enum: ticket.Priorities,
				},
			}),
		},
		{
			Name: CapCheckTicket,
			Desc: "Look up the status of an existing ticket by its number, e.g. TKT-1001.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"ticket_ref": {
					Type:     schema.String,
					Desc:     "The ticket number.",
					Required: true,
				},
			}),
		},
		{
			Name: CapRequestHandoff,
			Desc: "Transfer the customer to a live human agent. Use when the customer asks for a person, " +
				"when the question cannot be answered from the provided context, or when the customer is frustrated.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"reason": {
					Type:     schema.String,
					Desc:     "Why the conversation needs a human.",
					Required: true,
				},
			}),
		},
	}
}

// execute runs one call. Failures the model can recover from come back as
// output text; only context errors are returned.
func (c *Capabilities) execute(ctx context.Context, call schema.ToolCall) (outcome, error) {
	args := call.Function.Arguments
	switch call.Function.Name {
	case CapCreateTicket:
		var in CreateTicketArgs
		if err := decodeArgs(args, &in); err != nil {
			return outcome{output: "Failed to create ticket: " + err.Error()}, nil
		}
		if c.tickets == nil {
			return outcome{output: "Ticketing is unavailable right now."}, nil
		}
		ref, err := c.tickets.CreateTicket(ctx, in.Category, in.Description, in.Priority)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return outcome{}, ctxErr
			}
			return outcome{output: "Failed to create ticket. Please try again."}, nil
		}
		return outcome{output: fmt.Sprintf("Ticket created successfully. Ticket Number: %s. An agent will review it shortly.", ref)}, nil

	case CapCheckTicket:
		var in CheckTicketArgs
		if err := decodeArgs(args, &in); err != nil || strings.TrimSpace(in.TicketRef) == "" {
			return outcome{output: "A ticket number is required."}, nil
		}
		if c.tickets == nil {
			return outcome{output: "Ticketing is unavailable right now."}, nil
		}
		ref := strings.TrimSpace(in.TicketRef)
		status, err := c.tickets.CheckStatus(ctx, ref)
		if errors.Is(err, chat.ErrNotFound) {
			return outcome{output: "Ticket not found."}, nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return outcome{}, ctxErr
			}
			return outcome{output: "Unable to check the ticket right now."}, nil
		}
		return outcome{output: fmt.Sprintf("Ticket %s is currently: %s.", strings.ToUpper(ref), status)}, nil

	case CapRequestHandoff:
		var in RequestHandoffArgs
		_ = decodeArgs(args, &in)
		reason := strings.TrimSpace(in.Reason)
		if reason == "" {
			reason = "model requested a human agent"
		}
		return outcome{output: "Transferring to a live agent.", handoff: true, reason: reason}, nil
	}

	return outcome{output: fmt.Sprintf("Unknown capability %q.", call.Function.Name)}, nil
}

func decodeArgs(raw string, into any) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), into); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
