package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/harbour-desk/backend/internal/analysis/escalation"
	"github.com/zhouzirui/harbour-desk/backend/internal/model/chat"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/retrieval"
)

// DefaultMaxRounds bounds model calls per customer message.
const DefaultMaxRounds = 3

// Request is everything the engine sees for one customer message.
type Request struct {
	SessionID string
	Query     string
	// History holds prior turns, oldest first, excluding Query itself.
	History []chat.Message
	Context retrieval.Context
}

// Service is the automated response engine.
type Service struct {
	model     LanguageModel
	caps      *Capabilities
	analyzer  *escalation.Analyzer
	policy    Policy
	template  prompt.ChatTemplate
	maxRounds int
	log       *zap.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithPolicy replaces the default support policy.
func WithPolicy(p Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithMaxRounds overrides the tool loop bound.
func WithMaxRounds(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxRounds = n
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.log = logger.Named("ai")
		}
	}
}

// NewService creates the engine.
func NewService(lm LanguageModel, caps *Capabilities, analyzer *escalation.Analyzer, opts ...Option) *Service {
	if analyzer == nil {
		analyzer = escalation.NewAnalyzer(escalation.DefaultThresholds, nil, nil)
	}
	if caps == nil {
		caps = NewCapabilities(nil)
	}
	s := &Service{
		model:     lm,
		caps:      caps,
		analyzer:  analyzer,
		policy:    DefaultPolicy(),
		template:  newPromptTemplate(),
		maxRounds: DefaultMaxRounds,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Respond decides how to answer one customer message. Errors wrap
// chat.ErrTimeout when ctx expired and chat.ErrUpstream otherwise.
func (s *Service) Respond(ctx context.Context, req Request) (Result, error) {
	signal := s.analyzer.Analyze(req.Query)
	if signal.AgentRequested {
		s.log.Info("handoff without model call",
			zap.String("session_id", req.SessionID),
			zap.String("trigger", "agent_request"))
		return Handoff("customer asked for a human agent"), nil
	}
	if signal.Level == escalation.Strong {
		s.log.Info("handoff without model call",
			zap.String("session_id", req.SessionID),
			zap.String("trigger", "frustration"),
			zap.Int("score", signal.Frustration))
		return Handoff("customer is frustrated"), nil
	}

	if s.model == nil {
		return Result{}, fmt.Errorf("%w: no language model configured", chat.ErrUpstream)
	}

	messages, err := s.template.Format(ctx, map[string]any{
		"system":  buildSystemPrompt(s.policy, req.Context, signal),
		"history": buildHistoryMessages(req.History),
		"query":   req.Query,
	})
	if err != nil {
		return Result{}, fmt.Errorf("render prompt: %w", err)
	}

	result, err := s.runToolLoop(ctx, req.SessionID, messages)
	if err != nil {
		return Result{}, classify(ctx, err)
	}

	s.log.Info("engine responded",
		zap.String("session_id", req.SessionID),
		zap.String("kind", string(result.Kind)),
		zap.Int("length", len(result.Text)))
	return result, nil
}

func (s *Service) runToolLoop(ctx context.Context, sessionID string, messages []*schema.Message) (Result, error) {
	tools := s.caps.Tools()
	// Each capability runs at most once per invocation; repeats reuse the first output.
	executed := make(map[string]outcome)
	lastTool := ""

	for round := 1; round <= s.maxRounds; round++ {
		reply, err := s.model.Complete(ctx, messages, tools)
		if err != nil {
			return Result{}, err
		}
		if reply == nil {
			return Result{}, errors.New("model returned no message")
		}

		if len(reply.ToolCalls) == 0 {
			text := strings.TrimSpace(reply.Content)
			if text == "" {
				return Result{}, errors.New("model returned an empty reply")
			}
			if lastTool != "" {
				return ToolResult(lastTool, text), nil
			}
			return Reply(text), nil
		}

		messages = append(messages, reply)
		for _, call := range reply.ToolCalls {
			name := call.Function.Name
			out, seen := executed[name]
			if !seen {
				out, err = s.caps.execute(ctx, call)
				if err != nil {
					return Result{}, err
				}
				executed[name] = out
				s.log.Debug("capability executed",
					zap.String("session_id", sessionID),
					zap.String("capability", name),
					zap.Int("round", round))
			}
			if out.handoff {
				r := Handoff(out.reason)
				r.Text = strings.TrimSpace(reply.Content)
				return r, nil
			}
			lastTool = name
			messages = append(messages, schema.ToolMessage(out.output, call.ID, schema.WithToolName(name)))
		}
	}

	// Rounds exhausted while the model kept calling tools.
	if lastTool != "" {
		return ToolResult(lastTool, executed[lastTool].output), nil
	}
	return Result{}, errors.New("tool loop ended without a reply")
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: engine: %v", chat.ErrTimeout, err)
	}
	return fmt.Errorf("%w: engine: %v", chat.ErrUpstream, err)
}
