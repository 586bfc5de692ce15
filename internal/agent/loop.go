package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scribe-agent/scribe/internal/convlog"
	"github.com/scribe-agent/scribe/internal/llm"
	"github.com/scribe-agent/scribe/internal/tools"
)

// StopReason explains how a turn ended.
const (
	StopCompleted = "completed"
	StopBudget    = "budget_exhausted"
	StopCanceled  = "canceled"
	StopFailed    = "failed"
)

// Response is the completed turn: the synthesized answer plus the full
// execution trace and the references derived from it.
type Response struct {
	Content    string          `json:"content"`
	Plan       *Plan           `json:"plan,omitempty"`
	Executions []ToolExecution `json:"executions"`
	References []Reference     `json:"references"`
	StopReason string          `json:"stop_reason"`
}

// Loop drives orchestration turns against the LLM.
type Loop struct {
	logger *slog.Logger
	llm    llm.Client
	model  string
	log    *convlog.Store // nil disables persistence
}

// NewLoop creates an orchestration loop.
func NewLoop(logger *slog.Logger, client llm.Client, model string, log *convlog.Store) *Loop {
	return &Loop{
		logger: logger,
		llm:    client,
		model:  model,
		log:    log,
	}
}

// Run executes one orchestration turn. The registry is the effective
// tool set for this turn (built per request); callback receives stream
// events as they happen and may be nil.
//
// The turn proceeds: the model must call the planning tool before any
// other tool; each subsequent tool call consumes one budget step; when
// at most one step remains the loop withholds tools and forces a final
// synthesis call. Tool handler failures become error payloads in the
// trace, not turn failures. Cancellation preserves the completed trace.
func (l *Loop) Run(ctx context.Context, turn *TurnContext, registry *tools.Registry, callback llm.StreamCallback) (*Response, error) {
	if callback == nil {
		callback = func(llm.StreamEvent) {}
	}

	l.logger.Info("turn started",
		"session", turn.SessionID,
		"project", turn.ProjectID,
		"depth", turn.Depth,
		"step_limit", turn.Budget.Limit,
	)

	l.persistTurn(turn, "user", turn.UserQuery, nil)

	messages := make([]llm.Message, 0, len(turn.History)+2)
	messages = append(messages, llm.Message{Role: "system", Content: l.systemPrompt(turn, registry)})
	messages = append(messages, turn.History...)
	messages = append(messages, llm.Message{Role: "user", Content: turn.UserQuery})
	defs := registry.Definitions()

	var content string
	stopReason := StopCompleted

	for {
		resp, err := l.llm.ChatStream(ctx, l.model, messages, defs, callback)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
				return l.finish(turn, content, StopCanceled), ctx.Err()
			}
			return l.finish(turn, content, StopFailed), fmt.Errorf("llm call: %w", err)
		}

		content = resp.Message.Content

		if len(resp.Message.ToolCalls) == 0 {
			break
		}

		if defs == nil {
			// Tools were already withheld for synthesis; take whatever
			// text arrived and stop rather than looping forever.
			l.logger.Warn("model requested tools during forced synthesis",
				"session", turn.SessionID)
			stopReason = StopBudget
			break
		}

		messages = append(messages, resp.Message)

		forceSynthesis := false
		for _, call := range resp.Message.ToolCalls {
			if ctx.Err() != nil {
				return l.finish(turn, content, StopCanceled), ctx.Err()
			}

			if turn.Budget.MustSynthesize() {
				// The reserved step belongs to the answer. Tell the
				// model instead of silently dropping its call.
				messages = append(messages, llm.Message{
					Role:       "tool",
					ToolCallID: call.ID,
					Content:    `{"error":"Step budget reached. Synthesize your answer now from the results you already have."}`,
				})
				forceSynthesis = true
				continue
			}

			result, unavailable := l.executeCall(ctx, turn, registry, call, callback)
			messages = append(messages, llm.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    result,
			})
			if unavailable {
				forceSynthesis = true
			}
		}

		if forceSynthesis || turn.Budget.MustSynthesize() {
			// Final call runs without tools so the model can only answer.
			defs = nil
			messages = append(messages, llm.Message{
				Role:    "user",
				Content: "Provide your final answer now based on the information gathered. Do not request any more tools.",
			})
			stopReason = StopBudget
		}
	}

	if strings.TrimSpace(content) == "" {
		content = "I was unable to complete the analysis within the step budget. Here is what I found: " +
			summarizeTrace(turn.Executions())
		if stopReason == StopCompleted {
			stopReason = StopBudget
		}
	}

	out := l.finish(turn, content, stopReason)

	l.logger.Info("turn completed",
		"session", turn.SessionID,
		"steps_used", turn.Budget.Used,
		"tool_calls", len(out.Executions),
		"stop_reason", out.StopReason,
	)
	return out, nil
}

// executeCall runs one tool call, records it in the trace, and returns
// the result payload for the conversation. Handler errors are folded
// into an error-shaped payload; the bool reports an unavailable tool,
// which ends the tool phase.
func (l *Loop) executeCall(ctx context.Context, turn *TurnContext, registry *tools.Registry, call llm.ToolCall, callback llm.StreamCallback) (string, bool) {
	args := call.Function.Arguments
	if args == nil {
		args = map[string]any{}
	}

	if turn.Plan == nil && call.Function.Name != PlanToolName {
		// The plan requirement is enforced by prompt, not by refusal.
		// Log the deviation and carry on.
		l.logger.Warn("tool call before plan",
			"session", turn.SessionID, "tool", call.Function.Name)
	}

	step := turn.NextStep()
	callback(llm.StreamEvent{
		Kind:       llm.KindToolCallStart,
		ToolCallID: call.ID,
		ToolName:   call.Function.Name,
		ToolCall:   &call,
	})

	start := time.Now()
	result, err := registry.Execute(ctx, call.Function.Name, args)
	elapsed := time.Since(start)

	var unavailable *tools.ErrToolUnavailable
	isUnavailable := errors.As(err, &unavailable)

	isError := err != nil
	if isError {
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		result = string(payload)
		l.logger.Warn("tool execution failed",
			"session", turn.SessionID,
			"tool", call.Function.Name,
			"step", step,
			"error", err,
		)
	} else {
		l.logger.Debug("tool executed",
			"session", turn.SessionID,
			"tool", call.Function.Name,
			"step", step,
			"duration", elapsed,
		)
	}

	turn.RecordExecution(ToolExecution{
		Step:      step,
		Tool:      call.Function.Name,
		Input:     args,
		Output:    result,
		IsError:   isError,
		Duration:  elapsed,
		Timestamp: start.UTC(),
	})

	callback(llm.StreamEvent{
		Kind:       llm.KindToolCallDone,
		ToolCallID: call.ID,
		ToolName:   call.Function.Name,
		ToolResult: result,
	})

	return result, isUnavailable
}

// finish assembles the response and persists the assistant turn.
func (l *Loop) finish(turn *TurnContext, content, stopReason string) *Response {
	resp := &Response{
		Content:    content,
		Plan:       turn.Plan,
		Executions: turn.Executions(),
		References: ExtractReferences(turn.Executions()),
		StopReason: stopReason,
	}
	l.persistTurn(turn, "assistant", content, resp)
	return resp
}

// persistTurn writes a turn to the conversation log. Persistence is
// best effort; a write failure is logged and the turn proceeds.
func (l *Loop) persistTurn(turn *TurnContext, role, content string, resp *Response) {
	if l.log == nil || turn.SessionID == "" {
		return
	}

	t := &convlog.Turn{
		SessionID: turn.SessionID,
		ProjectID: turn.ProjectID,
		Role:      role,
		Content:   content,
	}
	if resp != nil {
		if resp.Plan != nil {
			t.Plan, _ = json.Marshal(resp.Plan)
		}
		if len(resp.Executions) > 0 {
			t.ToolExecutions, _ = json.Marshal(resp.Executions)
		}
		if len(resp.References) > 0 {
			t.References, _ = json.Marshal(resp.References)
		}
	}

	if err := l.log.Append(t); err != nil {
		l.logger.Warn("conversation persist failed",
			"session", turn.SessionID, "role", role, "error", err)
	}
}

// systemPrompt builds the turn's system message: role, project scope,
// the budget contract, and the planning requirement.
func (l *Loop) systemPrompt(turn *TurnContext, registry *tools.Registry) string {
	var b strings.Builder
	b.WriteString("You are Scribe, a research assistant that answers questions about a user's project data.\n\n")

	fmt.Fprintf(&b, "Project ID: %s\n", turn.ProjectID)
	fmt.Fprintf(&b, "Analysis depth: %s\n", turn.Depth)
	if len(turn.SelectedDataIDs) > 0 {
		fmt.Fprintf(&b, "The user has selected these project items as the focus: %s\n",
			strings.Join(turn.SelectedDataIDs, ", "))
	}
	fmt.Fprintf(&b, "Step budget: %d steps total. Each tool call consumes one step. The final step is reserved for your answer.\n\n", turn.Budget.Limit)

	fmt.Fprintf(&b, "Your first tool call MUST be %s, declaring your approach. ", PlanToolName)
	b.WriteString("Then execute the plan with the available tools, sequentially. ")
	b.WriteString("When you have what you need, or when told the budget is reached, write your final answer in plain prose.\n\n")

	b.WriteString("Available tools: ")
	b.WriteString(strings.Join(registry.Names(), ", "))
	b.WriteString("\n\nGround every claim in tool results. If the project data does not answer the question, say so instead of guessing.")
	return b.String()
}

// summarizeTrace produces a minimal fallback answer from the trace when
// the model ran out of budget before writing one.
func summarizeTrace(executions []ToolExecution) string {
	if len(executions) == 0 {
		return "no tool results were gathered."
	}
	var parts []string
	for _, e := range executions {
		if e.IsError || e.Tool == PlanToolName {
			continue
		}
		parts = append(parts, e.Tool)
	}
	if len(parts) == 0 {
		return "no usable tool results were gathered."
	}
	return fmt.Sprintf("results from %s were collected but not yet synthesized.", strings.Join(parts, ", "))
}
