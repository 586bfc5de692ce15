// Package agent implements the orchestration loop: plan first, execute
// tools within a step budget, synthesize an answer from what was found.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scribe-agent/scribe/internal/llm"
	"github.com/scribe-agent/scribe/internal/tools"
)

// Depth selects how many orchestration steps a turn may spend.
type Depth string

const (
	DepthGeneral Depth = "general"
	DepthDeep    Depth = "deep"
)

// Default step limits per depth. One trailing step is always reserved
// for synthesis, so the effective tool budget is one less.
const (
	GeneralStepLimit = 7
	DeepStepLimit    = 12
)

// StepBudget tracks orchestration step consumption for one turn.
type StepBudget struct {
	Used  int `json:"used"`
	Limit int `json:"limit"`
}

// Remaining returns how many steps are left.
func (b StepBudget) Remaining() int {
	return b.Limit - b.Used
}

// Exhausted reports whether no steps remain.
func (b StepBudget) Exhausted() bool {
	return b.Used >= b.Limit
}

// MustSynthesize reports whether the turn has reached the reserved
// synthesis step: at most one step remains, and it belongs to the
// final answer, not another tool call.
func (b StepBudget) MustSynthesize() bool {
	return b.Remaining() <= 1
}

// Plan is the model's declared approach for a turn, produced by the
// mandatory planning tool before any other tool runs.
type Plan struct {
	Steps              []string `json:"steps"`
	ToolsToUse         []string `json:"toolsToUse"`
	EstimatedToolCalls int      `json:"estimatedToolCalls"`
	Rationale          string   `json:"rationale,omitempty"`
	NeedsExternalData  bool     `json:"needsExternalData,omitempty"`
}

// ToolExecution is one recorded tool call in a turn's trace. Steps are
// 1-based and strictly increasing in execution order.
type ToolExecution struct {
	Step      int            `json:"step"`
	Tool      string         `json:"tool"`
	Input     map[string]any `json:"input"`
	Output    string         `json:"output"`
	IsError   bool           `json:"is_error,omitempty"`
	Duration  time.Duration  `json:"duration_ms"`
	Timestamp time.Time      `json:"timestamp"`
}

// MarshalJSON emits Duration in whole milliseconds to keep persisted
// traces readable.
func (e ToolExecution) MarshalJSON() ([]byte, error) {
	type alias ToolExecution
	return json.Marshal(struct {
		alias
		Duration int64 `json:"duration_ms"`
	}{alias: alias(e), Duration: e.Duration.Milliseconds()})
}

// TurnContext carries the state of one orchestration turn. All
// per-turn state lives here; nothing about a turn is global.
type TurnContext struct {
	ProjectID string
	SessionID string
	UserQuery string
	Depth     Depth
	Budget    StepBudget
	Plan      *Plan

	// History holds the prior conversation messages, excluding the
	// current user query. Optional.
	History []llm.Message

	// SelectedDataIDs narrows the turn's focus to specific project
	// items when the client pre-selected them. Optional.
	SelectedDataIDs []string

	executions []ToolExecution
}

// NewTurnContext creates the state for one turn. An unknown depth
// falls back to general.
func NewTurnContext(projectID, sessionID, userQuery string, depth Depth, generalLimit, deepLimit int) *TurnContext {
	if generalLimit <= 0 {
		generalLimit = GeneralStepLimit
	}
	if deepLimit <= 0 {
		deepLimit = DeepStepLimit
	}

	limit := generalLimit
	if depth == DepthDeep {
		limit = deepLimit
	} else {
		depth = DepthGeneral
	}

	return &TurnContext{
		ProjectID: projectID,
		SessionID: sessionID,
		UserQuery: userQuery,
		Depth:     depth,
		Budget:    StepBudget{Limit: limit},
	}
}

// NextStep consumes one budget step and returns its 1-based number.
func (t *TurnContext) NextStep() int {
	t.Budget.Used++
	return t.Budget.Used
}

// RecordExecution appends a completed tool call to the trace.
func (t *TurnContext) RecordExecution(e ToolExecution) {
	t.executions = append(t.executions, e)
}

// Executions returns the trace recorded so far, in execution order.
func (t *TurnContext) Executions() []ToolExecution {
	out := make([]ToolExecution, len(t.executions))
	copy(out, t.executions)
	return out
}

// PlanToolName is the mandatory planning tool. The loop will not
// execute any other tool until the model has called it.
const PlanToolName = "plan_query"

// NewPlanTool creates the planning tool bound to a turn. Executing it
// records the plan on the turn and echoes the remaining budget so the
// model knows how many tool calls it actually has.
func NewPlanTool(turn *TurnContext) *tools.Tool {
	return &tools.Tool{
		Name:        PlanToolName,
		Description: "Declare your plan before using any other tool. State the steps you will take, which tools you expect to use, and how many tool calls you estimate. This must be your first tool call.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"steps": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Ordered steps you will take",
				},
				"toolsToUse": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Names of tools you expect to call",
				},
				"estimatedToolCalls": map[string]any{
					"type":        "integer",
					"description": "How many tool calls you expect to need",
				},
				"rationale": map[string]any{
					"type":        "string",
					"description": "Why this approach fits the question",
				},
				"needsExternalData": map[string]any{
					"type":        "boolean",
					"description": "Whether the answer requires data beyond the project",
				},
			},
			"required": []string{"steps", "toolsToUse", "estimatedToolCalls"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			plan := &Plan{
				Steps:              tools.StringSliceArg(args, "steps"),
				ToolsToUse:         tools.StringSliceArg(args, "toolsToUse"),
				EstimatedToolCalls: tools.IntArg(args, "estimatedToolCalls"),
				Rationale:          tools.StringArg(args, "rationale"),
				NeedsExternalData:  tools.BoolArg(args, "needsExternalData"),
			}
			if len(plan.Steps) == 0 {
				return "", fmt.Errorf("steps is required")
			}
			turn.Plan = plan

			out, _ := json.Marshal(map[string]any{
				"acknowledged":   true,
				"stepsRemaining": turn.Budget.Remaining(),
				"note":           "Plan recorded. Execute it now, then synthesize your answer.",
			})
			return string(out), nil
		},
	}
}
