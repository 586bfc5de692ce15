package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/scribe-agent/scribe/internal/convlog"
	"github.com/scribe-agent/scribe/internal/llm"
	"github.com/scribe-agent/scribe/internal/tools"

	_ "github.com/mattn/go-sqlite3"
)

// scriptedClient returns canned responses in order. When tools are
// withheld (nil definitions) it answers with synthesisText regardless
// of remaining script, mirroring a model that can only produce text.
type scriptedClient struct {
	responses     []llm.ChatResponse
	synthesisText string
	calls         int
}

func (c *scriptedClient) Chat(ctx context.Context, model string, messages []llm.Message, defs []map[string]any) (*llm.ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, defs, nil)
}

func (c *scriptedClient) ChatStream(ctx context.Context, model string, messages []llm.Message, defs []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if defs == nil {
		text := c.synthesisText
		if text == "" {
			text = "synthesized answer"
		}
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: text}, Done: true}, nil
	}
	if c.calls >= len(c.responses) {
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "done"}, Done: true}, nil
	}
	resp := c.responses[c.calls]
	c.calls++
	return &resp, nil
}

func (c *scriptedClient) Ping(ctx context.Context) error { return nil }

// greedyClient requests another tool call on every turn where tools are
// offered. Used to exercise budget exhaustion.
type greedyClient struct {
	tool  string
	calls int
}

func (c *greedyClient) Chat(ctx context.Context, model string, messages []llm.Message, defs []map[string]any) (*llm.ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, defs, nil)
}

func (c *greedyClient) ChatStream(ctx context.Context, model string, messages []llm.Message, defs []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	if defs == nil {
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "final summary"}, Done: true}, nil
	}
	c.calls++
	name := c.tool
	if c.calls == 1 {
		name = PlanToolName
	}
	args := map[string]any{"query": "anything"}
	if name == PlanToolName {
		args = map[string]any{
			"steps":              []any{"search"},
			"toolsToUse":         []any{c.tool},
			"estimatedToolCalls": float64(3),
		}
	}
	return &llm.ChatResponse{
		Message: llm.Message{
			Role:      "assistant",
			ToolCalls: []llm.ToolCall{llm.NewToolCall(fmt.Sprintf("call_%d", c.calls), name, args)},
		},
		StopReason: "tool_use",
	}, nil
}

func (c *greedyClient) Ping(ctx context.Context) error { return nil }

func echoTool(name string) *tools.Tool {
	return &tools.Tool{
		Name:        name,
		Description: "test tool",
		Parameters:  map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			out, _ := json.Marshal(map[string]any{"echo": args["query"]})
			return string(out), nil
		},
	}
}

func failingTool(name string) *tools.Tool {
	return &tools.Tool{
		Name:        name,
		Description: "always fails",
		Parameters:  map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("backend unavailable")
		},
	}
}

func testRegistry(t *testing.T, turn *TurnContext, extra ...*tools.Tool) *tools.Registry {
	t.Helper()
	b := tools.NewBuilder().Base(NewPlanTool(turn)).Base(extra...)
	reg, err := b.Build(tools.Capabilities{})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func planCall(id string) llm.ToolCall {
	return llm.NewToolCall(id, PlanToolName, map[string]any{
		"steps":              []any{"search the data", "answer"},
		"toolsToUse":         []any{"search_notes"},
		"estimatedToolCalls": float64(2),
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRunPlanToolsAnswer(t *testing.T) {
	client := &scriptedClient{
		responses: []llm.ChatResponse{
			{Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{planCall("call_1")}}, StopReason: "tool_use"},
			{Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
				llm.NewToolCall("call_2", "search_notes", map[string]any{"query": "deadlines"}),
			}}, StopReason: "tool_use"},
			{Message: llm.Message{Role: "assistant", Content: "The deadline is Friday."}, StopReason: "end_turn"},
		},
	}

	turn := NewTurnContext("proj-1", "sess-1", "when is the deadline?", DepthGeneral, 0, 0)
	loop := NewLoop(testLogger(), client, "test-model", nil)

	resp, err := loop.Run(context.Background(), turn, testRegistry(t, turn, echoTool("search_notes")), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Content != "The deadline is Friday." {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if resp.StopReason != StopCompleted {
		t.Errorf("expected stop reason %q, got %q", StopCompleted, resp.StopReason)
	}
	if resp.Plan == nil {
		t.Fatal("expected plan to be recorded")
	}
	if len(resp.Plan.Steps) != 2 {
		t.Errorf("expected 2 plan steps, got %d", len(resp.Plan.Steps))
	}
	if len(resp.Executions) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(resp.Executions))
	}
	if resp.Executions[0].Tool != PlanToolName {
		t.Errorf("expected first execution to be the plan tool, got %q", resp.Executions[0].Tool)
	}
}

func TestRunStepNumbersMonotonic(t *testing.T) {
	client := &scriptedClient{
		responses: []llm.ChatResponse{
			{Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{planCall("call_1")}}},
			{Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
				llm.NewToolCall("call_2", "search_notes", map[string]any{"query": "a"}),
				llm.NewToolCall("call_3", "search_notes", map[string]any{"query": "b"}),
			}}},
			{Message: llm.Message{Role: "assistant", Content: "answer"}},
		},
	}

	turn := NewTurnContext("proj-1", "sess-1", "q", DepthGeneral, 0, 0)
	loop := NewLoop(testLogger(), client, "test-model", nil)

	resp, err := loop.Run(context.Background(), turn, testRegistry(t, turn, echoTool("search_notes")), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i, e := range resp.Executions {
		if e.Step != i+1 {
			t.Errorf("execution %d has step %d, want %d", i, e.Step, i+1)
		}
	}
}

func TestRunBudgetForcesSynthesis(t *testing.T) {
	client := &greedyClient{tool: "search_notes"}

	turn := NewTurnContext("proj-1", "sess-1", "q", DepthGeneral, 4, 0)
	loop := NewLoop(testLogger(), client, "test-model", nil)

	resp, err := loop.Run(context.Background(), turn, testRegistry(t, turn, echoTool("search_notes")), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Content == "" {
		t.Error("budget exhaustion must still produce text")
	}
	if resp.StopReason != StopBudget {
		t.Errorf("expected stop reason %q, got %q", StopBudget, resp.StopReason)
	}
	// Limit 4 reserves the last step for synthesis: at most 3 tool calls.
	if len(resp.Executions) > 3 {
		t.Errorf("expected at most 3 executions, got %d", len(resp.Executions))
	}
	if turn.Budget.Used > turn.Budget.Limit {
		t.Errorf("budget overrun: used %d of %d", turn.Budget.Used, turn.Budget.Limit)
	}
}

func TestRunDeepDepthRaisesLimit(t *testing.T) {
	turn := NewTurnContext("p", "s", "q", DepthDeep, 0, 0)
	if turn.Budget.Limit != DeepStepLimit {
		t.Errorf("expected deep limit %d, got %d", DeepStepLimit, turn.Budget.Limit)
	}

	turn = NewTurnContext("p", "s", "q", "bogus", 0, 0)
	if turn.Budget.Limit != GeneralStepLimit {
		t.Errorf("unknown depth should fall back to general limit %d, got %d", GeneralStepLimit, turn.Budget.Limit)
	}
	if turn.Depth != DepthGeneral {
		t.Errorf("unknown depth should normalize to general, got %q", turn.Depth)
	}
}

func TestRunToolErrorBecomesPayload(t *testing.T) {
	client := &scriptedClient{
		responses: []llm.ChatResponse{
			{Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{planCall("call_1")}}},
			{Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
				llm.NewToolCall("call_2", "broken_tool", map[string]any{"query": "x"}),
			}}},
			{Message: llm.Message{Role: "assistant", Content: "answered despite tool failure"}},
		},
	}

	turn := NewTurnContext("proj-1", "sess-1", "q", DepthGeneral, 0, 0)
	loop := NewLoop(testLogger(), client, "test-model", nil)

	resp, err := loop.Run(context.Background(), turn, testRegistry(t, turn, failingTool("broken_tool")), nil)
	if err != nil {
		t.Fatalf("tool failure must not fail the turn: %v", err)
	}

	if len(resp.Executions) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(resp.Executions))
	}
	failed := resp.Executions[1]
	if !failed.IsError {
		t.Error("expected execution to be marked as error")
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(failed.Output), &payload); err != nil {
		t.Fatalf("error output should be JSON: %v", err)
	}
	if !strings.Contains(payload["error"], "backend unavailable") {
		t.Errorf("error payload missing cause: %q", failed.Output)
	}
	if resp.Content != "answered despite tool failure" {
		t.Errorf("unexpected content: %q", resp.Content)
	}
}

func TestRunUnknownToolEndsToolPhase(t *testing.T) {
	client := &scriptedClient{
		responses: []llm.ChatResponse{
			{Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{planCall("call_1")}}},
			{Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
				llm.NewToolCall("call_2", "no_such_tool", nil),
			}}},
		},
		synthesisText: "answer without the missing tool",
	}

	turn := NewTurnContext("proj-1", "sess-1", "q", DepthGeneral, 0, 0)
	loop := NewLoop(testLogger(), client, "test-model", nil)

	resp, err := loop.Run(context.Background(), turn, testRegistry(t, turn), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Content != "answer without the missing tool" {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	last := resp.Executions[len(resp.Executions)-1]
	if last.Tool != "no_such_tool" || !last.IsError {
		t.Errorf("unavailable tool should be recorded as an error execution, got %+v", last)
	}
}

func TestRunCancellationPreservesTrace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	canceling := &cancelAfterClient{cancel: cancel}
	turn := NewTurnContext("proj-1", "sess-1", "q", DepthGeneral, 0, 0)
	loop := NewLoop(testLogger(), canceling, "test-model", nil)

	resp, err := loop.Run(ctx, turn, testRegistry(t, turn, echoTool("search_notes")), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if resp == nil {
		t.Fatal("cancellation must still return the partial response")
	}
	if resp.StopReason != StopCanceled {
		t.Errorf("expected stop reason %q, got %q", StopCanceled, resp.StopReason)
	}
	if len(resp.Executions) == 0 {
		t.Error("completed executions must survive cancellation")
	}
}

// cancelAfterClient answers one tool round, then cancels the context
// before the next LLM call.
type cancelAfterClient struct {
	cancel context.CancelFunc
	calls  int
}

func (c *cancelAfterClient) Chat(ctx context.Context, model string, messages []llm.Message, defs []map[string]any) (*llm.ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, defs, nil)
}

func (c *cancelAfterClient) ChatStream(ctx context.Context, model string, messages []llm.Message, defs []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	c.calls++
	switch c.calls {
	case 1:
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{planCall("call_1")}}}, nil
	case 2:
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
			llm.NewToolCall("call_2", "search_notes", map[string]any{"query": "x"}),
		}}}, nil
	default:
		c.cancel()
		return nil, ctx.Err()
	}
}

func (c *cancelAfterClient) Ping(ctx context.Context) error { return nil }

// downClient fails every call, as if the provider were unreachable.
type downClient struct{}

func (c *downClient) Chat(ctx context.Context, model string, messages []llm.Message, defs []map[string]any) (*llm.ChatResponse, error) {
	return nil, errors.New("provider unreachable")
}

func (c *downClient) ChatStream(ctx context.Context, model string, messages []llm.Message, defs []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return nil, errors.New("provider unreachable")
}

func (c *downClient) Ping(ctx context.Context) error { return errors.New("provider unreachable") }

func TestRunLLMFailurePersistsOneAssistantTurn(t *testing.T) {
	store, err := convlog.NewStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	turn := NewTurnContext("proj-1", "sess-fail", "q", DepthGeneral, 0, 0)
	loop := NewLoop(testLogger(), &downClient{}, "test-model", store)

	resp, err := loop.Run(context.Background(), turn, testRegistry(t, turn), nil)
	if err == nil {
		t.Fatal("expected the provider failure to surface")
	}
	if resp.StopReason != StopFailed {
		t.Errorf("expected stop reason %q, got %q", StopFailed, resp.StopReason)
	}

	turns, err := store.Turns("sess-fail")
	if err != nil {
		t.Fatalf("read turns: %v", err)
	}
	var users, assistants int
	for _, tr := range turns {
		switch tr.Role {
		case "user":
			users++
		case "assistant":
			assistants++
		}
	}
	if users != 1 || assistants != 1 {
		t.Errorf("failed turn must persist exactly one row per message, got %d user and %d assistant rows", users, assistants)
	}
}

func TestRunStreamEvents(t *testing.T) {
	client := &scriptedClient{
		responses: []llm.ChatResponse{
			{Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{planCall("call_1")}}},
			{Message: llm.Message{Role: "assistant", Content: "answer"}},
		},
	}

	turn := NewTurnContext("proj-1", "sess-1", "q", DepthGeneral, 0, 0)
	loop := NewLoop(testLogger(), client, "test-model", nil)

	var starts, dones int
	callback := func(e llm.StreamEvent) {
		switch e.Kind {
		case llm.KindToolCallStart:
			starts++
		case llm.KindToolCallDone:
			dones++
		}
	}

	if _, err := loop.Run(context.Background(), turn, testRegistry(t, turn), callback); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if starts != 1 || dones != 1 {
		t.Errorf("expected 1 start and 1 done event, got %d and %d", starts, dones)
	}
}
