package tools

import (
	"context"
	"errors"
	"testing"
)

func stubTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "stub",
		Parameters:  map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return name + " ran", nil
		},
	}
}

func TestBuilderCapabilityGating(t *testing.T) {
	b := NewBuilder().
		Base(stubTool("plan"), stubTool("search")).
		WebSearch(stubTool("web")).
		Email(stubTool("mail")).
		Memory(stubTool("remember"), stubTool("recall"))

	cases := []struct {
		name string
		caps Capabilities
		want []string
	}{
		{"base only", Capabilities{}, []string{"plan", "search"}},
		{"web", Capabilities{WebSearch: true}, []string{"plan", "search", "web"}},
		{"all", Capabilities{WebSearch: true, Email: true, Memory: true},
			[]string{"plan", "search", "web", "mail", "remember", "recall"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg, err := b.Build(tc.caps)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			got := reg.Names()
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("name %d: expected %q, got %q", i, tc.want[i], got[i])
				}
			}
		})
	}
}

func TestBuilderRejectsDuplicates(t *testing.T) {
	_, err := NewBuilder().Base(stubTool("dup"), stubTool("dup")).Build(Capabilities{})
	if err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestBuilderRejectsNilHandler(t *testing.T) {
	_, err := NewBuilder().Base(&Tool{Name: "broken"}).Build(Capabilities{})
	if err == nil {
		t.Fatal("expected missing handler error")
	}
}

func TestRegistryExecuteUnknown(t *testing.T) {
	reg, err := NewBuilder().Base(stubTool("known")).Build(Capabilities{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	_, err = reg.Execute(context.Background(), "unknown", nil)
	var unavailable *ErrToolUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ErrToolUnavailable, got %v", err)
	}
	if unavailable.ToolName != "unknown" {
		t.Errorf("error should carry the tool name, got %q", unavailable.ToolName)
	}
}

func TestRegistryExecuteNilArgs(t *testing.T) {
	called := false
	tool := &Tool{
		Name:       "check",
		Parameters: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			called = true
			if args == nil {
				t.Error("handler must never see nil args")
			}
			return "ok", nil
		},
	}
	reg, _ := NewBuilder().Base(tool).Build(Capabilities{})

	if _, err := reg.Execute(context.Background(), "check", nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !called {
		t.Fatal("handler was not called")
	}
}

func TestDefinitionsShape(t *testing.T) {
	reg, _ := NewBuilder().Base(stubTool("alpha"), stubTool("beta")).Build(Capabilities{})

	defs := reg.Definitions()
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	if defs[0]["type"] != "function" {
		t.Errorf("expected function type, got %v", defs[0]["type"])
	}
	fn, ok := defs[0]["function"].(map[string]any)
	if !ok {
		t.Fatal("definition missing function block")
	}
	if fn["name"] != "alpha" {
		t.Errorf("definitions must preserve registration order, got %v", fn["name"])
	}
}

func TestClampInt(t *testing.T) {
	cases := []struct {
		n, lo, hi, want int
	}{
		{0, 1, 10, 1},   // explicit zero clamps to the floor
		{5, 1, 10, 5},   // in range passes through
		{-3, 1, 10, 1},  // below floor clamps up
		{50, 1, 10, 10}, // above ceiling clamps down
		{1, 1, 10, 1},   // boundary
		{10, 1, 10, 10}, // boundary
	}
	for _, tc := range cases {
		if got := ClampInt(tc.n, tc.lo, tc.hi); got != tc.want {
			t.Errorf("ClampInt(%d, %d, %d) = %d, want %d", tc.n, tc.lo, tc.hi, got, tc.want)
		}
	}
}

func TestIntArgOr(t *testing.T) {
	args := map[string]any{"zero": float64(0), "five": float64(5)}

	if got := IntArgOr(args, "missing", 3); got != 3 {
		t.Errorf("absent key should take default, got %d", got)
	}
	if got := IntArgOr(args, "zero", 3); got != 0 {
		t.Errorf("explicit zero must not take default, got %d", got)
	}
	if got := IntArgOr(args, "five", 3); got != 5 {
		t.Errorf("IntArgOr = %d, want 5", got)
	}
}

func TestArgHelpers(t *testing.T) {
	args := map[string]any{
		"s":    "text",
		"n":    float64(7),
		"f":    2.5,
		"b":    true,
		"list": []any{"a", "b", 3},
	}

	if got := StringArg(args, "s"); got != "text" {
		t.Errorf("StringArg = %q", got)
	}
	if got := StringArg(args, "missing"); got != "" {
		t.Errorf("missing StringArg = %q", got)
	}
	if got := IntArg(args, "n"); got != 7 {
		t.Errorf("IntArg = %d", got)
	}
	if got := FloatArg(args, "f"); got != 2.5 {
		t.Errorf("FloatArg = %v", got)
	}
	if !BoolArg(args, "b") {
		t.Error("BoolArg = false")
	}
	list := StringSliceArg(args, "list")
	if len(list) != 2 || list[0] != "a" || list[1] != "b" {
		t.Errorf("StringSliceArg should keep only strings, got %v", list)
	}
}
