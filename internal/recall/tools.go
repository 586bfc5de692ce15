package recall

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/scribe-agent/scribe/internal/tools"
)

// minRecallConfidence filters out low-trust memories from recall. The
// model can still store tentative observations below this bar; they just
// never surface until re-remembered with higher confidence.
const minRecallConfidence = 0.5

const defaultRecallResults = 5

// NewRememberTool creates the remember_context tool.
func NewRememberTool(store *Store) *tools.Tool {
	return &tools.Tool{
		Name:        "remember_context",
		Description: "Store a fact, preference, or piece of context to remember across sessions. Use for durable information, not transient conversation state.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content": map[string]any{
					"type":        "string",
					"description": "The statement to remember, self-contained and specific",
				},
				"type": map[string]any{
					"type":        "string",
					"enum":        []string{"context", "preference", "fact"},
					"description": "What kind of memory this is (default: context)",
				},
				"confidence": map[string]any{
					"type":        "number",
					"description": "How certain this is, 0-1 (default 1.0)",
				},
			},
			"required": []string{"content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			content := tools.StringArg(args, "content")
			if content == "" {
				return "", fmt.Errorf("content is required")
			}

			memType := MemoryType(tools.StringArg(args, "type"))
			if memType == "" {
				memType = TypeContext
			}

			m, err := store.Remember(ctx, memType, content, tools.FloatArg(args, "confidence"))
			if err != nil {
				return "", fmt.Errorf("remember: %w", err)
			}

			out, _ := json.Marshal(map[string]any{
				"stored": true,
				"id":     m.ID,
				"type":   m.Type,
			})
			return string(out), nil
		},
	}
}

// NewRecallTool creates the recall_memory tool.
func NewRecallTool(store *Store) *tools.Tool {
	return &tools.Tool{
		Name:        "recall_memory",
		Description: "Search previously stored memories by meaning. Returns the most relevant memories with similarity scores.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to recall",
				},
				"type": map[string]any{
					"type":        "string",
					"enum":        []string{"context", "preference", "fact"},
					"description": "Restrict recall to one memory type",
				},
				"maxResults": map[string]any{
					"type":        "integer",
					"description": "How many memories to return (default 5)",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query := tools.StringArg(args, "query")
			if query == "" {
				return "", fmt.Errorf("query is required")
			}
			limit := tools.ClampInt(tools.IntArgOr(args, "maxResults", defaultRecallResults), 1, 20)

			results, err := store.Recall(ctx, query, MemoryType(tools.StringArg(args, "type")),
				minRecallConfidence, limit)
			if err != nil {
				return "", fmt.Errorf("recall: %w", err)
			}
			if len(results) == 0 {
				return "No relevant memories found.", nil
			}

			type hit struct {
				ID         string     `json:"id"`
				Type       MemoryType `json:"type"`
				Content    string     `json:"content"`
				Confidence float64    `json:"confidence"`
				Score      float64    `json:"score"`
			}
			hits := make([]hit, len(results))
			for i, r := range results {
				hits[i] = hit{
					ID:         r.Memory.ID,
					Type:       r.Memory.Type,
					Content:    r.Memory.Content,
					Confidence: r.Memory.Confidence,
					Score:      r.Score,
				}
			}

			out, err := json.Marshal(map[string]any{
				"total":    len(hits),
				"memories": hits,
			})
			if err != nil {
				return "", fmt.Errorf("marshal memories: %w", err)
			}
			return string(out), nil
		},
	}
}
