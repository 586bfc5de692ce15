package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scribe-agent/scribe/internal/tools"
)

// Citation is a source reference attached to a search answer.
type Citation struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// answerPayload is the search_web tool output: a digest the model can
// quote directly, plus the sources it came from.
type answerPayload struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
}

// NewWebSearchTool creates the search_web tool backed by the manager's
// primary provider.
func NewWebSearchTool(mgr *Manager) *tools.Tool {
	return &tools.Tool{
		Name:        "search_web",
		Description: "Search the web for current information. Returns a digest of the top results with source citations.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query string",
				},
				"count": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results to consult (1-10, default 5)",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "ISO 639-1 language code for results (e.g., 'en', 'de')",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query := tools.StringArg(args, "query")
			if query == "" {
				return "", fmt.Errorf("query is required")
			}

			opts := Options{
				Count:    tools.ClampInt(tools.IntArgOr(args, "count", 5), 1, 10),
				Language: tools.StringArg(args, "language"),
			}

			results, err := mgr.Search(ctx, query, opts)
			if err != nil {
				return "", fmt.Errorf("web search: %w", err)
			}

			payload := answerPayload{
				Answer:    digest(query, results),
				Citations: make([]Citation, 0, len(results)),
			}
			for _, r := range results {
				payload.Citations = append(payload.Citations, Citation{Title: r.Title, URL: r.URL})
			}

			out, err := json.Marshal(payload)
			if err != nil {
				return "", fmt.Errorf("marshal results: %w", err)
			}
			return string(out), nil
		},
	}
}

// digest flattens result snippets into one quotable block. The model
// does the actual synthesis; this just keeps titles and snippets paired.
func digest(query string, results []Result) string {
	if len(results) == 0 {
		return fmt.Sprintf("No web results found for: %s", query)
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, r.Title)
		if r.Snippet != "" {
			b.WriteString("\n   ")
			b.WriteString(r.Snippet)
		}
	}
	return b.String()
}
