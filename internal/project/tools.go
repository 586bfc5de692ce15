package project

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/scribe-agent/scribe/internal/tools"
)

const (
	defaultSearchResults  = 2
	defaultSimilarResults = 3
	maxSearchResults      = 10
)

// searchHit is the per-item shape emitted by the search tools. Score is
// always present so the model can judge relevance; content never is.
type searchHit struct {
	ID          string   `json:"id"`
	Filename    string   `json:"filename"`
	Type        ItemType `json:"type"`
	Score       float64  `json:"score"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Size        int64    `json:"size"`
}

func toHits(results []SearchResult) []searchHit {
	hits := make([]searchHit, len(results))
	for i, r := range results {
		hits[i] = searchHit{
			ID:          r.ID,
			Filename:    r.Filename,
			Type:        r.Type,
			Score:       r.Score,
			Description: r.Description,
			Tags:        r.Tags,
			Size:        r.Size,
		}
	}
	return hits
}

// NewSearchDataTool creates the search_project_data tool bound to one
// project. Result counts are clamped to [1, 10]; useAnalysis reorders
// results so analyzed items come first without changing scores.
func NewSearchDataTool(store *Store, projectID string) *tools.Tool {
	return &tools.Tool{
		Name:        "search_project_data",
		Description: "Search the project's uploaded data (images, documents, text) by semantic similarity. Returns item metadata and relevance scores, never raw content. Use project_data_analysis to read a specific item's analysis.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to search for",
				},
				"contentType": map[string]any{
					"type":        "string",
					"enum":        []string{"text", "image", "document"},
					"description": "Restrict results to one item type",
				},
				"maxResults": map[string]any{
					"type":        "integer",
					"description": "How many results to return (1-10, default 2)",
				},
				"useAnalysis": map[string]any{
					"type":        "boolean",
					"description": "Prefer items that already have an analysis",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query := tools.StringArg(args, "query")
			if query == "" {
				return "", fmt.Errorf("query is required")
			}
			limit := tools.ClampInt(tools.IntArgOr(args, "maxResults", defaultSearchResults), 1, maxSearchResults)
			contentType := ItemType(tools.StringArg(args, "contentType"))

			results, err := store.Search(ctx, projectID, query, contentType, limit)
			if err != nil {
				return "", fmt.Errorf("search project data: %w", err)
			}
			if len(results) == 0 {
				return fmt.Sprintf("No matching items found for query: %q", query), nil
			}

			if tools.BoolArg(args, "useAnalysis") {
				results = SortAnalyzedFirst(results)
			}

			out, err := json.Marshal(map[string]any{
				"total":   len(results),
				"showing": len(results),
				"results": toHits(results),
			})
			if err != nil {
				return "", fmt.Errorf("marshal results: %w", err)
			}
			return string(out), nil
		},
	}
}

// NewSimilarItemsTool creates the search_similar_items tool bound to one
// project. A missing or never-embedded source item yields an error-shaped
// JSON payload so the model can recover, not a hard failure.
func NewSimilarItemsTool(store *Store, projectID string) *tools.Tool {
	return &tools.Tool{
		Name:        "search_similar_items",
		Description: "Find items in the project most similar to an existing item, by embedding distance. The source item itself is excluded from results.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"dataId": map[string]any{
					"type":        "string",
					"description": "ID of the item to find neighbors of",
				},
				"maxResults": map[string]any{
					"type":        "integer",
					"description": "How many results to return (1-10, default 3)",
				},
			},
			"required": []string{"dataId"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			dataID := tools.StringArg(args, "dataId")
			if dataID == "" {
				return "", fmt.Errorf("dataId is required")
			}
			limit := tools.ClampInt(tools.IntArgOr(args, "maxResults", defaultSimilarResults), 1, maxSearchResults)

			results, err := store.SimilarToItem(projectID, dataID, limit)
			if err != nil {
				if err == ErrNoEmbedding {
					return `{"error":"Item not found or has no embedding"}`, nil
				}
				return "", fmt.Errorf("search similar items: %w", err)
			}

			out, err := json.Marshal(map[string]any{
				"total":   len(results),
				"showing": len(results),
				"results": toHits(results),
			})
			if err != nil {
				return "", fmt.Errorf("marshal results: %w", err)
			}
			return string(out), nil
		},
	}
}

// NewDataAnalysisTool creates the project_data_analysis tool bound to one
// project. It returns an item's metadata and stored analysis with the
// content payload excluded at the query level, so no base64 can leak
// into the conversation.
func NewDataAnalysisTool(store *Store, projectID string) *tools.Tool {
	return &tools.Tool{
		Name:        "project_data_analysis",
		Description: "Retrieve the stored analysis and metadata for a specific project item by ID. Never returns raw file content.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"dataId": map[string]any{
					"type":        "string",
					"description": "ID of the item to inspect",
				},
			},
			"required": []string{"dataId"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			dataID := tools.StringArg(args, "dataId")
			if dataID == "" {
				return "", fmt.Errorf("dataId is required")
			}

			item, err := store.GetItemMeta(projectID, dataID)
			if err != nil {
				// Retry without project scoping before reporting a miss.
				item, err = store.GetItemMeta("", dataID)
			}
			if err != nil {
				return fmt.Sprintf(`{"error":"Item not found","dataId":%q}`, dataID), nil
			}

			analysis := item.Analysis
			if analysis == "" {
				analysis = "No analysis available for this item yet. Use analyze_image for images."
			}

			out, err := json.Marshal(map[string]any{
				"id":          item.ID,
				"filename":    item.Filename,
				"type":        item.Type,
				"description": item.Description,
				"tags":        item.Tags,
				"size":        item.Size,
				"analysis":    analysis,
				"createdAt":   item.CreatedAt,
			})
			if err != nil {
				return "", fmt.Errorf("marshal item: %w", err)
			}
			return string(out), nil
		},
	}
}
