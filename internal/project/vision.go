package project

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/scribe-agent/scribe/internal/imaging"
	"github.com/scribe-agent/scribe/internal/llm"
	"github.com/scribe-agent/scribe/internal/tools"
)

// VisionConfig binds the analyze_image tool to one turn: the model used
// for the nested vision call, the project for scoped lookups, and the
// user's original question so the analysis stays on-topic.
type VisionConfig struct {
	Client    llm.Client
	Model     string
	ProjectID string
	Project   *Project // nil when the project record is unknown
	UserQuery string
	Logger    *slog.Logger
}

// NewAnalyzeImageTool creates the analyze_image tool. It loads a stored
// image, compresses it for vision submission, runs a nested model call,
// persists the resulting analysis on the item, and returns a summary
// the orchestration loop can hand back to the outer model.
func NewAnalyzeImageTool(store *Store, cfg VisionConfig) *tools.Tool {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &tools.Tool{
		Name:        "analyze_image",
		Description: "Analyze a stored project image with the vision model. The image is compressed before submission; the analysis is saved on the item for later retrieval via project_data_analysis.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"dataId": map[string]any{
					"type":        "string",
					"description": "ID of the image item to analyze",
				},
				"focus": map[string]any{
					"type":        "string",
					"description": "Optional aspect to focus the analysis on",
				},
			},
			"required": []string{"dataId"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			dataID := tools.StringArg(args, "dataId")
			if dataID == "" {
				return "", fmt.Errorf("dataId is required")
			}

			item, err := store.GetItem(cfg.ProjectID, dataID)
			if err != nil {
				// Cross-project references happen; try unscoped before
				// telling the model the image does not exist.
				item, err = store.GetItemAny(dataID)
			}
			if err != nil || item.Content == "" {
				return missingImagePayload(dataID), nil
			}

			raw, err := base64.StdEncoding.DecodeString(item.Content)
			if err != nil {
				log.Warn("stored image is not valid base64", "data_id", dataID, "error", err)
				return missingImagePayload(dataID), nil
			}

			compressed, err := imaging.Compress(raw)
			if err != nil {
				log.Warn("image compression failed", "data_id", dataID, "error", err)
				return missingImagePayload(dataID), nil
			}

			prompt := buildVisionPrompt(cfg, item, tools.StringArg(args, "focus"))

			resp, err := cfg.Client.Chat(ctx, cfg.Model, []llm.Message{{
				Role:    "user",
				Content: prompt,
				Images: []llm.Image{{
					MediaType: compressed.MediaType,
					Data:      compressed.Data,
				}},
			}}, nil)
			if err != nil {
				return "", fmt.Errorf("vision analysis: %w", err)
			}

			analysis := strings.TrimSpace(resp.Message.Content)
			existing := item.Analysis

			if analysis != "" {
				if err := store.SetAnalysis(item.ID, analysis); err != nil {
					log.Warn("failed to persist image analysis", "data_id", item.ID, "error", err)
				}
			}

			out, err := json.Marshal(map[string]any{
				"dataId":           item.ID,
				"filename":         item.Filename,
				"originalSizeKB":   len(raw) / 1024,
				"compressedSizeKB": len(compressed.Data) / 1024,
				"estimatedTokens":  imaging.EstimateTokens(compressed.Data),
				"analysis":         analysis,
				"existingAnalysis": existing,
			})
			if err != nil {
				return "", fmt.Errorf("marshal analysis: %w", err)
			}
			return string(out), nil
		},
	}
}

// missingImagePayload is the recoverable not-found shape. Returned with
// a nil error so the model can fall back to search instead of the turn
// recording a failure.
func missingImagePayload(dataID string) string {
	out, _ := json.Marshal(map[string]any{
		"error":      "Image not found or invalid",
		"suggestion": "Use search_project_data to locate image items and their IDs",
		"dataId":     dataID,
	})
	return string(out)
}

func buildVisionPrompt(cfg VisionConfig, item *Item, focus string) string {
	var b strings.Builder
	b.WriteString("Analyze this image in detail.\n\n")

	if cfg.Project != nil {
		fmt.Fprintf(&b, "Project: %s\n", cfg.Project.Name)
		if cfg.Project.Description != "" {
			fmt.Fprintf(&b, "Project description: %s\n", cfg.Project.Description)
		}
	}
	fmt.Fprintf(&b, "Filename: %s\n", item.Filename)
	if item.Description != "" {
		fmt.Fprintf(&b, "Item description: %s\n", item.Description)
	}
	if cfg.UserQuery != "" {
		fmt.Fprintf(&b, "\nThe user is currently asking: %s\n", cfg.UserQuery)
		b.WriteString("Make sure the analysis addresses their question where the image is relevant.\n")
	}
	if focus != "" {
		fmt.Fprintf(&b, "\nFocus on: %s\n", focus)
	}

	b.WriteString("\nDescribe the content, any text visible in the image, and anything notable for the project context.")
	return b.String()
}
