package project

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"strings"
	"testing"

	"github.com/scribe-agent/scribe/internal/llm"

	_ "github.com/mattn/go-sqlite3"
)

// visionClient captures the prompt and images it was called with.
type visionClient struct {
	lastMessages []llm.Message
	analysis     string
}

func (c *visionClient) Chat(ctx context.Context, model string, messages []llm.Message, defs []map[string]any) (*llm.ChatResponse, error) {
	c.lastMessages = messages
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: c.analysis}}, nil
}

func (c *visionClient) ChatStream(ctx context.Context, model string, messages []llm.Message, defs []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return c.Chat(ctx, model, messages, defs)
}

func (c *visionClient) Ping(ctx context.Context) error { return nil }

func pngBase64(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestAnalyzeImageTool(t *testing.T) {
	s := testStore(t)
	item := &Item{ProjectID: "p", Filename: "shot.png", Type: TypeImage, Content: pngBase64(t)}
	if err := s.AddItem(item); err != nil {
		t.Fatal(err)
	}

	client := &visionClient{analysis: "an empty 8x8 image"}
	tool := NewAnalyzeImageTool(s, VisionConfig{
		Client:    client,
		Model:     "test-model",
		ProjectID: "p",
		UserQuery: "what is in the screenshot?",
	})

	out, err := tool.Handler(context.Background(), map[string]any{"dataId": item.ID})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	var payload struct {
		DataID          string `json:"dataId"`
		Analysis        string `json:"analysis"`
		EstimatedTokens int    `json:"estimatedTokens"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("output should be JSON: %v", err)
	}
	if payload.DataID != item.ID || payload.Analysis != "an empty 8x8 image" {
		t.Errorf("unexpected payload: %s", out)
	}
	if payload.EstimatedTokens < 1 {
		t.Error("token estimate missing")
	}

	// The vision call carries the image and the user's question.
	if len(client.lastMessages) != 1 || len(client.lastMessages[0].Images) != 1 {
		t.Fatal("vision call should carry exactly one image")
	}
	if !strings.Contains(client.lastMessages[0].Content, "what is in the screenshot?") {
		t.Error("vision prompt should include the user's question")
	}

	// The analysis is persisted on the item.
	stored, _ := s.GetItemMeta("p", item.ID)
	if stored.Analysis != "an empty 8x8 image" {
		t.Errorf("analysis not persisted: %q", stored.Analysis)
	}
}

func TestAnalyzeImageToolMissing(t *testing.T) {
	tool := NewAnalyzeImageTool(testStore(t), VisionConfig{Client: &visionClient{}, ProjectID: "p"})

	out, err := tool.Handler(context.Background(), map[string]any{"dataId": "ghost"})
	if err != nil {
		t.Fatalf("missing image must be a payload, not an error: %v", err)
	}

	var payload struct {
		Error      string `json:"error"`
		Suggestion string `json:"suggestion"`
		DataID     string `json:"dataId"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("output should be JSON: %v", err)
	}
	if payload.Error != "Image not found or invalid" {
		t.Errorf("unexpected error text: %q", payload.Error)
	}
	if payload.DataID != "ghost" || payload.Suggestion == "" {
		t.Errorf("payload should guide recovery: %s", out)
	}
}

func TestAnalyzeImageToolBadBase64(t *testing.T) {
	s := testStore(t)
	item := &Item{ProjectID: "p", Filename: "bad.png", Type: TypeImage, Content: "not base64 at all!!!"}
	s.AddItem(item)

	tool := NewAnalyzeImageTool(s, VisionConfig{Client: &visionClient{}, ProjectID: "p"})
	out, err := tool.Handler(context.Background(), map[string]any{"dataId": item.ID})
	if err != nil {
		t.Fatalf("invalid payload must not be an error: %v", err)
	}
	if !strings.Contains(out, "Image not found or invalid") {
		t.Errorf("expected recoverable payload, got %q", out)
	}
}
