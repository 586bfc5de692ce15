package email

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/scribe-agent/scribe/internal/tools"
)

// NewSendTool creates the send_email tool. Sending is gated on an
// explicit confirmed flag so the model must state intent before mail
// leaves the building; an unconfirmed call gets a refusal payload, not
// an error.
func NewSendTool(cfg SMTPConfig) *tools.Tool {
	return &tools.Tool{
		Name:        "send_email",
		Description: "Send an email on the user's behalf. Requires confirmed=true, which must only be set after the user has explicitly approved sending. The body is markdown.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Recipient addresses",
				},
				"subject": map[string]any{
					"type":        "string",
					"description": "Subject line",
				},
				"body": map[string]any{
					"type":        "string",
					"description": "Message body in markdown",
				},
				"confirmed": map[string]any{
					"type":        "boolean",
					"description": "Must be true; set only after explicit user approval",
				},
			},
			"required": []string{"to", "subject", "body", "confirmed"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if !tools.BoolArg(args, "confirmed") {
				out, _ := json.Marshal(map[string]any{
					"success": false,
					"error":   "Sending not confirmed. Ask the user for explicit approval, then retry with confirmed=true.",
				})
				return string(out), nil
			}

			to := tools.StringSliceArg(args, "to")
			subject := tools.StringArg(args, "subject")
			body := tools.StringArg(args, "body")
			if len(to) == 0 {
				return "", fmt.Errorf("to is required")
			}
			if subject == "" {
				return "", fmt.Errorf("subject is required")
			}
			if body == "" {
				return "", fmt.Errorf("body is required")
			}
			if !cfg.Configured() {
				return "", fmt.Errorf("email delivery is not configured")
			}

			msg, msgID, err := ComposeMessage(ComposeOptions{
				From:    cfg.From,
				To:      to,
				Subject: subject,
				Body:    body,
			})
			if err != nil {
				return "", fmt.Errorf("compose message: %w", err)
			}

			recipients := collectRecipients(to, nil, nil)
			if err := SendMail(ctx, cfg, extractAddress(cfg.From), recipients, msg); err != nil {
				return "", fmt.Errorf("send mail: %w", err)
			}

			out, _ := json.Marshal(map[string]any{
				"success":   true,
				"messageId": msgID,
			})
			return string(out), nil
		},
	}
}
