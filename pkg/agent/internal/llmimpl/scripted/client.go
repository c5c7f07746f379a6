// Package scripted is a deterministic offline backend. It answers each step
// with a small fixed artifact so the whole pipeline can run without provider
// credentials.
package scripted

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"codeforge/pkg/agent/llm"
)

// Client is the scripted backend selected by model names starting with "mock".
type Client struct {
	model string
}

// New returns a scripted client reporting model as its name.
func New(model string) llm.LLMClient {
	return &Client{model: model}
}

// GetModelName returns the configured name.
func (c *Client) GetModelName() string {
	return c.model
}

// Complete answers by the request's step tag.
func (c *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return llm.CompletionResponse{}, err
	}

	var payload any
	switch in.Tags.Step {
	case "orchestrator":
		payload = map[string]string{"next_agent": "", "reason": "scripted backend defers to default routing"}
	case "planner":
		payload = plan(lastUser(in.Messages))
	case "frontend":
		payload = map[string]string{
			"index.html": "<!doctype html>\n<html>\n<head><title>App</title></head>\n<body>\n<div id=\"app\"></div>\n<script src=\"app.js\"></script>\n</body>\n</html>\n",
			"app.js":     "fetch('/api/items').then(r => r.json()).then(items => {\n  document.getElementById('app').textContent = items.length + ' items';\n});\n",
		}
	case "backend":
		payload = map[string]string{
			"main.py":          "from fastapi import FastAPI\n\napp = FastAPI()\nitems = []\n\n\n@app.get(\"/api/items\")\ndef list_items():\n    return items\n",
			"requirements.txt": "fastapi\nuvicorn\n",
		}
	case "validator":
		payload = map[string]any{"passed": true, "report": "Frontend calls /api/items, which the backend serves.", "target": ""}
	default:
		return llm.CompletionResponse{Content: "ok", StopReason: "end_turn", Model: c.model}, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return llm.CompletionResponse{}, fmt.Errorf("scripted response: %w", err)
	}
	return llm.CompletionResponse{Content: string(data), StopReason: "end_turn", Model: c.model}, nil
}

func lastUser(messages []llm.CompletionMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func plan(request string) map[string]any {
	title := strings.TrimSpace(strings.SplitN(request, "\n", 2)[0])
	if len(title) > 80 {
		title = title[:80]
	}
	return map[string]any{
		"spec":        "# Specification\n\n" + title + "\n\nA single-page app listing items from a JSON API.\n",
		"pages":       []string{"index"},
		"endpoints":   []string{"GET /api/items"},
		"data_models": []string{"Item"},
	}
}
