// Package ollama adapts a local Ollama server to llm.LLMClient.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"codeforge/pkg/agent/llm"
	"codeforge/pkg/agent/llmerrors"
)

// ModelPrefix marks chain entries served by Ollama, e.g. "ollama:llama3.1:8b".
const ModelPrefix = "ollama:"

const defaultHost = "http://localhost:11434"

// Client wraps the Ollama API client.
type Client struct {
	client  *api.Client
	name    string // as configured, including any prefix
	model   string // as sent to the server
	hostURL string
}

// NewOllamaClientWithModel creates a raw client. hostURL falls back to the
// local default when it does not parse.
func NewOllamaClientWithModel(hostURL, model string) llm.LLMClient {
	parsedURL, err := url.Parse(hostURL)
	if err != nil || parsedURL.Host == "" {
		hostURL = defaultHost
		parsedURL, _ = url.Parse(defaultHost)
	}
	return &Client{
		client:  api.NewClient(parsedURL, http.DefaultClient),
		name:    model,
		model:   strings.TrimPrefix(model, ModelPrefix),
		hostURL: hostURL,
	}
}

// Complete implements llm.LLMClient.
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	messages := make([]api.Message, 0, len(in.Messages))
	for i := range in.Messages {
		messages = append(messages, api.Message{Role: string(in.Messages[i].Role), Content: in.Messages[i].Content})
	}

	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}

	var response api.ChatResponse
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.CompletionResponse{}, o.classifyError(err)
	}

	return llm.CompletionResponse{
		Content:    response.Message.Content,
		StopReason: getStopReason(&response),
		Model:      o.name,
		Usage: llm.Usage{
			InputTokens:  response.PromptEvalCount,
			OutputTokens: response.EvalCount,
		},
	}, nil
}

// GetModelName returns the configured model name, prefix included.
func (o *Client) GetModelName() string {
	return o.name
}

func getStopReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}

func (o *Client) classifyError(err error) *llmerrors.Error {
	errStr := err.Error()
	var classified *llmerrors.Error
	switch {
	case strings.Contains(errStr, "connection refused"):
		classified = llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, fmt.Sprintf("Ollama server not reachable at %s", o.hostURL))
	case strings.Contains(errStr, "model") && strings.Contains(errStr, "not found"):
		classified = llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "Ollama model not found")
	default:
		classified = llmerrors.Classify(err)
	}
	classified.Backend = o.name
	return classified
}
