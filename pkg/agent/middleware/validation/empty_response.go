// Package validation rejects unusable backend responses before they reach a step.
package validation

import (
	"context"
	"strings"

	"codeforge/pkg/agent/llm"
	"codeforge/pkg/agent/llmerrors"
	"codeforge/pkg/logx"
)

const maxLoggedMessage = 2000

// EmptyResponseMiddleware turns a whitespace-only completion into an
// ErrorTypeEmptyResponse error so the fallback chain treats it as transient.
// The prompt is logged at debug level to help diagnose the backend.
func EmptyResponseMiddleware() llm.Middleware {
	logger := logx.NewLogger("llm-validation")
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				resp, err := next.Complete(ctx, req)
				if err != nil {
					return resp, err //nolint:wrapcheck // pass through unchanged
				}
				if strings.TrimSpace(resp.Content) != "" {
					return resp, nil
				}

				logger.Warn("empty response from %s for step %s (job %s, stop reason %q)",
					next.GetModelName(), req.Tags.Step, req.Tags.JobID, resp.StopReason)
				for i := range req.Messages {
					content := req.Messages[i].Content
					if len(content) > maxLoggedMessage {
						content = content[:maxLoggedMessage] + " [truncated]"
					}
					logger.Debug("message [%d] role=%s: %s", i, req.Messages[i].Role, content)
				}

				// Usage is kept on the response so tokens spent on the empty reply are still billed.
				emptyErr := llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "backend returned no content")
				emptyErr.Backend = next.GetModelName()
				return resp, emptyErr
			},
			next.GetModelName,
		)
	}
}
