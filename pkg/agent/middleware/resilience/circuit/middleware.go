package circuit

import (
	"context"
	"errors"

	"codeforge/pkg/agent/llm"
	"codeforge/pkg/agent/llmerrors"
)

// Middleware rejects calls while the breaker is open. Rejections surface as
// ErrorTypeServiceUnavailable so the fallback chain advances to the next backend.
// Caller cancellation is not counted as a backend failure.
func Middleware(breaker Breaker) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if !breaker.Allow() {
					cause := &Error{Backend: next.GetModelName(), State: breaker.GetState()}
					return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeServiceUnavailable, cause, "backend skipped")
				}

				resp, err := next.Complete(ctx, req)
				if err != nil && errors.Is(err, context.Canceled) {
					return resp, err
				}
				breaker.Record(err == nil)
				return resp, err //nolint:wrapcheck // pass through unchanged
			},
			next.GetModelName,
		)
	}
}
