// Package timeout bounds each backend attempt.
package timeout

import (
	"context"
	"errors"
	"time"

	"codeforge/pkg/agent/llm"
	"codeforge/pkg/agent/llmerrors"
)

// Middleware gives every call its own deadline. A call that hits it is
// reported as transient; cancellation of the parent context is passed through.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if duration <= 0 {
					return next.Complete(ctx, req)
				}
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()

				resp, err := next.Complete(timeoutCtx, req)
				if err != nil && ctx.Err() == nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
					return resp, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "attempt timed out after "+duration.String())
				}
				return resp, err
			},
			next.GetModelName,
		)
	}
}
