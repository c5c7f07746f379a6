package metrics

import (
	"context"
	"time"

	"codeforge/pkg/agent/llm"
	"codeforge/pkg/agent/llmerrors"
	"codeforge/pkg/config"
	"codeforge/pkg/logx"
	"codeforge/pkg/utils"
)

// UsageExtractor returns the token counts for a call.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor trusts provider-reported usage and falls back to a
// tiktoken estimate when the provider reported none.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	if resp.Usage.Total() > 0 {
		return resp.Usage.InputTokens, resp.Usage.OutputTokens
	}
	var promptText string
	for i := range req.Messages {
		promptText += req.Messages[i].Content + "\n"
	}
	return utils.CountTokensSimple(promptText), utils.CountTokensSimple(resp.Content)
}

// Middleware records latency, tokens and outcome of every backend call and
// fills in resp.Usage when the provider left it empty.
func Middleware(recorder Recorder, usageExtractor UsageExtractor, logger *logx.Logger) llm.Middleware {
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}
	if recorder == nil {
		recorder = Nop()
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				model := next.GetModelName()

				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				var promptTokens, completionTokens int
				if err == nil || resp.Usage.Total() > 0 {
					promptTokens, completionTokens = usageExtractor(req, resp)
					resp.Usage = llm.Usage{InputTokens: promptTokens, OutputTokens: completionTokens}
				}
				if resp.Model == "" {
					resp.Model = model
				}

				errorType := ""
				if err != nil {
					errorType = llmerrors.Classify(err).Type.String()
				}
				cost := config.CalculateCost(model, promptTokens, completionTokens)

				recorder.ObserveBackendCall(Call{
					Model:            model,
					Step:             req.Tags.Step,
					ErrorType:        errorType,
					PromptTokens:     promptTokens,
					CompletionTokens: completionTokens,
					Cost:             cost,
					Duration:         duration,
					Success:          err == nil,
				})

				if logger != nil {
					status := "success"
					if err != nil {
						status = "error:" + errorType
					}
					logger.Info("LLM request: model=%s step=%s job=%s tokens=%d+%d=%d status=%s duration=%dms",
						model, req.Tags.Step, req.Tags.JobID, promptTokens, completionTokens,
						promptTokens+completionTokens, status, duration.Milliseconds())
				}

				return resp, err //nolint:wrapcheck // pass through unchanged
			},
			next.GetModelName,
		)
	}
}
