package persistence

import (
	"time"

	"codeforge/pkg/proto"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Job is one persisted job record.
type Job struct {
	CreatedAt        time.Time          `json:"created_at"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
	CostByStep       map[string]float64 `json:"cost_by_step"`
	TokensByStep     map[string]int     `json:"tokens_by_step"`
	ID               string             `json:"id"`
	CallerID         string             `json:"caller_id"`
	Request          string             `json:"request"`
	Status           proto.Status       `json:"status"`
	ModelUsed        string             `json:"model_used,omitempty"`
	Error            string             `json:"error,omitempty"`
	StopReason       string             `json:"stop_reason,omitempty"`
	SecurityWarnings []string           `json:"security_warnings,omitempty"`
	TotalTokens      int                `json:"total_tokens"`
	RetryCount       int                `json:"retry_count"`
	CostUSD          float64            `json:"cost_usd"`
	ValidationPassed bool               `json:"validation_passed"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
