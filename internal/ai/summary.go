package ai

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/db"
)

const summarySystemPrompt = `You are a procurement analyst. Write a one-paragraph plain-text summary of a contract opportunity for potential bidders. Be factual and concise, under 60 words. Return only the summary.`

// Summarizer produces a short bidder-facing summary for a contract at
// publish time. Failures are logged and swallowed; a missing summary never
// blocks publishing.
type Summarizer struct {
	client *Client
	logger *zap.Logger
}

func NewSummarizer(client *Client, logger *zap.Logger) *Summarizer {
	return &Summarizer{client: client, logger: logger}
}

// Summarize generates a summary for the contract.
func (s *Summarizer) Summarize(ctx context.Context, c *db.Contract) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\nCategory: %s\nProcuring entity: %s\n", c.Title, c.Category, c.ProcuringEntity)
	if c.SubmissionDeadline != nil {
		fmt.Fprintf(&b, "Submission deadline: %s\n", c.SubmissionDeadline.Format("2006-01-02"))
	}

	summary, err := s.client.GenerateText(ctx, summarySystemPrompt, b.String())
	if err != nil {
		return "", fmt.Errorf("contract summary generation failed: %w", err)
	}
	return strings.TrimSpace(summary), nil
}
