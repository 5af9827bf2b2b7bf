// Package notify posts claim lifecycle notifications to Slack.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"

	"github.com/natea/claimflow/pkg/models"
)

const postTimeout = 5 * time.Second

// Service delivers Slack notifications for claim outcomes.
// Nil-safe: all methods are no-ops when the service is nil. Fail-open:
// delivery errors are logged, never returned.
type Service struct {
	client  *slack.Client
	channel string
	logger  *slog.Logger
}

// NewService creates a Slack notification service. Returns nil when
// token or channel is empty (notifications disabled).
func NewService(token, channel string) *Service {
	if token == "" || channel == "" {
		return nil
	}
	return &Service{
		client:  slack.New(token),
		channel: channel,
		logger:  slog.Default().With("component", "slack-notify"),
	}
}

// Listen wires the service into a dashboard event stream. Blocked and
// review-requested transitions produce notifications.
func (s *Service) Listen(ev models.DashboardEvent) {
	if s == nil {
		return
	}
	if ev.Type != models.EventClaimUpdated || ev.Claim == nil {
		return
	}
	status, changed := ev.Changes["status"]
	if !changed {
		return
	}
	switch status {
	case models.StatusBlocked, string(models.StatusBlocked):
		s.post(fmt.Sprintf(":no_entry: Claim *%s* (%s) is blocked — worker retries exhausted.",
			ev.Claim.IssueID, ev.Claim.Title))
	case models.StatusReviewRequested, string(models.StatusReviewRequested):
		s.post(fmt.Sprintf(":white_check_mark: Claim *%s* (%s) is ready for review.",
			ev.Claim.IssueID, ev.Claim.Title))
	}
}

func (s *Service) post(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()

	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(text, false))
	if err != nil {
		s.logger.Warn("Slack notification failed", "error", err)
	}
}
