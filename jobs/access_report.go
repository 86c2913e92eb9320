package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/clubkit/clubkit/internal/jobs"
	"github.com/clubkit/clubkit/internal/rbac"
)

// AccessReporter produces a membership digest for a role: who holds it and
// what their access reads as in plain English.
type AccessReporter struct {
	eval   *rbac.Evaluator
	logger *slog.Logger
}

// NewAccessReporter constructs a reporter.
func NewAccessReporter(eval *rbac.Evaluator, logger *slog.Logger) *AccessReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessReporter{eval: eval, logger: logger}
}

// Run resolves the role's holders and logs one digest line per member.
func (r *AccessReporter) Run(ctx context.Context, runID, role string) error {
	members, err := r.eval.UsersWithRole(ctx, role)
	if err != nil {
		return fmt.Errorf("access report: users with role %s: %w", role, err)
	}
	for _, m := range members {
		lines, err := r.eval.AccessInEnglish(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("access report: member %d: %w", m.ID, err)
		}
		r.logger.Info("access report entry",
			slog.String("run_id", runID),
			slog.String("role", role),
			slog.Int64("member_id", m.ID),
			slog.String("name", m.FirstName+" "+m.LastName),
			slog.Int("access_lines", len(lines)))
	}
	r.logger.Info("access report complete",
		slog.String("run_id", runID),
		slog.String("role", role),
		slog.Int("members", len(members)))
	return nil
}

// NewAccessReportHandler adapts the reporter into an Asynq handler.
func NewAccessReportHandler(reporter *AccessReporter, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload AccessReportPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.Role == "" {
			return asynq.SkipRetry
		}
		tracker := metrics.Track("access_report")
		return tracker.End(reporter.Run(ctx, payload.RunID, payload.Role))
	}
}
