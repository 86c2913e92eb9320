package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/clubkit/clubkit/internal/jobs"
	"github.com/clubkit/clubkit/internal/rbac"
)

// IntegrityFinding describes one inconsistency in the authorization data.
type IntegrityFinding struct {
	Kind   string
	Detail string
}

// IntegrityScanner walks the rule set looking for configuration errors that
// would surface as evaluation failures: rules whose app.model pair has no
// default row, and rules whose action falls outside a declared catalogue.
type IntegrityScanner struct {
	store   rbac.Store
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewIntegrityScanner constructs a scanner.
func NewIntegrityScanner(store rbac.Store, logger *slog.Logger, metrics *jobmetrics.Metrics) *IntegrityScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntegrityScanner{store: store, logger: logger, metrics: metrics}
}

// Run executes a full scan and returns the findings.
func (s *IntegrityScanner) Run(ctx context.Context) ([]IntegrityFinding, error) {
	rules, err := s.store.RolesMatching(ctx, rbac.RuleFilter{AnyInstance: true})
	if err != nil {
		return nil, fmt.Errorf("integrity scan: list rules: %w", err)
	}

	type pair struct{ app, model string }
	seen := make(map[pair][]rbac.GroupRole)
	for _, r := range rules {
		key := pair{r.App, r.Model}
		seen[key] = append(seen[key], r)
	}

	var findings []IntegrityFinding
	for key, pairRules := range seen {
		if _, err := s.store.ModelDefault(ctx, key.app, key.model); err != nil {
			if !errors.Is(err, rbac.ErrDefaultMissing) {
				return nil, fmt.Errorf("integrity scan: default for %s.%s: %w", key.app, key.model, err)
			}
			findings = append(findings, IntegrityFinding{
				Kind:   "missing_default",
				Detail: fmt.Sprintf("%d rule(s) exist for %s.%s but no default row", len(pairRules), key.app, key.model),
			})
		}

		actions, err := s.store.ModelActions(ctx, key.app, key.model)
		if err != nil {
			return nil, fmt.Errorf("integrity scan: actions for %s.%s: %w", key.app, key.model, err)
		}
		if len(actions) == 0 {
			continue
		}
		valid := make(map[string]struct{}, len(actions)+1)
		valid[rbac.ActionAll] = struct{}{}
		for _, a := range actions {
			valid[a.Action] = struct{}{}
		}
		for _, r := range pairRules {
			if _, ok := valid[r.Action]; !ok {
				findings = append(findings, IntegrityFinding{
					Kind:   "uncatalogued_action",
					Detail: fmt.Sprintf("rule %s uses action outside the %s.%s catalogue", r.String(), key.app, key.model),
				})
			}
		}
	}

	counts := make(map[string]int)
	for _, f := range findings {
		counts[f.Kind]++
		s.logger.Warn("integrity finding", slog.String("kind", f.Kind), slog.String("detail", f.Detail))
	}
	for kind, n := range counts {
		s.metrics.AddFindings(kind, n)
	}
	s.logger.Info("integrity scan complete",
		slog.Int("rules", len(rules)),
		slog.Int("findings", len(findings)))
	return findings, nil
}

// NewIntegrityScanHandler adapts the scanner into an Asynq handler.
func NewIntegrityScanHandler(scanner *IntegrityScanner, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload IntegrityScanPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		tracker := metrics.Track("integrity_scan")
		_, err := scanner.Run(ctx)
		return tracker.End(err)
	}
}
