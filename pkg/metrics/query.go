package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// RunMetrics represents aggregated metrics for heal activity as seen by
// an external Prometheus server.
type RunMetrics struct {
	Steps         int64   `json:"steps"`
	LoopOverrides int64   `json:"loop_overrides"`
	FilesHealed   int64   `json:"files_healed"`
	BugsDetected  int64   `json:"bugs_detected"`
	Escalations   int64   `json:"escalations"`
	AvgStepSecs   float64 `json:"avg_step_seconds"`
}

// QueryService provides methods to query heal metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}

// GetRunMetrics retrieves aggregated heal metrics from Prometheus.
func (q *QueryService) GetRunMetrics(ctx context.Context) (*RunMetrics, error) {
	metrics := &RunMetrics{}

	steps, err := q.scalar(ctx, `sum(triangulum_steps_total)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	metrics.Steps = int64(steps)

	overrides, err := q.scalar(ctx, `sum(triangulum_loop_overrides_total)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query loop overrides: %w", err)
	}
	metrics.LoopOverrides = int64(overrides)

	healed, err := q.scalar(ctx, `sum(triangulum_files_healed_total)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query files healed: %w", err)
	}
	metrics.FilesHealed = int64(healed)

	detected, err := q.scalar(ctx, `sum(triangulum_bugs_detected_total)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query bugs detected: %w", err)
	}
	metrics.BugsDetected = int64(detected)

	escalations, err := q.scalar(ctx, `sum(triangulum_terminal_total{phase="ESCALATE"})`)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalations: %w", err)
	}
	metrics.Escalations = int64(escalations)

	avg, err := q.scalar(ctx,
		`sum(triangulum_step_duration_seconds_sum) / sum(triangulum_step_duration_seconds_count)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query step durations: %w", err)
	}
	metrics.AvgStepSecs = avg

	return metrics, nil
}

// GetStepsByAgent retrieves the per-agent step counts from Prometheus.
func (q *QueryService) GetStepsByAgent(ctx context.Context) (map[string]int64, error) {
	result, _, err := q.queryAPI.Query(ctx, `sum by (agent) (triangulum_steps_total)`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query steps by agent: %w", err)
	}

	counts := make(map[string]int64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			if agent, ok := sample.Metric["agent"]; ok {
				counts[string(agent)] = int64(sample.Value)
			}
		}
	}
	return counts, nil
}
