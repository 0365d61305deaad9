package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	"alertengine/internal/clock"
	"alertengine/internal/domain"
	"alertengine/internal/history"
	"alertengine/internal/logging"
	"alertengine/internal/orchestrator"
	"alertengine/internal/rules"
	"alertengine/internal/state"
	"alertengine/internal/suppress"
)

// BenchmarkProcessBatchThroughput measures evaluation and dedup over 50 rules with memory backends.
func BenchmarkProcessBatchThroughput(b *testing.B) {
	clk := clock.RealClock{}
	registry := rules.NewRegistry(clk, func(string) bool { return true })
	for i := 0; i < 50; i++ {
		_, err := registry.Create(domain.AlertRule{
			ID:       fmt.Sprintf("bench-%02d", i),
			Name:     "bench",
			Severity: domain.SeverityMedium,
			Conditions: []domain.Condition{
				{Field: "assignee", Operator: domain.OpEquals, Value: fmt.Sprintf("Org%02d", i%10)},
				{Field: "claims", Operator: domain.OpGreaterThan, Value: float64(i % 5), Logic: domain.LogicAnd},
			},
			Delivery: []domain.DeliveryConfig{{Channel: "webhook", Enabled: true}},
			Dedup:    domain.DedupRule{Enabled: true, WindowMinutes: 60, Field: "patentId"},
		})
		if err != nil {
			b.Fatalf("create rule: %v", err)
		}
	}
	store := state.NewMemoryStore()
	orch, err := orchestrator.New(orchestrator.Options{
		Registry:        registry,
		Dedup:           suppress.NewDedup(store, clk),
		Throttle:        suppress.NewThrottle(store, clk),
		History:         history.NewMemoryStore(),
		Clock:           clk,
		Logger:          logging.Discard(),
		Shards:          4,
		RuleParallelism: 8,
	})
	if err != nil {
		b.Fatalf("new orchestrator: %v", err)
	}

	const batchSize = 100
	batch := make([]domain.Event, batchSize)
	now := time.Now()
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := range batch {
			batch[j] = domain.Event{
				ID:        fmt.Sprintf("e-%d-%d", i, j),
				Type:      "patent",
				Timestamp: now,
				Fields: map[string]any{
					"patentId": fmt.Sprintf("P%d", (i*batchSize+j)%5000),
					"assignee": fmt.Sprintf("Org%02d", j%10),
					"claims":   float64(j % 20),
				},
			}
		}
		orch.ProcessBatch(ctx, batch)
	}

	eventsPerSecond := float64(b.N*batchSize) / b.Elapsed().Seconds()
	b.ReportMetric(eventsPerSecond, "events/sec")
}
