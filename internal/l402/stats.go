package l402

import (
	"context"
	"time"
)

// StatsSnapshot is the revenue picture served by the stats endpoint.
type StatsSnapshot struct {
	Total          ProviderStats            `json:"total"`
	Providers      map[string]ProviderStats `json:"providers"`
	Pricing        []Tier                   `json:"pricing"`
	ActiveSessions int                      `json:"active_sessions"`
	GeneratedAt    int64                    `json:"generated_at"`
}

// Snapshot assembles totals, per-provider counters and the live session
// count. providerNames bounds the per-provider reads; unknown providers
// report zeroes.
func (st *Store) Snapshot(ctx context.Context, providerNames []string) (*StatsSnapshot, error) {
	now := time.Now()

	total, err := st.TotalStats(ctx)
	if err != nil {
		return nil, err
	}

	perProvider := make(map[string]ProviderStats, len(providerNames))
	for _, name := range providerNames {
		ps, err := st.StatsFor(ctx, name)
		if err != nil {
			return nil, err
		}
		perProvider[name] = ps
	}

	active, err := st.CountActiveSessions(ctx, now)
	if err != nil {
		return nil, err
	}

	return &StatsSnapshot{
		Total:          total,
		Providers:      perProvider,
		ActiveSessions: active,
		GeneratedAt:    now.Unix(),
	}, nil
}
