package orchestrator

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cowprotocol/cow-native-liquidity/internal/chain"
	"github.com/cowprotocol/cow-native-liquidity/internal/liquidity"
	"github.com/cowprotocol/cow-native-liquidity/internal/platform/observability"
)

// HeadSubscriber streams new chain heads. chain.HeadTracker implements it.
type HeadSubscriber interface {
	Subscribe() (<-chan chain.Head, func())
}

// SnapshotIndex reports which pools are in demand, most recent first, and what is
// already held for them.
type SnapshotIndex interface {
	RecentlyRequested(since time.Time) []liquidity.PoolID
	Latest(id liquidity.PoolID) (liquidity.Pool, bool)
}

// UnreachableLister lists the pools excluded for repeated failures.
type UnreachableLister interface {
	Unreachable() []liquidity.PoolID
}

// MaintainerConfig configures a Maintainer.
type MaintainerConfig struct {
	Orchestrator *Orchestrator
	Heads        HeadSubscriber
	Index        SnapshotIndex
	// Unreachable is optional; without it no probes are sent.
	Unreachable UnreachableLister

	// RecentWindow selects pools requested within this long before a head.
	RecentWindow time.Duration
	// UpdateSize caps the pools refreshed per head, keeping the most recently
	// requested. Zero means no limit.
	UpdateSize int
	// ProbeEvery probes unreachable pools every this many heads. Zero disables probes.
	ProbeEvery int
	// Timeout bounds each pool refresh.
	Timeout time.Duration

	Logger *observability.Logger
	Now    func() time.Time
}

// Maintainer keeps the snapshots of recently used pools at the chain head so quotes
// at the latest block mostly hit the cache.
type Maintainer struct {
	cfg    MaintainerConfig
	logger *observability.Logger
	heads  int
}

// NewMaintainer creates a maintainer.
func NewMaintainer(cfg MaintainerConfig) (*Maintainer, error) {
	if cfg.Orchestrator == nil || cfg.Heads == nil || cfg.Index == nil {
		return nil, fmt.Errorf("orchestrator, heads and index are required")
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLoggerTo(io.Discard, "error", "json")
	}
	return &Maintainer{cfg: cfg, logger: logger.Component("maintenance")}, nil
}

// Run refreshes on every new head until ctx is done. Heads arriving while a refresh
// is running are skipped by the tracker's lagging-subscriber policy.
func (m *Maintainer) Run(ctx context.Context) error {
	heads, cancel := m.cfg.Heads.Subscribe()
	defer cancel()

	m.logger.LogInfo(ctx, "maintenance started",
		"recent_window", m.cfg.RecentWindow.String(), "update_size", m.cfg.UpdateSize, "probe_every", m.cfg.ProbeEvery)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case head, ok := <-heads:
			if !ok {
				return nil
			}
			m.OnHead(ctx, head.Number)
		}
	}
}

// OnHead refreshes the outdated recently requested pools at block and, when due,
// probes unreachable pools. It is not safe for concurrent use.
func (m *Maintainer) OnHead(ctx context.Context, block uint64) {
	m.heads++

	var outdated []liquidity.PoolID
	for _, id := range m.cfg.Index.RecentlyRequested(m.cfg.Now().Add(-m.cfg.RecentWindow)) {
		if pool, ok := m.cfg.Index.Latest(id); ok && pool.Block >= block {
			continue
		}
		outdated = append(outdated, id)
		if m.cfg.UpdateSize > 0 && len(outdated) == m.cfg.UpdateSize {
			break
		}
	}
	if len(outdated) > 0 {
		results := m.cfg.Orchestrator.Maintain(ctx, outdated, block, m.cfg.Timeout)
		m.logger.LogDebug(ctx, "refreshed outdated pools",
			"block", block, "pools", len(outdated), "ok", len(Snapshots(results)))
	}

	if m.cfg.Unreachable == nil || m.cfg.ProbeEvery <= 0 || m.heads%m.cfg.ProbeEvery != 0 {
		return
	}
	if probes := m.cfg.Unreachable.Unreachable(); len(probes) > 0 {
		results := m.cfg.Orchestrator.Maintain(ctx, probes, block, m.cfg.Timeout)
		m.logger.LogInfo(ctx, "probed unreachable pools",
			"block", block, "pools", len(probes), "recovered", len(Snapshots(results)))
	}
}
