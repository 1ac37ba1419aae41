package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/quote-engine/internal/model"
)

// SnapshotStore persists the registry between restarts.
type SnapshotStore interface {
	SaveAgentSnapshot(ctx context.Context, agents []model.Agent) error
	LoadAgentSnapshot(ctx context.Context) ([]model.Agent, error)
}

// Sweeper periodically commits offline transitions and persists a snapshot.
// Snapshot failures are logged and never stop the loop.
type Sweeper struct {
	registry *Registry
	store    SnapshotStore
	interval time.Duration
}

// NewSweeper creates a Sweeper. store may be nil.
func NewSweeper(r *Registry, store SnapshotStore, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{registry: r, store: store, interval: interval}
}

// Load restores the persisted snapshot into the registry.
func (s *Sweeper) Load(ctx context.Context) {
	if s.store == nil {
		return
	}
	agents, err := s.store.LoadAgentSnapshot(ctx)
	if err != nil {
		zap.L().Warn("agent: snapshot load failed, starting empty", zap.Error(err))
		return
	}
	n := s.registry.Restore(agents)
	zap.L().Info("agent: snapshot restored", zap.Int("agents", n))
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "agent.sweeper"))
	log.Info("starting agent sweeper", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.persist(context.WithoutCancel(ctx), log)
			log.Info("agent sweeper stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sweep and snapshot.
func (s *Sweeper) Tick(ctx context.Context) {
	log := zap.L().With(zap.String("component", "agent.sweeper"))
	if alerts := s.registry.Sweep(ctx); len(alerts) > 0 {
		log.Info("agent: sweep complete", zap.Int("went_offline", len(alerts)))
	}
	s.persist(ctx, log)
}

func (s *Sweeper) persist(ctx context.Context, log *zap.Logger) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.store.SaveAgentSnapshot(ctx, s.registry.Snapshot()); err != nil {
		log.Warn("agent: snapshot save failed", zap.Error(err))
	}
}
