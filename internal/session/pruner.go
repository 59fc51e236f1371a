package session

import (
	"context"
	"log/slog"
	"time"
)

// Pruner periodically removes expired sessions from a Store.
type Pruner struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
}

func NewPruner(store Store, interval time.Duration, logger *slog.Logger) *Pruner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Pruner{store: store, interval: interval, logger: logger}
}

// Run prunes once immediately and then on every tick until ctx is done.
func (p *Pruner) Run(ctx context.Context) {
	p.PruneOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PruneOnce(ctx)
		}
	}
}

// PruneOnce runs a single sweep and logs the outcome.
func (p *Pruner) PruneOnce(ctx context.Context) int64 {
	n, err := p.store.Prune(ctx)
	if err != nil {
		p.logger.WarnContext(ctx, "session prune failed", "error", err)
		return 0
	}
	if n > 0 {
		p.logger.InfoContext(ctx, "pruned expired sessions", "count", n)
	}
	return n
}
