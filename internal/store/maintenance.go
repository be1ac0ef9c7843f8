package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// EnsureIndexes creates the lexical and vector indexes if they are missing.
// Safe to call repeatedly. The partial embedding indexes are only created
// once vector capability is confirmed.
func (m *Manager) EnsureIndexes(ctx context.Context) error {
	var stmts []string
	for _, ct := range ContentTypes {
		table, _ := tableFor(ct)
		stmts = append(stmts,
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_project ON %s(project_id)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_updated ON %s(updated_at DESC)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_title ON %s(title COLLATE NOCASE)`, table, table),
		)
		if m.VectorSupported() {
			stmts = append(stmts,
				fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_embedded ON %s(embedded_at) WHERE embedding IS NOT NULL`, table, table))
		}
	}

	for _, stmt := range stmts {
		if _, err := m.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring indexes: %w", err)
		}
	}
	return nil
}

// RefreshStatistics reruns the query planner statistics.
func (m *Manager) RefreshStatistics(ctx context.Context) error {
	if _, err := m.Exec(ctx, `ANALYZE`); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	if _, err := m.Exec(ctx, `PRAGMA optimize`); err != nil {
		return fmt.Errorf("optimize: %w", err)
	}
	return nil
}

// Maintainer periodically re-ensures indexes and refreshes planner
// statistics in the background.
type Maintainer struct {
	store    *Manager
	interval time.Duration
	logger   *slog.Logger
}

func NewMaintainer(store *Manager, interval time.Duration, logger *slog.Logger) *Maintainer {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintainer{store: store, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled, running one maintenance pass
// immediately and then one per interval. Failures are logged and the loop
// keeps going.
func (mt *Maintainer) Run(ctx context.Context) {
	mt.pass(ctx)
	ticker := time.NewTicker(mt.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mt.pass(ctx)
		}
	}
}

func (mt *Maintainer) pass(ctx context.Context) {
	if err := mt.store.EnsureIndexes(ctx); err != nil {
		mt.logger.Warn("index maintenance failed", "error", err)
	}
	if err := mt.store.RefreshStatistics(ctx); err != nil {
		mt.logger.Warn("statistics refresh failed", "error", err)
	}
}
