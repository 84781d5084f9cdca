package stockcount

import (
	"context"

	"go.uber.org/zap"
)

// CoordinatorOptions configures batch saving.
type CoordinatorOptions struct {
	// AdvanceFocus fills SaveReport.NextFocus after a section save.
	AdvanceFocus bool
	// RefreshAfterSave re-fetches the catalogue after any successful write.
	RefreshAfterSave bool
	Logger           *zap.Logger
}

// Coordinator groups pending edits and commits them as one logical save.
type Coordinator struct {
	session  *Session
	ordering Ordering
	opts     CoordinatorOptions
	logger   *zap.Logger
}

// SaveReport describes one batch save.
type SaveReport struct {
	Section   string
	Saved     int
	Result    CommitResult
	NextFocus *CountItem
}

// NewCoordinator wires a coordinator to a session.
func NewCoordinator(session *Session, ordering Ordering, opts CoordinatorOptions) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{session: session, ordering: ordering, opts: opts, logger: logger}
}

// SaveSection commits the pending edits belonging to section.
func (c *Coordinator) SaveSection(ctx context.Context, section string) SaveReport {
	key := NormalizeLibrary(section)
	var ids []string
	for _, item := range c.session.Navigator(c.ordering, key).View() {
		if c.session.HasPending(item.ID) {
			ids = append(ids, item.ID)
		}
	}
	report := c.commit(ctx, key, ids)
	if c.opts.AdvanceFocus {
		if next, ok := c.session.FirstEmptyItem(c.ordering, key); ok {
			report.NextFocus = &next
		}
	}
	return report
}

// SaveAll commits every pending edit regardless of the active filter.
func (c *Coordinator) SaveAll(ctx context.Context) SaveReport {
	var ids []string
	for _, item := range c.session.Navigator(c.ordering, "").View() {
		if c.session.HasPending(item.ID) {
			ids = append(ids, item.ID)
		}
	}
	return c.commit(ctx, "", ids)
}

func (c *Coordinator) commit(ctx context.Context, section string, ids []string) SaveReport {
	report := SaveReport{Section: section}
	if len(ids) == 0 {
		return report
	}
	report.Result = c.session.Commit(ctx, ids)
	report.Saved = len(report.Result.Saved)

	if report.Saved > 0 && c.opts.RefreshAfterSave && c.session.HasCatalogue() {
		if err := c.session.Refresh(ctx); err != nil {
			c.logger.Warn("refresh after save failed", zap.String("session", c.session.ID()), zap.Error(err))
		}
	}
	c.logger.Info("batch save",
		zap.String("session", c.session.ID()),
		zap.String("section", section),
		zap.Int("saved", report.Saved),
		zap.Int("failed", len(report.Result.Failed)))
	return report
}
