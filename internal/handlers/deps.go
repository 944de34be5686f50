package handlers

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/reelforge/internal/cache"
	"github.com/ternarybob/reelforge/internal/models"
	"github.com/ternarybob/reelforge/internal/registry"
	"github.com/ternarybob/reelforge/internal/sequencer"
	"github.com/ternarybob/reelforge/internal/store"
)

// Deps bundles the process-scoped services handlers consume, passed
// explicitly rather than through module singletons (spec §9).
type Deps struct {
	Store     store.Store
	Projects  store.Projects
	Cache     *cache.StepCache
	Layout    cache.Layout
	Sequencer *sequencer.Service
	Media     Media
	Logger    arbor.ILogger
}

// Register wires every job kind into the registry. Called once at
// startup, before Freeze.
func Register(reg *registry.Registry, deps Deps) {
	reg.Register(models.KindIngest,
		func() interface{} { return &IngestPayload{} },
		deps.ingest)
	reg.Register(models.KindAnalyze,
		func() interface{} { return &AnalyzePayload{} },
		deps.analyze)
	reg.Register(models.KindRenderVariants,
		func() interface{} { return &RenderVariantsPayload{} },
		deps.renderVariants)
	reg.Register(models.KindExport,
		func() interface{} { return &ExportPayload{} },
		deps.export)
	reg.Register(models.KindScrape,
		func() interface{} { return &ScrapePayload{} },
		deps.scrape)
}

// rollback resets a project that was moved into a transient status back
// to that status's predecessor after a handler failure (spec §7:
// HandlerFailure rolls the project back one stage). Best-effort: the
// supervisor's orphan scan repairs anything this misses.
func (d Deps) rollback(ctx context.Context, projectID string, transient models.ProjectStatus) {
	if err := d.Sequencer.SetProjectStatus(ctx, projectID, transient.Predecessor()); err != nil {
		d.Logger.Warn().Err(err).Str("project_id", projectID).Msg("failed to roll back project status")
	}
}

// checkCancel returns a Cancelled error when the handler should stop.
// Handlers call this between expensive steps and between subprocess
// invocations (spec §5).
func checkCancel(ctx context.Context, reporter registry.ProgressReporter) error {
	if ctx.Err() != nil || reporter.Cancelled() {
		return context.Canceled
	}
	return nil
}
