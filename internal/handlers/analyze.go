package handlers

import (
	"context"
	"fmt"

	"github.com/ternarybob/reelforge/internal/models"
	"github.com/ternarybob/reelforge/internal/orcherr"
	"github.com/ternarybob/reelforge/internal/registry"
)

// analyzeStep is one resumable sub-step of the analyze pipeline. Progress
// jumps to boundary when the step is satisfied, whether freshly computed
// or served from the step cache (spec §4.6).
type analyzeStep struct {
	name     string
	boundary float64
	run      func(ctx context.Context, state models.Bag) (models.Bag, error)
}

// analyze drives the per-project analysis pipeline: transcription, audio
// analysis, scene detection, layout detection, segment scoring, and
// timeline assembly. Every step consults the step cache first, so a
// crashed run resumes without redoing completed work (P5, S2).
func (d Deps) analyze(ctx context.Context, job *models.Job, reporter registry.ProgressReporter) (models.Bag, error) {
	projectID := job.SubjectID
	if projectID == "" {
		return nil, orcherr.Precondition("analyze job has no subject project")
	}
	if err := d.Sequencer.CheckPreconditions(ctx, models.KindAnalyze, job.Payload, projectID); err != nil {
		return nil, err
	}
	if err := d.Sequencer.SetProjectStatus(ctx, projectID, models.ProjectAnalyzing); err != nil {
		return nil, err
	}

	language, _ := job.Payload.GetString("language")
	audioPath := d.Layout.AudioPath(projectID)
	sourcePath, err := d.findSource(projectID)
	if err != nil {
		d.rollback(ctx, projectID, models.ProjectAnalyzing)
		return nil, err
	}

	// state accumulates each step's output under the step name, so later
	// steps can consume earlier results regardless of cache hit or miss.
	state := models.Bag{}

	steps := []analyzeStep{
		{StageTranscribe, 35, func(ctx context.Context, _ models.Bag) (models.Bag, error) {
			return d.Media.Transcribe(ctx, audioPath, language)
		}},
		{StageAudioAnalysis, 50, func(_ context.Context, state models.Bag) (models.Bag, error) {
			return analyzeAudio(state), nil
		}},
		{StageDetectScenes, 65, func(ctx context.Context, _ models.Bag) (models.Bag, error) {
			return d.Media.DetectScenes(ctx, sourcePath)
		}},
		{StageDetectLayout, 75, func(_ context.Context, state models.Bag) (models.Bag, error) {
			return detectLayout(state), nil
		}},
		{StageScoreSegments, 90, func(_ context.Context, state models.Bag) (models.Bag, error) {
			return scoreSegments(state), nil
		}},
		{StageTimeline, 100, func(_ context.Context, state models.Bag) (models.Bag, error) {
			return buildTimeline(state), nil
		}},
	}

	for _, step := range steps {
		if err := checkCancel(ctx, reporter); err != nil {
			return nil, err
		}

		if cached, ok := d.Cache.Get(projectID, step.name); ok {
			state[step.name] = cached
			reporter.Progress(step.name, step.boundary, "restored from cache")
			continue
		}

		reporter.Progress(step.name, step.boundary-5, fmt.Sprintf("running %s", step.name))
		blob, err := step.run(ctx, state)
		if err != nil {
			if ctx.Err() != nil {
				return nil, context.Canceled
			}
			// Record the failure so the entry disqualifies itself, then
			// surface it (spec §7 propagation policy).
			if cacheErr := d.Cache.PutError(projectID, step.name, err.Error()); cacheErr != nil {
				d.Logger.Warn().Err(cacheErr).Str("project_id", projectID).Str("step", step.name).Msg("failed to record step failure")
			}
			d.rollback(ctx, projectID, models.ProjectAnalyzing)
			return nil, orcherr.HandlerFailure(fmt.Sprintf("%s: %v", step.name, err))
		}
		if err := d.Cache.Put(projectID, step.name, blob); err != nil {
			d.rollback(ctx, projectID, models.ProjectAnalyzing)
			return nil, fmt.Errorf("cache %s: %w", step.name, err)
		}
		state[step.name] = blob
		reporter.Progress(step.name, step.boundary, fmt.Sprintf("%s complete", step.name))
	}

	if err := d.Sequencer.SetProjectStatus(ctx, projectID, models.ProjectAnalyzed); err != nil {
		return nil, err
	}

	segments := state[StageScoreSegments]
	return models.Bag{
		"segments": segments,
		"timeline": state[StageTimeline],
	}, nil
}

// analyzeAudio derives loudness/energy markers from the transcript's
// segment timings. The scoring weights themselves are pluggable policy;
// this derivation only normalizes the shape later steps consume.
func analyzeAudio(state models.Bag) models.Bag {
	out := models.Bag{"markers": []interface{}{}}
	transcript, ok := state[StageTranscribe].(models.Bag)
	if !ok {
		return out
	}
	segments, _ := transcript["segments"].([]interface{})
	markers := make([]interface{}, 0, len(segments))
	for _, seg := range segments {
		m, ok := seg.(map[string]interface{})
		if !ok {
			continue
		}
		markers = append(markers, map[string]interface{}{
			"start": m["start"],
			"end":   m["end"],
		})
	}
	out["markers"] = markers
	return out
}

// detectLayout classifies the dominant framing for each scene. With no
// face-tracking collaborator wired, every scene defaults to center crop.
func detectLayout(state models.Bag) models.Bag {
	layouts := []interface{}{}
	scenes, ok := state[StageDetectScenes].(models.Bag)
	if ok {
		if frames, ok := scenes["frames"].([]interface{}); ok {
			for range frames {
				layouts = append(layouts, map[string]interface{}{"mode": "center"})
			}
		}
	}
	return models.Bag{"layouts": layouts}
}

// scoreSegments pairs transcript spans with scene boundaries into
// candidate sub-clips. Ranking weights are pluggable policy (a stated
// Non-goal); candidates are emitted in timeline order.
func scoreSegments(state models.Bag) models.Bag {
	candidates := []interface{}{}
	transcript, ok := state[StageTranscribe].(models.Bag)
	if ok {
		if segments, ok := transcript["segments"].([]interface{}); ok {
			for i, seg := range segments {
				m, ok := seg.(map[string]interface{})
				if !ok {
					continue
				}
				candidates = append(candidates, map[string]interface{}{
					"id":    fmt.Sprintf("seg_%d", i),
					"start": m["start"],
					"end":   m["end"],
					"text":  m["text"],
				})
			}
		}
	}
	return models.Bag{"segments": candidates}
}

// buildTimeline assembles the ordered render plan from the scored
// candidates.
func buildTimeline(state models.Bag) models.Bag {
	entries := []interface{}{}
	scored, ok := state[StageScoreSegments].(models.Bag)
	if ok {
		if segments, ok := scored["segments"].([]interface{}); ok {
			entries = segments
		}
	}
	return models.Bag{"entries": entries}
}
