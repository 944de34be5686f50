package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/reelforge/internal/models"
	"github.com/ternarybob/reelforge/internal/orcherr"
	"github.com/ternarybob/reelforge/internal/registry"
	"github.com/ternarybob/reelforge/internal/sequencer"
)

// ingest executes both Ingest variants. The download variant fetches the
// remote source into the project's source directory; the prepare variant
// probes the container and extracts the analysis audio track. On success
// the sequencer evaluates the pipeline edge (spec §4.5).
func (d Deps) ingest(ctx context.Context, job *models.Job, reporter registry.ProgressReporter) (models.Bag, error) {
	projectID := job.SubjectID
	if projectID == "" {
		return nil, orcherr.Precondition("ingest job has no subject project")
	}

	variant, _ := job.Payload.GetString(sequencer.PayloadVariant)
	if variant == sequencer.VariantDownload {
		return d.ingestDownload(ctx, job, reporter)
	}
	return d.ingestPrepare(ctx, job, reporter)
}

func (d Deps) ingestDownload(ctx context.Context, job *models.Job, reporter registry.ProgressReporter) (models.Bag, error) {
	projectID := job.SubjectID
	sourceURL, ok := job.Payload.GetString("source_url")
	if !ok || sourceURL == "" {
		return nil, orcherr.Precondition(fmt.Sprintf("project %s download requested without source_url", projectID))
	}

	if err := d.Sequencer.SetProjectStatus(ctx, projectID, models.ProjectDownloading); err != nil {
		return nil, err
	}
	reporter.Progress(StageDownload, 5, "fetching source")

	destDir := d.Layout.SourceDir(projectID)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		d.rollback(ctx, projectID, models.ProjectDownloading)
		return nil, fmt.Errorf("create source directory: %w", err)
	}

	meta, err := d.Media.Download(ctx, sourceURL, destDir)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Canceled
		}
		d.rollback(ctx, projectID, models.ProjectDownloading)
		return nil, orcherr.HandlerFailure(fmt.Sprintf("download %s: %v", sourceURL, err))
	}
	reporter.Progress(StageDownload, 90, "source fetched")

	if err := checkCancel(ctx, reporter); err != nil {
		return nil, err
	}

	// Download lands the project back at Created; the prepare variant
	// owns the Ingesting -> Ingested transition.
	if err := d.Sequencer.SetProjectStatus(ctx, projectID, models.ProjectCreated); err != nil {
		return nil, err
	}
	reporter.Progress(StageDownload, 100, "download complete")

	if err := d.Sequencer.Advance(ctx, job); err != nil {
		d.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("successor creation failed; supervisor will repair")
	}
	return meta, nil
}

func (d Deps) ingestPrepare(ctx context.Context, job *models.Job, reporter registry.ProgressReporter) (models.Bag, error) {
	projectID := job.SubjectID

	if err := d.Sequencer.CheckPreconditions(ctx, models.KindIngest, job.Payload, projectID); err != nil {
		return nil, err
	}
	if err := d.Sequencer.SetProjectStatus(ctx, projectID, models.ProjectIngesting); err != nil {
		return nil, err
	}

	sourcePath, err := d.findSource(projectID)
	if err != nil {
		d.rollback(ctx, projectID, models.ProjectIngesting)
		return nil, err
	}

	reporter.Progress(StageProbe, 10, "probing source container")
	probeInfo, err := d.Media.Probe(ctx, sourcePath)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Canceled
		}
		d.rollback(ctx, projectID, models.ProjectIngesting)
		return nil, orcherr.HandlerFailure(fmt.Sprintf("probe %s: %v", sourcePath, err))
	}
	reporter.Progress(StageProbe, 40, "source probed")

	if err := checkCancel(ctx, reporter); err != nil {
		return nil, err
	}

	reporter.Progress(StageExtractAudio, 50, "extracting analysis audio")
	audioPath := d.Layout.AudioPath(projectID)
	if err := os.MkdirAll(filepath.Dir(audioPath), 0755); err != nil {
		d.rollback(ctx, projectID, models.ProjectIngesting)
		return nil, fmt.Errorf("create audio directory: %w", err)
	}
	if err := d.Media.ExtractAudio(ctx, sourcePath, audioPath); err != nil {
		if ctx.Err() != nil {
			return nil, context.Canceled
		}
		d.rollback(ctx, projectID, models.ProjectIngesting)
		return nil, orcherr.HandlerFailure(fmt.Sprintf("extract audio: %v", err))
	}
	reporter.Progress(StageExtractAudio, 95, "audio extracted")

	if err := d.Sequencer.SetProjectStatus(ctx, projectID, models.ProjectIngested); err != nil {
		return nil, err
	}
	reporter.Progress(StageExtractAudio, 100, "ingest complete")

	if err := d.Sequencer.Advance(ctx, job); err != nil {
		d.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("successor creation failed; supervisor will repair")
	}

	return models.Bag{
		"source_path": sourcePath,
		"audio_path":  audioPath,
		"probe":       probeInfo,
	}, nil
}

// findSource locates the materialized source file. The precondition check
// already guaranteed the directory is non-empty.
func (d Deps) findSource(projectID string) (string, error) {
	dir := d.Layout.SourceDir(projectID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", orcherr.Precondition(fmt.Sprintf("read source directory %s: %v", dir, err))
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			return filepath.Join(dir, entry.Name()), nil
		}
	}
	return "", orcherr.Precondition(fmt.Sprintf("no source file under %s", dir))
}
