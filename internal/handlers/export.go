package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/reelforge/internal/models"
	"github.com/ternarybob/reelforge/internal/orcherr"
	"github.com/ternarybob/reelforge/internal/registry"
)

// renderVariants renders the selected scored segments as vertical-format
// proxies. Export packages them; rendering alone leaves the project at
// Analyzed.
func (d Deps) renderVariants(ctx context.Context, job *models.Job, reporter registry.ProgressReporter) (models.Bag, error) {
	projectID := job.SubjectID
	if projectID == "" {
		return nil, orcherr.Precondition("render job has no subject project")
	}
	if err := d.Sequencer.CheckPreconditions(ctx, models.KindRenderVariants, job.Payload, projectID); err != nil {
		return nil, err
	}

	sourcePath, err := d.findSource(projectID)
	if err != nil {
		return nil, err
	}

	segments := d.selectSegments(projectID, job.Payload)
	if len(segments) == 0 {
		return nil, orcherr.Precondition(fmt.Sprintf("project %s has no matching segments to render", projectID))
	}

	proxyDir := d.Layout.ProxyDir(projectID)
	if err := os.MkdirAll(proxyDir, 0755); err != nil {
		return nil, fmt.Errorf("create proxy directory: %w", err)
	}

	rendered := make([]interface{}, 0, len(segments))
	for i, seg := range segments {
		if err := checkCancel(ctx, reporter); err != nil {
			return nil, err
		}

		progress := float64(i) / float64(len(segments)) * 100
		reporter.Progress(StageRenderVariant, progress, fmt.Sprintf("rendering segment %d of %d", i+1, len(segments)))

		destPath := filepath.Join(proxyDir, fmt.Sprintf("%s.mp4", seg.id))
		if err := d.Media.RenderVariant(ctx, sourcePath, destPath, seg.start, seg.end); err != nil {
			if ctx.Err() != nil {
				return nil, context.Canceled
			}
			return nil, orcherr.HandlerFailure(fmt.Sprintf("render segment %s: %v", seg.id, err))
		}
		rendered = append(rendered, map[string]interface{}{"id": seg.id, "path": destPath})
	}

	reporter.Progress(StageRenderVariant, 100, "all variants rendered")
	return models.Bag{"variants": rendered}, nil
}

// export packages rendered deliverables into the exports directory and
// moves the project to Ready.
func (d Deps) export(ctx context.Context, job *models.Job, reporter registry.ProgressReporter) (models.Bag, error) {
	projectID := job.SubjectID
	if projectID == "" {
		return nil, orcherr.Precondition("export job has no subject project")
	}
	if err := d.Sequencer.CheckPreconditions(ctx, models.KindExport, job.Payload, projectID); err != nil {
		return nil, err
	}
	if err := d.Sequencer.SetProjectStatus(ctx, projectID, models.ProjectExporting); err != nil {
		return nil, err
	}

	sourcePath, err := d.findSource(projectID)
	if err != nil {
		d.rollback(ctx, projectID, models.ProjectExporting)
		return nil, err
	}

	segments := d.selectSegments(projectID, job.Payload)
	if len(segments) == 0 {
		d.rollback(ctx, projectID, models.ProjectExporting)
		return nil, orcherr.Precondition(fmt.Sprintf("project %s has no matching segments to export", projectID))
	}

	exportsDir := d.Layout.ExportsDir(projectID)
	if err := os.MkdirAll(exportsDir, 0755); err != nil {
		d.rollback(ctx, projectID, models.ProjectExporting)
		return nil, fmt.Errorf("create exports directory: %w", err)
	}

	deliverables := make([]interface{}, 0, len(segments))
	for i, seg := range segments {
		if err := checkCancel(ctx, reporter); err != nil {
			return nil, err
		}

		progress := float64(i) / float64(len(segments)) * 90
		reporter.Progress(StagePackage, progress, fmt.Sprintf("packaging segment %d of %d", i+1, len(segments)))

		// A rendered proxy is reused when present; otherwise the segment
		// renders directly into the export.
		destPath := filepath.Join(exportsDir, fmt.Sprintf("%s.mp4", seg.id))
		proxyPath := filepath.Join(d.Layout.ProxyDir(projectID), fmt.Sprintf("%s.mp4", seg.id))
		if _, statErr := os.Stat(proxyPath); statErr == nil {
			if err := copyFile(proxyPath, destPath); err != nil {
				d.rollback(ctx, projectID, models.ProjectExporting)
				return nil, fmt.Errorf("package proxy %s: %w", seg.id, err)
			}
		} else if err := d.Media.RenderVariant(ctx, sourcePath, destPath, seg.start, seg.end); err != nil {
			if ctx.Err() != nil {
				return nil, context.Canceled
			}
			d.rollback(ctx, projectID, models.ProjectExporting)
			return nil, orcherr.HandlerFailure(fmt.Sprintf("export segment %s: %v", seg.id, err))
		}
		deliverables = append(deliverables, map[string]interface{}{"id": seg.id, "path": destPath})
	}

	reporter.Progress(StagePackage, 100, "export complete")
	if err := d.Sequencer.SetProjectStatus(ctx, projectID, models.ProjectReady); err != nil {
		return nil, err
	}
	return models.Bag{"deliverables": deliverables}, nil
}

type segment struct {
	id         string
	start, end float64
}

// selectSegments loads the scored candidates from the step cache and
// filters them by the payload's segment_ids when given.
func (d Deps) selectSegments(projectID string, payload models.Bag) []segment {
	scored, ok := d.Cache.Get(projectID, StageScoreSegments)
	if !ok {
		return nil
	}
	list, _ := scored["segments"].([]interface{})

	wanted := map[string]bool{}
	if ids, ok := payload["segment_ids"].([]interface{}); ok {
		for _, id := range ids {
			if s, ok := id.(string); ok {
				wanted[s] = true
			}
		}
	}

	var out []segment
	for _, raw := range list {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		if len(wanted) > 0 && !wanted[id] {
			continue
		}
		start, _ := m["start"].(float64)
		end, _ := m["end"].(float64)
		out = append(out, segment{id: id, start: start, end: end})
	}
	return out
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
