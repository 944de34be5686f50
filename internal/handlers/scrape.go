package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/ternarybob/reelforge/internal/models"
	"github.com/ternarybob/reelforge/internal/orcherr"
	"github.com/ternarybob/reelforge/internal/registry"
)

// scrape resolves a third-party platform page into the metadata the
// ingest download variant needs: title and a canonical video URL. Full
// scraping is an external collaborator's concern; this handler only
// parses the page the collaborator would be pointed at.
func (d Deps) scrape(ctx context.Context, job *models.Job, reporter registry.ProgressReporter) (models.Bag, error) {
	pageURL, ok := job.Payload.GetString("url")
	if !ok || pageURL == "" {
		return nil, orcherr.Precondition("scrape job has no url")
	}

	reporter.Progress(StageDownload, 10, "fetching page")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, orcherr.HandlerFailure(fmt.Sprintf("build request for %s: %v", pageURL, err))
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Canceled
		}
		return nil, orcherr.HandlerFailure(fmt.Sprintf("fetch %s: %v", pageURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, orcherr.HandlerFailure(fmt.Sprintf("fetch %s: status %d", pageURL, resp.StatusCode))
	}

	reporter.Progress(StageProbe, 50, "parsing page metadata")

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, orcherr.HandlerFailure(fmt.Sprintf("parse %s: %v", pageURL, err))
	}

	title := doc.Find("title").First().Text()
	if og, exists := doc.Find(`meta[property="og:title"]`).Attr("content"); exists && og != "" {
		title = og
	}
	videoURL, _ := doc.Find(`meta[property="og:video"]`).Attr("content")
	if videoURL == "" {
		videoURL, _ = doc.Find(`meta[property="og:video:url"]`).Attr("content")
	}
	canonical, _ := doc.Find(`link[rel="canonical"]`).Attr("href")
	if canonical == "" {
		canonical = pageURL
	}

	reporter.Progress(StageProbe, 100, "page metadata resolved")

	return models.Bag{
		"title":     title,
		"page_url":  canonical,
		"video_url": videoURL,
	}, nil
}
