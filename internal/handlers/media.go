package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/reelforge/internal/models"
)

// Media is the external-collaborator boundary for the media transcoder
// and speech-to-text tool. Implementations own their subprocesses and
// must terminate them when ctx is cancelled (spec §5 cancellation
// semantics).
type Media interface {
	// Download fetches sourceURL into destDir and returns metadata about
	// the fetched file.
	Download(ctx context.Context, sourceURL, destDir string) (models.Bag, error)
	// Probe inspects the source container and returns stream metadata.
	Probe(ctx context.Context, sourcePath string) (models.Bag, error)
	// ExtractAudio writes the mono analysis track to audioPath.
	ExtractAudio(ctx context.Context, sourcePath, audioPath string) error
	// Transcribe runs speech-to-text over audioPath.
	Transcribe(ctx context.Context, audioPath, language string) (models.Bag, error)
	// DetectScenes returns scene-boundary timestamps for sourcePath.
	DetectScenes(ctx context.Context, sourcePath string) (models.Bag, error)
	// RenderVariant renders one vertical-format segment into destPath.
	RenderVariant(ctx context.Context, sourcePath, destPath string, startSec, endSec float64) error
	// Health reports whether the transcoder toolchain is invocable.
	Health(ctx context.Context) error
}

// ExecMedia shells out to the ffmpeg/whisper toolchain. exec.CommandContext
// kills the subprocess when the handler's context is cancelled, which is
// what makes CancelJob's grace-interval guarantee hold (P8).
type ExecMedia struct {
	FFmpeg  string
	FFprobe string
	Whisper string
	Fetcher string
	logger  arbor.ILogger
}

// NewExecMedia creates the subprocess-backed media runner with the
// conventional tool names on PATH.
func NewExecMedia(logger arbor.ILogger) *ExecMedia {
	return &ExecMedia{
		FFmpeg:  "ffmpeg",
		FFprobe: "ffprobe",
		Whisper: "whisper",
		Fetcher: "yt-dlp",
		logger:  logger,
	}
}

func (m *ExecMedia) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > 512 {
			detail = detail[len(detail)-512:]
		}
		return nil, fmt.Errorf("%s: %w: %s", name, err, detail)
	}
	return stdout.Bytes(), nil
}

func (m *ExecMedia) Download(ctx context.Context, sourceURL, destDir string) (models.Bag, error) {
	template := filepath.Join(destDir, "source.%(ext)s")
	if _, err := m.run(ctx, m.Fetcher, "--no-playlist", "-o", template, sourceURL); err != nil {
		return nil, err
	}
	return models.Bag{"source_url": sourceURL, "dest_dir": destDir}, nil
}

func (m *ExecMedia) Probe(ctx context.Context, sourcePath string) (models.Bag, error) {
	out, err := m.run(ctx, m.FFprobe,
		"-v", "quiet", "-print_format", "json", "-show_format", "-show_streams", sourcePath)
	if err != nil {
		return nil, err
	}
	var probe models.Bag
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	return probe, nil
}

func (m *ExecMedia) ExtractAudio(ctx context.Context, sourcePath, audioPath string) error {
	_, err := m.run(ctx, m.FFmpeg,
		"-y", "-i", sourcePath, "-vn", "-ac", "1", "-ar", "16000", audioPath)
	return err
}

func (m *ExecMedia) Transcribe(ctx context.Context, audioPath, language string) (models.Bag, error) {
	args := []string{audioPath, "--output_format", "json", "--output_dir", filepath.Dir(audioPath)}
	if language != "" {
		args = append(args, "--language", language)
	}
	if _, err := m.run(ctx, m.Whisper, args...); err != nil {
		return nil, err
	}

	jsonPath := strings.TrimSuffix(audioPath, filepath.Ext(audioPath)) + ".json"
	out, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, fmt.Errorf("read transcript %s: %w", jsonPath, err)
	}
	var transcript models.Bag
	if err := json.Unmarshal(out, &transcript); err != nil {
		return nil, fmt.Errorf("parse transcript: %w", err)
	}
	return transcript, nil
}

func (m *ExecMedia) DetectScenes(ctx context.Context, sourcePath string) (models.Bag, error) {
	out, err := m.run(ctx, m.FFprobe,
		"-v", "quiet", "-print_format", "json", "-show_frames",
		"-of", "json", "-f", "lavfi", fmt.Sprintf("movie=%s,select=gt(scene\\,0.4)", sourcePath))
	if err != nil {
		return nil, err
	}
	var frames models.Bag
	if err := json.Unmarshal(out, &frames); err != nil {
		return nil, fmt.Errorf("parse scene frames: %w", err)
	}
	return frames, nil
}

func (m *ExecMedia) RenderVariant(ctx context.Context, sourcePath, destPath string, startSec, endSec float64) error {
	_, err := m.run(ctx, m.FFmpeg,
		"-y", "-ss", fmt.Sprintf("%.3f", startSec), "-to", fmt.Sprintf("%.3f", endSec),
		"-i", sourcePath,
		"-vf", "crop=ih*9/16:ih,scale=1080:1920",
		"-c:a", "copy", destPath)
	return err
}

func (m *ExecMedia) Health(ctx context.Context) error {
	_, err := m.run(ctx, m.FFmpeg, "-version")
	return err
}
