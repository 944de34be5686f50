// Package handlers implements the executable logic for each job kind:
// Ingest (download and prepare variants), Analyze, RenderVariants,
// Export, and Scrape. Handlers sit at the collaborator boundary: the
// media transcoder and speech-to-text tool are external subprocesses
// owned by the handler, which must honour the cancellation token and
// report progress through the dispatcher's reporter (spec §4.2, §5, §6).
package handlers

// Stage labels reported through the progress API and used as step-cache
// keys (C6).
const (
	StageDownload      = "download"
	StageProbe         = "probe"
	StageExtractAudio  = "extract_audio"
	StageTranscribe    = "transcribe"
	StageAudioAnalysis = "audio_analysis"
	StageDetectScenes  = "detect_scenes"
	StageDetectLayout  = "detect_layout"
	StageScoreSegments = "score_segments"
	StageTimeline      = "timeline"
	StageRenderVariant = "render_variant"
	StageBurnCaptions  = "burn_captions"
	StagePackage       = "package"
)
