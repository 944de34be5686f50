package handlers

// Per-kind payload shapes, resolved through the handler registry at claim
// time. Unknown payload fields are preserved verbatim in storage (spec
// §9), so these structs declare only the fields the handlers read.

// IngestPayload drives both Ingest variants.
type IngestPayload struct {
	Variant     string `json:"variant" validate:"omitempty,oneof=download prepare"`
	SourceURL   string `json:"source_url" validate:"omitempty,url"`
	AutoIngest  bool   `json:"auto_ingest"`
	AutoAnalyze bool   `json:"auto_analyze"`
}

// AnalyzePayload carries analysis options. All fields are optional;
// zero values select the default analysis pass.
type AnalyzePayload struct {
	Language    string `json:"language" validate:"omitempty,len=2"`
	MaxSegments int    `json:"max_segments" validate:"omitempty,min=1,max=50"`
}

// RenderVariantsPayload selects which scored segments to render.
type RenderVariantsPayload struct {
	SegmentIDs []string `json:"segment_ids"`
}

// ExportPayload selects segments and packaging options for the final
// deliverables.
type ExportPayload struct {
	SegmentIDs []string `json:"segment_ids"`
	Preset     string   `json:"preset" validate:"omitempty,oneof=vertical square landscape"`
}

// ScrapePayload names the third-party platform page to resolve into a
// downloadable source URL.
type ScrapePayload struct {
	URL string `json:"url" validate:"required,url"`
}
