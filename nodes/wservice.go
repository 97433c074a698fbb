package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/wionch/yivideo/config"
)

// The wservice nodes post-process transcription artifacts: subtitle file
// generation, rule-based correction, AI optimization, speaker merging, and
// TTS preparation. They are pure CPU work over the segment documents.

// GenerateSubtitleFiles renders the canonical segments file as SRT plus a
// JSON mirror.
type GenerateSubtitleFiles struct{}

func (n *GenerateSubtitleFiles) Name() string { return "wservice.generate_subtitle_files" }

func (n *GenerateSubtitleFiles) CacheKeyFields() []string       { return []string{"segments_file"} }
func (n *GenerateSubtitleFiles) RequiredOutputFields() []string { return []string{"subtitle_path"} }
func (n *GenerateSubtitleFiles) CustomPathFields() []string     { return nil }

func (n *GenerateSubtitleFiles) Fallbacks() map[string][]Fallback {
	return map[string][]Fallback{
		"segments_file": {
			{Stage: "wservice.ai_optimize_subtitles", Field: "optimized_file_path"},
			{Stage: "faster_whisper.transcribe_audio", Field: "segments_file"},
		},
	}
}

func (n *GenerateSubtitleFiles) GPUBound(*config.Config) bool { return false }

func (n *GenerateSubtitleFiles) ValidateInput(inputs map[string]interface{}) error {
	_, err := requireString(inputs, "segments_file")
	return err
}

func (n *GenerateSubtitleFiles) Execute(ctx context.Context, ec *ExecContext, inputs map[string]interface{}) (map[string]interface{}, error) {
	segmentsFile, err := ResolveLocalInput(ctx, ec, stringInput(inputs, "segments_file"))
	if err != nil {
		return nil, err
	}
	doc, err := LoadSegments(segmentsFile)
	if err != nil {
		return nil, err
	}

	base := filepath.Join(ec.WorkDir, "subtitles")
	subtitlePath := filepath.Join(base, "subtitles.srt")
	jsonPath := filepath.Join(base, "subtitles.json")

	if err := WriteSRT(subtitlePath, doc.Segments); err != nil {
		return nil, err
	}
	if err := SaveJSON(jsonPath, doc); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"subtitle_path": subtitlePath,
		"json_path":     jsonPath,
		"subtitle_files": map[string]interface{}{
			"srt":  subtitlePath,
			"json": jsonPath,
		},
		"subtitle_count": len(doc.Segments),
	}, nil
}

// CorrectSubtitles applies rule-based cleanups to an SRT file: whitespace
// normalization, duplicate-cue collapsing, and zero-length cue repair. The
// stage is skipped when correction is disabled.
type CorrectSubtitles struct{}

func (n *CorrectSubtitles) Name() string { return "wservice.correct_subtitles" }

func (n *CorrectSubtitles) CacheKeyFields() []string {
	return []string{"subtitle_path", "subtitle_correction"}
}

func (n *CorrectSubtitles) RequiredOutputFields() []string {
	return []string{"corrected_subtitle_path"}
}

func (n *CorrectSubtitles) CustomPathFields() []string { return nil }

func (n *CorrectSubtitles) Fallbacks() map[string][]Fallback {
	return map[string][]Fallback{
		"subtitle_path": {
			{Stage: "wservice.generate_subtitle_files", Field: "subtitle_path"},
			{Stage: "paddleocr.postprocess_and_finalize", Field: "srt_file"},
		},
	}
}

func (n *CorrectSubtitles) GPUBound(*config.Config) bool { return false }

func (n *CorrectSubtitles) ValidateInput(inputs map[string]interface{}) error {
	_, err := requireString(inputs, "subtitle_path")
	return err
}

func (n *CorrectSubtitles) Execute(ctx context.Context, ec *ExecContext, inputs map[string]interface{}) (map[string]interface{}, error) {
	correction := mapInput(inputs, "subtitle_correction")
	if correction != nil && !boolFrom(correction, "enabled", true) {
		return nil, ErrSkipped
	}

	subtitlePath, err := ResolveLocalInput(ctx, ec, stringInput(inputs, "subtitle_path"))
	if err != nil {
		return nil, err
	}
	cues, err := ParseSRTFile(subtitlePath)
	if err != nil {
		return nil, err
	}

	corrections := 0
	var cleaned []Segment
	for _, cue := range cues {
		text := strings.Join(strings.Fields(cue.Text), " ")
		if text != cue.Text {
			corrections++
		}
		if text == "" {
			corrections++
			continue
		}
		if cue.End <= cue.Start {
			cue.End = cue.Start + 0.5
			corrections++
		}
		if len(cleaned) > 0 {
			last := &cleaned[len(cleaned)-1]
			if last.Text == text && cue.Start-last.End < 0.2 {
				last.End = cue.End
				corrections++
				continue
			}
		}
		cue.Text = text
		cleaned = append(cleaned, cue)
	}

	correctedPath := filepath.Join(ec.WorkDir, "subtitles", "corrected.srt")
	if err := WriteSRT(correctedPath, cleaned); err != nil {
		return nil, err
	}

	out := map[string]interface{}{
		"corrected_subtitle_path": correctedPath,
		"corrections_count":       corrections,
		"cue_count":               len(cleaned),
	}
	if corrections == 0 {
		out["_skipped"] = true // nothing needed fixing; output passthrough
	}
	return out, nil
}

// AIOptimizeSubtitles rewrites segment text through the subtitle service,
// chunking the document and fanning requests out over a bounded worker pool.
// The stage is skipped when optimization is disabled.
type AIOptimizeSubtitles struct{}

// optimizeChunkSize and optimizeWorkers bound the fan-out to the subtitle
// service.
const (
	optimizeChunkSize = 20
	optimizeWorkers   = 4
)

func (n *AIOptimizeSubtitles) Name() string { return "wservice.ai_optimize_subtitles" }

func (n *AIOptimizeSubtitles) CacheKeyFields() []string {
	return []string{"segments_file", "subtitle_optimization"}
}

func (n *AIOptimizeSubtitles) RequiredOutputFields() []string {
	return []string{"optimized_file_path"}
}

func (n *AIOptimizeSubtitles) CustomPathFields() []string { return nil }

func (n *AIOptimizeSubtitles) Fallbacks() map[string][]Fallback {
	return map[string][]Fallback{
		"segments_file": {
			{Stage: "faster_whisper.transcribe_audio", Field: "segments_file"},
		},
	}
}

func (n *AIOptimizeSubtitles) GPUBound(*config.Config) bool { return false }

func (n *AIOptimizeSubtitles) ValidateInput(inputs map[string]interface{}) error {
	_, err := requireString(inputs, "segments_file")
	return err
}

type optimizeChunkResponse struct {
	Segments []Segment `json:"segments"`
}

func (n *AIOptimizeSubtitles) Execute(ctx context.Context, ec *ExecContext, inputs map[string]interface{}) (map[string]interface{}, error) {
	optimization := mapInput(inputs, "subtitle_optimization")
	if optimization == nil || !boolFrom(optimization, "enabled", false) {
		return nil, ErrSkipped
	}

	segmentsFile, err := ResolveLocalInput(ctx, ec, stringInput(inputs, "segments_file"))
	if err != nil {
		return nil, err
	}
	doc, err := LoadSegments(segmentsFile)
	if err != nil {
		return nil, err
	}

	type chunk struct {
		index    int
		segments []Segment
	}
	var chunks []chunk
	for start := 0; start < len(doc.Segments); start += optimizeChunkSize {
		end := start + optimizeChunkSize
		if end > len(doc.Segments) {
			end = len(doc.Segments)
		}
		chunks = append(chunks, chunk{index: len(chunks), segments: doc.Segments[start:end]})
	}

	results := make([][]Segment, len(chunks))
	errs := make([]error, len(chunks))
	sem := make(chan struct{}, optimizeWorkers)
	var wg sync.WaitGroup

	for _, c := range chunks {
		wg.Add(1)
		go func(c chunk) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			var resp optimizeChunkResponse
			err := ec.Engines.PostJSON(ctx, ec.Engines.WServiceURL(), "/v1/optimize", map[string]interface{}{
				"segments": c.segments,
				"language": doc.Language,
				"options":  optimization,
			}, &resp)
			if err != nil {
				errs[c.index] = err
				return
			}
			results[c.index] = resp.Segments
		}(c)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	optimized := &SegmentsDocument{Language: doc.Language}
	for _, segs := range results {
		optimized.Segments = append(optimized.Segments, segs...)
	}

	optimizedPath := filepath.Join(ec.WorkDir, "subtitles", "optimized_segments.json")
	if err := SaveJSON(optimizedPath, optimized); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"optimized_file_path": optimizedPath,
		"optimized_count":     len(optimized.Segments),
		"chunks_processed":    len(chunks),
	}, nil
}

// MergeSpeakerSegments joins transcription segments with diarization turns,
// attributing each segment to its dominant speaker.
type MergeSpeakerSegments struct{}

func (n *MergeSpeakerSegments) Name() string { return "wservice.merge_speaker_segments" }

func (n *MergeSpeakerSegments) CacheKeyFields() []string {
	return []string{"segments_file", "diarization_file"}
}

func (n *MergeSpeakerSegments) RequiredOutputFields() []string { return []string{"merged_segments"} }
func (n *MergeSpeakerSegments) CustomPathFields() []string     { return nil }

func (n *MergeSpeakerSegments) Fallbacks() map[string][]Fallback {
	return map[string][]Fallback{
		"segments_file": {
			{Stage: "faster_whisper.transcribe_audio", Field: "segments_file"},
		},
		"diarization_file": {
			{Stage: "pyannote_audio.diarize_speakers", Field: "diarization_file"},
		},
	}
}

func (n *MergeSpeakerSegments) GPUBound(*config.Config) bool { return false }

func (n *MergeSpeakerSegments) ValidateInput(inputs map[string]interface{}) error {
	// Inline arrays may substitute for either file.
	if _, ok := inputs["segments"]; !ok {
		if _, err := requireString(inputs, "segments_file"); err != nil {
			return err
		}
	}
	if _, ok := inputs["diarization"]; !ok {
		if _, err := requireString(inputs, "diarization_file"); err != nil {
			return err
		}
	}
	return nil
}

func (n *MergeSpeakerSegments) Execute(ctx context.Context, ec *ExecContext, inputs map[string]interface{}) (map[string]interface{}, error) {
	segments, turns, err := loadMergeInputs(ctx, ec, inputs)
	if err != nil {
		return nil, err
	}

	speakers := map[string]bool{}
	merged := make([]interface{}, 0, len(segments))
	for _, seg := range segments {
		speaker := dominantSpeaker(turns, seg.Start, seg.End)
		if speaker != "" {
			speakers[speaker] = true
		}
		merged = append(merged, map[string]interface{}{
			"start":   seg.Start,
			"end":     seg.End,
			"text":    seg.Text,
			"speaker": speaker,
		})
	}

	mergedFile := filepath.Join(ec.WorkDir, "merged", "speaker_segments.json")
	if err := SaveJSON(mergedFile, merged); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"merged_segments":      merged,
		"merged_segments_file": mergedFile,
		"summary": map[string]interface{}{
			"segments_count": len(merged),
			"speaker_count":  len(speakers),
		},
	}, nil
}

// MergeWithWordTimestamps merges diarization at word granularity: each word
// is attributed individually and segments are split where the speaker
// changes mid-segment.
type MergeWithWordTimestamps struct{}

func (n *MergeWithWordTimestamps) Name() string { return "wservice.merge_with_word_timestamps" }

func (n *MergeWithWordTimestamps) CacheKeyFields() []string {
	return []string{"segments_file", "diarization_file"}
}

func (n *MergeWithWordTimestamps) RequiredOutputFields() []string {
	return []string{"merged_segments"}
}

func (n *MergeWithWordTimestamps) CustomPathFields() []string { return nil }

func (n *MergeWithWordTimestamps) Fallbacks() map[string][]Fallback {
	return map[string][]Fallback{
		"segments_file": {
			{Stage: "faster_whisper.transcribe_audio", Field: "segments_file"},
		},
		"diarization_file": {
			{Stage: "pyannote_audio.diarize_speakers", Field: "diarization_file"},
		},
	}
}

func (n *MergeWithWordTimestamps) GPUBound(*config.Config) bool { return false }

func (n *MergeWithWordTimestamps) ValidateInput(inputs map[string]interface{}) error {
	if _, ok := inputs["segments"]; !ok {
		if _, err := requireString(inputs, "segments_file"); err != nil {
			return err
		}
	}
	if _, ok := inputs["diarization"]; !ok {
		if _, err := requireString(inputs, "diarization_file"); err != nil {
			return err
		}
	}
	return nil
}

func (n *MergeWithWordTimestamps) Execute(ctx context.Context, ec *ExecContext, inputs map[string]interface{}) (map[string]interface{}, error) {
	segments, turns, err := loadMergeInputs(ctx, ec, inputs)
	if err != nil {
		return nil, err
	}

	speakers := map[string]bool{}
	var merged []interface{}

	for _, seg := range segments {
		if len(seg.Words) == 0 {
			speaker := dominantSpeaker(turns, seg.Start, seg.End)
			if speaker != "" {
				speakers[speaker] = true
			}
			merged = append(merged, map[string]interface{}{
				"start": seg.Start, "end": seg.End, "text": seg.Text, "speaker": speaker,
			})
			continue
		}

		// Split the segment at speaker changes across its words.
		var run []Word
		runSpeaker := ""
		flush := func() {
			if len(run) == 0 {
				return
			}
			words := make([]interface{}, 0, len(run))
			texts := make([]string, 0, len(run))
			for _, w := range run {
				words = append(words, map[string]interface{}{"start": w.Start, "end": w.End, "word": w.Word})
				texts = append(texts, strings.TrimSpace(w.Word))
			}
			if runSpeaker != "" {
				speakers[runSpeaker] = true
			}
			merged = append(merged, map[string]interface{}{
				"start":   run[0].Start,
				"end":     run[len(run)-1].End,
				"text":    strings.Join(texts, " "),
				"speaker": runSpeaker,
				"words":   words,
			})
			run = nil
		}

		for _, word := range seg.Words {
			speaker := dominantSpeaker(turns, word.Start, word.End)
			if speaker != runSpeaker && len(run) > 0 {
				flush()
			}
			runSpeaker = speaker
			run = append(run, word)
		}
		flush()
	}

	mergedFile := filepath.Join(ec.WorkDir, "merged", "word_speaker_segments.json")
	if err := SaveJSON(mergedFile, merged); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"merged_segments":      merged,
		"merged_segments_file": mergedFile,
		"summary": map[string]interface{}{
			"segments_count": len(merged),
			"speaker_count":  len(speakers),
		},
	}, nil
}

// PrepareTTSSegments shapes merged (or raw) segments into the unit list the
// TTS pipeline consumes: one entry per cue with target file name, speaker
// reference, and timing.
type PrepareTTSSegments struct{}

func (n *PrepareTTSSegments) Name() string { return "wservice.prepare_tts_segments" }

func (n *PrepareTTSSegments) CacheKeyFields() []string       { return []string{"segments_file"} }
func (n *PrepareTTSSegments) RequiredOutputFields() []string { return []string{"prepared_segments"} }
func (n *PrepareTTSSegments) CustomPathFields() []string     { return nil }

func (n *PrepareTTSSegments) Fallbacks() map[string][]Fallback {
	return map[string][]Fallback{
		"segments_file": {
			{Stage: "wservice.merge_speaker_segments", Field: "merged_segments_file"},
			{Stage: "faster_whisper.transcribe_audio", Field: "segments_file"},
		},
	}
}

func (n *PrepareTTSSegments) GPUBound(*config.Config) bool { return false }

func (n *PrepareTTSSegments) ValidateInput(inputs map[string]interface{}) error {
	_, err := requireString(inputs, "segments_file")
	return err
}

func (n *PrepareTTSSegments) Execute(ctx context.Context, ec *ExecContext, inputs map[string]interface{}) (map[string]interface{}, error) {
	segmentsFile, err := ResolveLocalInput(ctx, ec, stringInput(inputs, "segments_file"))
	if err != nil {
		return nil, err
	}
	segments, err := loadFlexibleSegments(segmentsFile)
	if err != nil {
		return nil, err
	}

	prepared := make([]interface{}, 0, len(segments))
	for i, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		prepared = append(prepared, map[string]interface{}{
			"index":       i,
			"text":        text,
			"speaker":     seg.Speaker,
			"start":       seg.Start,
			"end":         seg.End,
			"duration":    seg.End - seg.Start,
			"output_name": fmt.Sprintf("tts_%04d.wav", i+1),
		})
	}

	return map[string]interface{}{
		"prepared_segments": prepared,
		"segments_count":    len(prepared),
	}, nil
}

// --- shared helpers ----------------------------------------------------------

// boolFrom reads a boolean from a config object with a default.
func boolFrom(m map[string]interface{}, key string, def bool) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// loadMergeInputs accepts either file inputs or inline arrays for both the
// transcription segments and the diarization turns.
func loadMergeInputs(ctx context.Context, ec *ExecContext, inputs map[string]interface{}) ([]Segment, []DiarizationTurn, error) {
	var segments []Segment
	if inline, ok := inputs["segments"].([]interface{}); ok {
		segments = decodeSegments(inline)
	} else {
		path, err := ResolveLocalInput(ctx, ec, stringInput(inputs, "segments_file"))
		if err != nil {
			return nil, nil, err
		}
		doc, err := LoadSegments(path)
		if err != nil {
			return nil, nil, err
		}
		segments = doc.Segments
	}

	var turns []DiarizationTurn
	if inline, ok := inputs["diarization"].([]interface{}); ok {
		turns = decodeTurns(inline)
	} else {
		path, err := ResolveLocalInput(ctx, ec, stringInput(inputs, "diarization_file"))
		if err != nil {
			return nil, nil, err
		}
		doc, err := LoadDiarization(path)
		if err != nil {
			return nil, nil, err
		}
		turns = doc.Turns
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].Start < segments[j].Start })
	return segments, turns, nil
}

func decodeSegments(items []interface{}) []Segment {
	segments := make([]Segment, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		seg := Segment{
			Start: floatFrom(m, "start"),
			End:   floatFrom(m, "end"),
		}
		if text, ok := m["text"].(string); ok {
			seg.Text = text
		}
		if speaker, ok := m["speaker"].(string); ok {
			seg.Speaker = speaker
		}
		if words, ok := m["words"].([]interface{}); ok {
			for _, w := range words {
				wm, ok := w.(map[string]interface{})
				if !ok {
					continue
				}
				word := Word{Start: floatFrom(wm, "start"), End: floatFrom(wm, "end")}
				if text, ok := wm["word"].(string); ok {
					word.Word = text
				}
				seg.Words = append(seg.Words, word)
			}
		}
		segments = append(segments, seg)
	}
	return segments
}

func decodeTurns(items []interface{}) []DiarizationTurn {
	turns := make([]DiarizationTurn, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		turn := DiarizationTurn{
			Start: floatFrom(m, "start"),
			End:   floatFrom(m, "end"),
		}
		if speaker, ok := m["speaker"].(string); ok {
			turn.Speaker = speaker
		}
		turns = append(turns, turn)
	}
	return turns
}

func floatFrom(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// loadFlexibleSegments reads either a SegmentsDocument or a bare segment
// array from a JSON file (the merge nodes emit bare arrays).
func loadFlexibleSegments(path string) ([]Segment, error) {
	doc, err := LoadSegments(path)
	if err == nil && doc.Segments != nil {
		return doc.Segments, nil
	}

	raw, rerr := loadJSONArray(path)
	if rerr != nil {
		if err != nil {
			return nil, err
		}
		return nil, rerr
	}
	return decodeSegments(raw), nil
}

func loadJSONArray(path string) ([]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Resourcef("failed to read segments file %s: %v", path, err)
	}
	var items []interface{}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, Inputf("segments file %s is not a JSON array: %v", path, err)
	}
	return items, nil
}
