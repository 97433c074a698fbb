package nodes

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wionch/yivideo/config"
	"github.com/wionch/yivideo/media"
)

// ocrMaxFrameWidth bounds the frames shipped to the OCR engine; keyframes
// from 4K sources are downscaled first.
const ocrMaxFrameWidth = 1280

// DetectSubtitleArea finds the fixed subtitle region by running OCR
// detection over a sample of keyframes and aggregating the boxes.
type DetectSubtitleArea struct{}

func (n *DetectSubtitleArea) Name() string { return "paddleocr.detect_subtitle_area" }

func (n *DetectSubtitleArea) CacheKeyFields() []string       { return []string{"keyframe_dir"} }
func (n *DetectSubtitleArea) RequiredOutputFields() []string { return []string{"subtitle_area"} }
func (n *DetectSubtitleArea) CustomPathFields() []string     { return nil }

func (n *DetectSubtitleArea) Fallbacks() map[string][]Fallback {
	return map[string][]Fallback{
		"keyframe_dir": {
			{Stage: "ffmpeg.extract_keyframes", Field: "keyframe_dir"},
		},
	}
}

func (n *DetectSubtitleArea) GPUBound(*config.Config) bool { return true }

func (n *DetectSubtitleArea) ValidateInput(inputs map[string]interface{}) error {
	_, err := requireString(inputs, "keyframe_dir")
	return err
}

type detectAreaResponse struct {
	SubtitleArea []int   `json:"subtitle_area"`
	Confidence   float64 `json:"confidence"`
}

func (n *DetectSubtitleArea) Execute(ctx context.Context, ec *ExecContext, inputs map[string]interface{}) (map[string]interface{}, error) {
	keyframeDir := stringInput(inputs, "keyframe_dir")

	frames, err := media.ListImages(keyframeDir)
	if err != nil {
		return nil, Resourcef("failed to list keyframes: %v", err)
	}
	if len(frames) == 0 {
		return nil, Inputf("keyframe directory %s contains no images", keyframeDir)
	}

	// Downscale oversized frames into a scratch directory before the engine
	// round trip; the engine reports coordinates in original frame space.
	scratch := filepath.Join(ec.WorkDir, "ocr_detect")
	prepared := make([]string, 0, len(frames))
	for _, frame := range frames {
		info, err := media.Probe(frame)
		if err != nil {
			return nil, WrapCompute(err, "failed to probe keyframe %s", frame)
		}
		if info.Width > ocrMaxFrameWidth {
			dst := filepath.Join(scratch, filepath.Base(frame))
			if err := media.ResizeToWidth(frame, dst, ocrMaxFrameWidth); err != nil {
				return nil, WrapCompute(err, "failed to downscale keyframe %s", frame)
			}
			prepared = append(prepared, dst)
			continue
		}
		prepared = append(prepared, frame)
	}

	var resp detectAreaResponse
	err = ec.Engines.PostJSON(ctx, ec.Engines.PaddleOCRURL(), "/v1/detect_area", map[string]interface{}{
		"frames": prepared,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.SubtitleArea) != 4 {
		return nil, Computef("ocr engine returned a malformed subtitle area: %v", resp.SubtitleArea)
	}

	area := make([]interface{}, 4)
	for i, v := range resp.SubtitleArea {
		area[i] = v
	}
	return map[string]interface{}{
		"subtitle_area":  area,
		"confidence":     resp.Confidence,
		"frames_sampled": len(prepared),
	}, nil
}

// CreateStitchedImages stacks cropped subtitle strips into tall multi-frame
// images so the OCR engine amortizes per-request overhead, and writes the
// manifest mapping strip positions back to frame indices.
type CreateStitchedImages struct{}

func (n *CreateStitchedImages) Name() string { return "paddleocr.create_stitched_images" }

func (n *CreateStitchedImages) CacheKeyFields() []string {
	return []string{"cropped_images_path", "subtitle_area"}
}

func (n *CreateStitchedImages) RequiredOutputFields() []string { return []string{"multi_frames_path"} }
func (n *CreateStitchedImages) CustomPathFields() []string     { return nil }

func (n *CreateStitchedImages) Fallbacks() map[string][]Fallback {
	return map[string][]Fallback{
		"cropped_images_path": {
			{Stage: "ffmpeg.crop_subtitle_images", Field: "cropped_images_path"},
		},
		"subtitle_area": {
			{Stage: "paddleocr.detect_subtitle_area", Field: "subtitle_area"},
		},
	}
}

func (n *CreateStitchedImages) GPUBound(*config.Config) bool { return true }

func (n *CreateStitchedImages) ValidateInput(inputs map[string]interface{}) error {
	if _, err := requireString(inputs, "cropped_images_path"); err != nil {
		return err
	}
	_, err := requireArea(inputs, "subtitle_area")
	return err
}

type stitchResponse struct {
	MultiFramesPath string `json:"multi_frames_path"`
	ManifestPath    string `json:"manifest_path"`
	StitchedCount   int    `json:"stitched_count"`
}

func (n *CreateStitchedImages) Execute(ctx context.Context, ec *ExecContext, inputs map[string]interface{}) (map[string]interface{}, error) {
	croppedPath := stringInput(inputs, "cropped_images_path")
	area, err := requireArea(inputs, "subtitle_area")
	if err != nil {
		return nil, err
	}

	var resp stitchResponse
	err = ec.Engines.PostJSON(ctx, ec.Engines.PaddleOCRURL(), "/v1/stitch", map[string]interface{}{
		"cropped_images_path": croppedPath,
		"subtitle_area":       area,
		"output_dir":          filepath.Join(ec.WorkDir, "stitched"),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.MultiFramesPath == "" || resp.ManifestPath == "" {
		return nil, Computef("stitch engine returned incomplete paths")
	}

	return map[string]interface{}{
		"multi_frames_path": resp.MultiFramesPath,
		"manifest_path":     resp.ManifestPath,
		"stitched_count":    resp.StitchedCount,
	}, nil
}

// PerformOCR recognizes text on the stitched images.
type PerformOCR struct{}

func (n *PerformOCR) Name() string { return "paddleocr.perform_ocr" }

func (n *PerformOCR) CacheKeyFields() []string {
	return []string{"manifest_path", "multi_frames_path"}
}

func (n *PerformOCR) RequiredOutputFields() []string { return []string{"ocr_results_path"} }
func (n *PerformOCR) CustomPathFields() []string     { return nil }

func (n *PerformOCR) Fallbacks() map[string][]Fallback {
	return map[string][]Fallback{
		"manifest_path": {
			{Stage: "paddleocr.create_stitched_images", Field: "manifest_path"},
		},
		"multi_frames_path": {
			{Stage: "paddleocr.create_stitched_images", Field: "multi_frames_path"},
		},
	}
}

func (n *PerformOCR) GPUBound(*config.Config) bool { return true }

func (n *PerformOCR) ValidateInput(inputs map[string]interface{}) error {
	if _, err := requireString(inputs, "manifest_path"); err != nil {
		return err
	}
	_, err := requireString(inputs, "multi_frames_path")
	return err
}

type ocrResponse struct {
	OCRResultsPath string `json:"ocr_results_path"`
	LinesCount     int    `json:"lines_count"`
}

func (n *PerformOCR) Execute(ctx context.Context, ec *ExecContext, inputs map[string]interface{}) (map[string]interface{}, error) {
	var resp ocrResponse
	err := ec.Engines.PostJSON(ctx, ec.Engines.PaddleOCRURL(), "/v1/ocr", map[string]interface{}{
		"manifest_path":     stringInput(inputs, "manifest_path"),
		"multi_frames_path": stringInput(inputs, "multi_frames_path"),
		"output_dir":        filepath.Join(ec.WorkDir, "ocr"),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.OCRResultsPath == "" {
		return nil, Computef("ocr engine returned no results path")
	}

	return map[string]interface{}{
		"ocr_results_path": resp.OCRResultsPath,
		"lines_count":      resp.LinesCount,
	}, nil
}

// ocrLine is one recognized subtitle line attributed to a frame range.
type ocrLine struct {
	FrameStart int     `json:"frame_start"`
	FrameEnd   int     `json:"frame_end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// ocrManifest maps frame indices to video timestamps.
type ocrManifest struct {
	FPS    float64 `json:"fps"`
	Frames []struct {
		Index     int     `json:"index"`
		Timestamp float64 `json:"timestamp"`
	} `json:"frames"`
}

// PostprocessAndFinalize merges recognized lines into subtitle cues and
// renders the final SRT and JSON artifacts. Pure CPU.
type PostprocessAndFinalize struct{}

func (n *PostprocessAndFinalize) Name() string { return "paddleocr.postprocess_and_finalize" }

func (n *PostprocessAndFinalize) CacheKeyFields() []string {
	return []string{"ocr_results_file", "manifest_file", "video_path"}
}

func (n *PostprocessAndFinalize) RequiredOutputFields() []string { return []string{"srt_file"} }
func (n *PostprocessAndFinalize) CustomPathFields() []string     { return nil }

func (n *PostprocessAndFinalize) Fallbacks() map[string][]Fallback {
	return map[string][]Fallback{
		"ocr_results_file": {
			{Stage: "paddleocr.perform_ocr", Field: "ocr_results_path"},
		},
		"manifest_file": {
			{Stage: "paddleocr.create_stitched_images", Field: "manifest_path"},
		},
	}
}

func (n *PostprocessAndFinalize) GPUBound(*config.Config) bool { return false }

func (n *PostprocessAndFinalize) ValidateInput(inputs map[string]interface{}) error {
	if _, err := requireString(inputs, "ocr_results_file"); err != nil {
		return err
	}
	_, err := requireString(inputs, "manifest_file")
	return err
}

func (n *PostprocessAndFinalize) Execute(ctx context.Context, ec *ExecContext, inputs map[string]interface{}) (map[string]interface{}, error) {
	resultsFile, err := ResolveLocalInput(ctx, ec, stringInput(inputs, "ocr_results_file"))
	if err != nil {
		return nil, err
	}
	manifestFile, err := ResolveLocalInput(ctx, ec, stringInput(inputs, "manifest_file"))
	if err != nil {
		return nil, err
	}

	lines, err := loadOCRLines(resultsFile)
	if err != nil {
		return nil, err
	}
	manifest, err := loadManifest(manifestFile)
	if err != nil {
		return nil, err
	}

	segments := linesToSegments(lines, manifest)

	base := filepath.Join(ec.WorkDir, "subtitles")
	srtFile := filepath.Join(base, "final.srt")
	jsonFile := filepath.Join(base, "final.json")
	if err := WriteSRT(srtFile, segments); err != nil {
		return nil, err
	}
	if err := SaveJSON(jsonFile, &SegmentsDocument{Segments: segments}); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"srt_file":       srtFile,
		"json_file":      jsonFile,
		"subtitle_count": len(segments),
	}, nil
}

func loadOCRLines(path string) ([]ocrLine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Resourcef("failed to read ocr results %s: %v", path, err)
	}
	var doc struct {
		Lines []ocrLine `json:"lines"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, Inputf("ocr results %s are not valid JSON: %v", path, err)
	}
	return doc.Lines, nil
}

func loadManifest(path string) (*ocrManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Resourcef("failed to read manifest %s: %v", path, err)
	}
	var doc ocrManifest
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, Inputf("manifest %s is not valid JSON: %v", path, err)
	}
	return &doc, nil
}

// linesToSegments converts frame-indexed OCR lines to timed cues, merging
// adjacent lines with identical text.
func linesToSegments(lines []ocrLine, manifest *ocrManifest) []Segment {
	timestamps := map[int]float64{}
	for _, frame := range manifest.Frames {
		timestamps[frame.Index] = frame.Timestamp
	}
	frameTime := func(index int) float64 {
		if ts, ok := timestamps[index]; ok {
			return ts
		}
		if manifest.FPS > 0 {
			return float64(index) / manifest.FPS
		}
		return 0
	}

	sort.Slice(lines, func(i, j int) bool { return lines[i].FrameStart < lines[j].FrameStart })

	var segments []Segment
	for _, line := range lines {
		text := strings.TrimSpace(line.Text)
		if text == "" {
			continue
		}
		start := frameTime(line.FrameStart)
		end := frameTime(line.FrameEnd)
		if end <= start {
			end = start + 0.5
		}

		if len(segments) > 0 {
			last := &segments[len(segments)-1]
			if last.Text == text && start-last.End < 0.5 {
				last.End = end
				continue
			}
		}
		segments = append(segments, Segment{Start: start, End: end, Text: text})
	}
	return segments
}
