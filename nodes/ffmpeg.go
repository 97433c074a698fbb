package nodes

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/wionch/yivideo/config"
)

// runFFmpeg invokes the configured FFmpeg binary with the per-node external
// timeout. On a non-zero exit the tail of stderr is carried into the compute
// error.
func runFFmpeg(ctx context.Context, ec *ExecContext, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, ec.Cfg.FFmpeg.Timeout)
	defer cancel()

	full := append([]string{"-hide_banner", "-y"}, args...)
	cmd := exec.CommandContext(ctx, ec.Cfg.FFmpeg.Binary, full...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	ec.Log.WithField("args", strings.Join(args, " ")).Debug("running ffmpeg")
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tail := stderr.String()
		if len(tail) > 512 {
			tail = tail[len(tail)-512:]
		}
		return Computef("ffmpeg exited with error: %v: %s", err, tail)
	}
	return nil
}

// countFiles returns the number of regular files directly inside dir.
func countFiles(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			count++
		}
	}
	return count, nil
}

// ExtractAudio extracts the audio track of a video as 16 kHz mono WAV, the
// input format every downstream speech node expects.
type ExtractAudio struct{}

func (n *ExtractAudio) Name() string                      { return "ffmpeg.extract_audio" }
func (n *ExtractAudio) CacheKeyFields() []string          { return []string{"video_path"} }
func (n *ExtractAudio) RequiredOutputFields() []string    { return []string{"audio_path"} }
func (n *ExtractAudio) CustomPathFields() []string        { return nil }
func (n *ExtractAudio) Fallbacks() map[string][]Fallback  { return nil }
func (n *ExtractAudio) GPUBound(*config.Config) bool      { return false }

func (n *ExtractAudio) ValidateInput(inputs map[string]interface{}) error {
	_, err := requireString(inputs, "video_path")
	return err
}

func (n *ExtractAudio) Execute(ctx context.Context, ec *ExecContext, inputs map[string]interface{}) (map[string]interface{}, error) {
	videoPath, err := ResolveLocalInput(ctx, ec, stringInput(inputs, "video_path"))
	if err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	audioPath := filepath.Join(ec.WorkDir, "audio", base+".wav")
	if err := os.MkdirAll(filepath.Dir(audioPath), 0o755); err != nil {
		return nil, Resourcef("failed to create audio directory: %v", err)
	}

	err = runFFmpeg(ctx, ec,
		"-i", videoPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		audioPath,
	)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"audio_path": audioPath,
	}, nil
}

// ExtractKeyframes samples up to keyframe_sample_count frames from the start
// of the video into a per-task directory; the OCR area detector consumes them.
type ExtractKeyframes struct{}

const defaultKeyframeSampleCount = 100

func (n *ExtractKeyframes) Name() string                     { return "ffmpeg.extract_keyframes" }
func (n *ExtractKeyframes) CacheKeyFields() []string         { return []string{"video_path", "keyframe_sample_count"} }
func (n *ExtractKeyframes) RequiredOutputFields() []string   { return []string{"keyframe_dir"} }
func (n *ExtractKeyframes) CustomPathFields() []string       { return nil }
func (n *ExtractKeyframes) Fallbacks() map[string][]Fallback { return nil }
func (n *ExtractKeyframes) GPUBound(*config.Config) bool     { return false }

func (n *ExtractKeyframes) ValidateInput(inputs map[string]interface{}) error {
	if _, err := requireString(inputs, "video_path"); err != nil {
		return err
	}
	if count := intInput(inputs, "keyframe_sample_count", defaultKeyframeSampleCount); count <= 0 {
		return Inputf("keyframe_sample_count must be positive, got %d", count)
	}
	return nil
}

func (n *ExtractKeyframes) Execute(ctx context.Context, ec *ExecContext, inputs map[string]interface{}) (map[string]interface{}, error) {
	videoPath, err := ResolveLocalInput(ctx, ec, stringInput(inputs, "video_path"))
	if err != nil {
		return nil, err
	}
	count := intInput(inputs, "keyframe_sample_count", defaultKeyframeSampleCount)

	keyframeDir := filepath.Join(ec.WorkDir, "keyframes")
	if err := os.MkdirAll(keyframeDir, 0o755); err != nil {
		return nil, Resourcef("failed to create keyframe directory: %v", err)
	}

	// Take one representative frame per 100-frame batch, at least one second
	// apart, and stop after count frames. The sample is not spread over the
	// whole duration: a long video is covered only from its start, and a short
	// one yields fewer than count frames.
	err = runFFmpeg(ctx, ec,
		"-i", videoPath,
		"-vf", "thumbnail,select='isnan(prev_selected_t)+gte(t-prev_selected_t\\,1)'",
		"-frames:v", fmt.Sprintf("%d", count),
		"-vsync", "vfr",
		"-q:v", "2",
		filepath.Join(keyframeDir, "frame_%04d.jpg"),
	)
	if err != nil {
		return nil, err
	}

	produced, err := countFiles(keyframeDir)
	if err != nil {
		return nil, Resourcef("failed to count keyframes: %v", err)
	}

	return map[string]interface{}{
		"keyframe_dir":         keyframeDir,
		"keyframe_files_count": produced,
	}, nil
}

// CropSubtitleImages crops the detected subtitle area out of the video,
// sampled at five frames per second. The stage takes the GPU lock.
type CropSubtitleImages struct{}

func (n *CropSubtitleImages) Name() string                     { return "ffmpeg.crop_subtitle_images" }
func (n *CropSubtitleImages) CacheKeyFields() []string         { return []string{"video_path", "subtitle_area"} }
func (n *CropSubtitleImages) RequiredOutputFields() []string   { return []string{"cropped_images_path"} }
func (n *CropSubtitleImages) CustomPathFields() []string       { return nil }
func (n *CropSubtitleImages) GPUBound(*config.Config) bool     { return true }

func (n *CropSubtitleImages) Fallbacks() map[string][]Fallback {
	return map[string][]Fallback{
		"subtitle_area": {{Stage: "paddleocr.detect_subtitle_area", Field: "subtitle_area"}},
	}
}

func (n *CropSubtitleImages) ValidateInput(inputs map[string]interface{}) error {
	if _, err := requireString(inputs, "video_path"); err != nil {
		return err
	}
	_, err := requireArea(inputs, "subtitle_area")
	return err
}

func (n *CropSubtitleImages) Execute(ctx context.Context, ec *ExecContext, inputs map[string]interface{}) (map[string]interface{}, error) {
	videoPath, err := ResolveLocalInput(ctx, ec, stringInput(inputs, "video_path"))
	if err != nil {
		return nil, err
	}
	area, err := requireArea(inputs, "subtitle_area")
	if err != nil {
		return nil, err
	}

	croppedDir := filepath.Join(ec.WorkDir, "cropped_subtitles")
	if err := os.MkdirAll(croppedDir, 0o755); err != nil {
		return nil, Resourcef("failed to create crop directory: %v", err)
	}

	// area is [x, y, width, height]
	err = runFFmpeg(ctx, ec,
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=5,crop=%d:%d:%d:%d", area[2], area[3], area[0], area[1]),
		"-q:v", "2",
		filepath.Join(croppedDir, "crop_%06d.jpg"),
	)
	if err != nil {
		return nil, err
	}

	produced, err := countFiles(croppedDir)
	if err != nil {
		return nil, Resourcef("failed to count cropped images: %v", err)
	}

	return map[string]interface{}{
		"cropped_images_path":  croppedDir,
		"cropped_images_count": produced,
	}, nil
}

// SplitAudioSegments cuts the audio track along subtitle cue boundaries,
// producing one clip per cue for TTS reference or training data. Cues
// shorter than min_segment_length or longer than max_segment_length are
// skipped and counted.
type SplitAudioSegments struct{}

func (n *SplitAudioSegments) Name() string                   { return "ffmpeg.split_audio_segments" }
func (n *SplitAudioSegments) CacheKeyFields() []string       { return []string{"audio_path", "subtitle_path"} }
func (n *SplitAudioSegments) RequiredOutputFields() []string { return []string{"audio_segments_dir"} }
func (n *SplitAudioSegments) CustomPathFields() []string     { return nil }
func (n *SplitAudioSegments) GPUBound(*config.Config) bool   { return false }

func (n *SplitAudioSegments) Fallbacks() map[string][]Fallback {
	return map[string][]Fallback{
		"audio_path": {
			{Stage: "audio_separator.separate_vocals", Field: "vocal_audio"},
			{Stage: "ffmpeg.extract_audio", Field: "audio_path"},
		},
		"subtitle_path": {
			{Stage: "wservice.generate_subtitle_files", Field: "subtitle_path"},
		},
	}
}

func (n *SplitAudioSegments) ValidateInput(inputs map[string]interface{}) error {
	if _, err := requireString(inputs, "audio_path"); err != nil {
		return err
	}
	_, err := requireString(inputs, "subtitle_path")
	return err
}

func (n *SplitAudioSegments) Execute(ctx context.Context, ec *ExecContext, inputs map[string]interface{}) (map[string]interface{}, error) {
	audioPath, err := ResolveLocalInput(ctx, ec, stringInput(inputs, "audio_path"))
	if err != nil {
		return nil, err
	}
	subtitlePath, err := ResolveLocalInput(ctx, ec, stringInput(inputs, "subtitle_path"))
	if err != nil {
		return nil, err
	}
	minLen := floatInput(inputs, "min_segment_length", 0.5)
	maxLen := floatInput(inputs, "max_segment_length", 30.0)

	cues, err := ParseSRTFile(subtitlePath)
	if err != nil {
		return nil, err
	}

	segmentsDir := filepath.Join(ec.WorkDir, "audio_segments")
	if err := os.MkdirAll(segmentsDir, 0o755); err != nil {
		return nil, Resourcef("failed to create segments directory: %v", err)
	}

	kept, skipped := 0, 0
	for i, cue := range cues {
		length := cue.End - cue.Start
		if length < minLen || length > maxLen {
			skipped++
			continue
		}
		out := filepath.Join(segmentsDir, fmt.Sprintf("segment_%04d.wav", i+1))
		err := runFFmpeg(ctx, ec,
			"-i", audioPath,
			"-ss", fmt.Sprintf("%.3f", cue.Start),
			"-to", fmt.Sprintf("%.3f", cue.End),
			"-c", "copy",
			out,
		)
		if err != nil {
			return nil, err
		}
		kept++
	}

	return map[string]interface{}{
		"audio_segments_dir": segmentsDir,
		"segments_total":     len(cues),
		"segments_kept":      kept,
		"segments_skipped":   skipped,
	}, nil
}

func floatInput(inputs map[string]interface{}, key string, def float64) float64 {
	switch v := inputs[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}
