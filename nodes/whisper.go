package nodes

import (
	"context"
	"path/filepath"

	"github.com/wionch/yivideo/config"
)

// TranscribeAudio runs speech recognition through the faster-whisper engine.
// The GPU lock is taken only when the configured device is CUDA; CPU
// inference runs unlocked.
type TranscribeAudio struct{}

func (n *TranscribeAudio) Name() string { return "faster_whisper.transcribe_audio" }

func (n *TranscribeAudio) CacheKeyFields() []string {
	return []string{"audio_path", "enable_word_timestamps"}
}

func (n *TranscribeAudio) RequiredOutputFields() []string { return []string{"segments_file"} }
func (n *TranscribeAudio) CustomPathFields() []string     { return nil }

func (n *TranscribeAudio) Fallbacks() map[string][]Fallback {
	return map[string][]Fallback{
		"audio_path": {
			{Stage: "audio_separator.separate_vocals", Field: "vocal_audio"},
			{Stage: "ffmpeg.extract_audio", Field: "audio_path"},
		},
	}
}

func (n *TranscribeAudio) GPUBound(cfg *config.Config) bool {
	return cfg.ASR.Device == "cuda"
}

func (n *TranscribeAudio) ValidateInput(inputs map[string]interface{}) error {
	_, err := requireString(inputs, "audio_path")
	return err
}

// whisperResponse is the engine's transcription result.
type whisperResponse struct {
	Language string    `json:"language"`
	Segments []Segment `json:"segments"`
}

func (n *TranscribeAudio) Execute(ctx context.Context, ec *ExecContext, inputs map[string]interface{}) (map[string]interface{}, error) {
	audioPath, err := ResolveLocalInput(ctx, ec, stringInput(inputs, "audio_path"))
	if err != nil {
		return nil, err
	}
	wordTimestamps := boolInput(inputs, "enable_word_timestamps", false)

	var resp whisperResponse
	err = ec.Engines.PostJSON(ctx, ec.Engines.WhisperURL(), "/v1/transcribe", map[string]interface{}{
		"audio_path":      audioPath,
		"word_timestamps": wordTimestamps,
		"device":          ec.Cfg.ASR.Device,
	}, &resp)
	if err != nil {
		return nil, err
	}

	segmentsFile := filepath.Join(ec.WorkDir, "transcription", "segments.json")
	doc := &SegmentsDocument{Language: resp.Language, Segments: resp.Segments}
	if err := SaveJSON(segmentsFile, doc); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"segments_file":  segmentsFile,
		"language":       resp.Language,
		"segments_count": len(resp.Segments),
	}, nil
}
