package nodes

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/wionch/yivideo/config"
)

// GenerateSpeech synthesizes speech with the IndexTTS engine, cloning the
// voice of a reference prompt and optionally steering emotion.
type GenerateSpeech struct{}

func (n *GenerateSpeech) Name() string { return "indextts.generate_speech" }

func (n *GenerateSpeech) CacheKeyFields() []string {
	return []string{"text", "output_path", "spk_audio_prompt", "emotion"}
}

func (n *GenerateSpeech) RequiredOutputFields() []string { return []string{"audio_path"} }
func (n *GenerateSpeech) CustomPathFields() []string     { return nil }

func (n *GenerateSpeech) Fallbacks() map[string][]Fallback {
	return map[string][]Fallback{
		"spk_audio_prompt": {
			{Stage: "audio_separator.separate_vocals", Field: "vocal_audio"},
		},
	}
}

func (n *GenerateSpeech) GPUBound(*config.Config) bool { return true }

func (n *GenerateSpeech) ValidateInput(inputs map[string]interface{}) error {
	if _, err := requireString(inputs, "text"); err != nil {
		return err
	}
	if _, err := requireString(inputs, "output_path"); err != nil {
		return err
	}
	_, err := requireString(inputs, "spk_audio_prompt")
	return err
}

type ttsResponse struct {
	AudioPath string  `json:"audio_path"`
	Duration  float64 `json:"audio_duration"`
}

func (n *GenerateSpeech) Execute(ctx context.Context, ec *ExecContext, inputs map[string]interface{}) (map[string]interface{}, error) {
	text := stringInput(inputs, "text")
	outputPath := stringInput(inputs, "output_path")
	prompt, err := ResolveLocalInput(ctx, ec, stringInput(inputs, "spk_audio_prompt"))
	if err != nil {
		return nil, err
	}

	// Relative output paths land inside the task's work directory.
	if !strings.HasPrefix(outputPath, "/") {
		outputPath = filepath.Join(ec.WorkDir, "tts", outputPath)
	}

	payload := map[string]interface{}{
		"text":             text,
		"output_path":      outputPath,
		"spk_audio_prompt": prompt,
	}
	if emotion := mapInput(inputs, "emotion"); emotion != nil {
		payload["emotion"] = emotion
	}

	var resp ttsResponse
	if err := ec.Engines.PostJSON(ctx, ec.Engines.IndexTTSURL(), "/v1/tts", payload, &resp); err != nil {
		return nil, err
	}
	if resp.AudioPath == "" {
		return nil, Computef("tts engine returned no audio path")
	}

	return map[string]interface{}{
		"audio_path":     resp.AudioPath,
		"audio_duration": resp.Duration,
	}, nil
}
