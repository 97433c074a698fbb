package nodes

import (
	"context"

	"github.com/wionch/yivideo/config"
)

// SeparateVocals splits an audio track into vocal and accompaniment stems
// through the UVR separation engine. The engine writes the stems into the
// task's work directory and reports their paths back.
type SeparateVocals struct{}

// defaultSeparatorModel is the minimal hard-coded fallback when the
// request's audio_separator_config names no model.
const defaultSeparatorModel = "UVR-MDX-NET-Inst_HQ_3"

func (n *SeparateVocals) Name() string { return "audio_separator.separate_vocals" }

func (n *SeparateVocals) CacheKeyFields() []string {
	return []string{"audio_path", "audio_separator_config"}
}

func (n *SeparateVocals) RequiredOutputFields() []string { return []string{"vocal_audio"} }

func (n *SeparateVocals) CustomPathFields() []string {
	return []string{"vocal_audio", "instrumental_audio", "all_audio_files"}
}

func (n *SeparateVocals) Fallbacks() map[string][]Fallback {
	return map[string][]Fallback{
		"audio_path": {
			{Stage: "ffmpeg.extract_audio", Field: "audio_path"},
		},
	}
}

func (n *SeparateVocals) GPUBound(*config.Config) bool { return true }

func (n *SeparateVocals) ValidateInput(inputs map[string]interface{}) error {
	_, err := requireString(inputs, "audio_path")
	return err
}

type separatorResponse struct {
	VocalAudio        string   `json:"vocal_audio"`
	InstrumentalAudio string   `json:"instrumental_audio"`
	AllAudioFiles     []string `json:"all_audio_files"`
	Model             string   `json:"model"`
}

func (n *SeparateVocals) Execute(ctx context.Context, ec *ExecContext, inputs map[string]interface{}) (map[string]interface{}, error) {
	audioPath, err := ResolveLocalInput(ctx, ec, stringInput(inputs, "audio_path"))
	if err != nil {
		return nil, err
	}

	sepConfig := mapInput(inputs, "audio_separator_config")
	model := defaultSeparatorModel
	if sepConfig != nil {
		if m, ok := sepConfig["model"].(string); ok && m != "" {
			model = m
		}
	}

	var resp separatorResponse
	err = ec.Engines.PostJSON(ctx, ec.Engines.AudioSeparatorURL(), "/v1/separate", map[string]interface{}{
		"audio_path": audioPath,
		"output_dir": ec.WorkDir,
		"model":      model,
		"config":     sepConfig,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.VocalAudio == "" {
		return nil, Computef("separation engine returned no vocal stem")
	}

	files := make([]interface{}, 0, len(resp.AllAudioFiles))
	for _, f := range resp.AllAudioFiles {
		files = append(files, f)
	}

	return map[string]interface{}{
		"vocal_audio":        resp.VocalAudio,
		"instrumental_audio": resp.InstrumentalAudio,
		"all_audio_files":    files,
		"model_name":         resp.Model,
	}, nil
}
