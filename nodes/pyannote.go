package nodes

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/wionch/yivideo/config"
)

// DiarizeSpeakers attributes speech regions to speakers through the pyannote
// engine. Local inference needs the GPU; the paid API variant does not.
type DiarizeSpeakers struct{}

func (n *DiarizeSpeakers) Name() string { return "pyannote_audio.diarize_speakers" }

func (n *DiarizeSpeakers) CacheKeyFields() []string {
	return []string{"audio_path", "use_paid_api"}
}

func (n *DiarizeSpeakers) RequiredOutputFields() []string { return []string{"diarization_file"} }
func (n *DiarizeSpeakers) CustomPathFields() []string     { return nil }

func (n *DiarizeSpeakers) Fallbacks() map[string][]Fallback {
	return map[string][]Fallback{
		"audio_path": {
			{Stage: "audio_separator.separate_vocals", Field: "vocal_audio"},
			{Stage: "ffmpeg.extract_audio", Field: "audio_path"},
		},
	}
}

// GPUBound always reports true. Only local inference touches the GPU, but
// this method sees the process config, not the resolved inputs, so the
// hosted API path (use_paid_api) also runs under the GPU lock.
func (n *DiarizeSpeakers) GPUBound(*config.Config) bool { return true }

func (n *DiarizeSpeakers) ValidateInput(inputs map[string]interface{}) error {
	_, err := requireString(inputs, "audio_path")
	return err
}

type diarizationResponse struct {
	Turns []DiarizationTurn `json:"turns"`
}

func (n *DiarizeSpeakers) Execute(ctx context.Context, ec *ExecContext, inputs map[string]interface{}) (map[string]interface{}, error) {
	audioPath, err := ResolveLocalInput(ctx, ec, stringInput(inputs, "audio_path"))
	if err != nil {
		return nil, err
	}
	usePaidAPI := boolInput(inputs, "use_paid_api", false)

	// The hosted API cannot read the shared filesystem, so the audio itself
	// is shipped as multipart; local inference only needs the path.
	var resp diarizationResponse
	if usePaidAPI {
		err = ec.Engines.PostFile(ctx, ec.Engines.PyannoteURL(), "/v1/diarize_upload",
			"audio", audioPath, map[string]string{"use_paid_api": "true"}, &resp)
	} else {
		err = ec.Engines.PostJSON(ctx, ec.Engines.PyannoteURL(), "/v1/diarize", map[string]interface{}{
			"audio_path":   audioPath,
			"use_paid_api": false,
		}, &resp)
	}
	if err != nil {
		return nil, err
	}

	diarizationFile := filepath.Join(ec.WorkDir, "diarization", "diarization.json")
	if err := SaveJSON(diarizationFile, &DiarizationDocument{Turns: resp.Turns}); err != nil {
		return nil, err
	}

	speakers := map[string]int{}
	for _, turn := range resp.Turns {
		speakers[turn.Speaker]++
	}

	return map[string]interface{}{
		"diarization_file": diarizationFile,
		"speaker_count":    len(speakers),
		"total_turns":      len(resp.Turns),
	}, nil
}

// GetSpeakerSegments extracts the turns of one speaker (or all speakers)
// from a diarization file. Pure bookkeeping, no GPU.
type GetSpeakerSegments struct{}

func (n *GetSpeakerSegments) Name() string { return "pyannote_audio.get_speaker_segments" }

func (n *GetSpeakerSegments) CacheKeyFields() []string {
	return []string{"diarization_file", "speaker"}
}

func (n *GetSpeakerSegments) RequiredOutputFields() []string {
	return []string{"speaker_segments_file"}
}

func (n *GetSpeakerSegments) CustomPathFields() []string { return nil }

func (n *GetSpeakerSegments) Fallbacks() map[string][]Fallback {
	return map[string][]Fallback{
		"diarization_file": {
			{Stage: "pyannote_audio.diarize_speakers", Field: "diarization_file"},
		},
	}
}

func (n *GetSpeakerSegments) GPUBound(*config.Config) bool { return false }

func (n *GetSpeakerSegments) ValidateInput(inputs map[string]interface{}) error {
	_, err := requireString(inputs, "diarization_file")
	return err
}

func (n *GetSpeakerSegments) Execute(ctx context.Context, ec *ExecContext, inputs map[string]interface{}) (map[string]interface{}, error) {
	diarizationFile, err := ResolveLocalInput(ctx, ec, stringInput(inputs, "diarization_file"))
	if err != nil {
		return nil, err
	}
	speaker := stringInput(inputs, "speaker")

	doc, err := LoadDiarization(diarizationFile)
	if err != nil {
		return nil, err
	}

	var turns []DiarizationTurn
	for _, turn := range doc.Turns {
		if speaker == "" || turn.Speaker == speaker {
			turns = append(turns, turn)
		}
	}
	sort.Slice(turns, func(i, j int) bool { return turns[i].Start < turns[j].Start })

	name := "all"
	if speaker != "" {
		name = speaker
	}
	segmentsFile := filepath.Join(ec.WorkDir, "diarization", fmt.Sprintf("speaker_%s.json", name))
	if err := SaveJSON(segmentsFile, &DiarizationDocument{Turns: turns}); err != nil {
		return nil, err
	}

	segments := make([]interface{}, 0, len(turns))
	total := 0.0
	for _, turn := range turns {
		total += turn.End - turn.Start
		segments = append(segments, map[string]interface{}{
			"start":   turn.Start,
			"end":     turn.End,
			"speaker": turn.Speaker,
		})
	}

	return map[string]interface{}{
		"speaker_segments_file": segmentsFile,
		"segments":              segments,
		"summary": map[string]interface{}{
			"speaker":        name,
			"segments_count": len(turns),
			"total_speech":   total,
		},
	}, nil
}

// ValidateDiarization sanity-checks a diarization file: ordering, negative
// durations, overlapping turns and empty speakers.
type ValidateDiarization struct{}

func (n *ValidateDiarization) Name() string { return "pyannote_audio.validate_diarization" }

func (n *ValidateDiarization) CacheKeyFields() []string       { return []string{"diarization_file"} }
func (n *ValidateDiarization) RequiredOutputFields() []string { return []string{"validation"} }
func (n *ValidateDiarization) CustomPathFields() []string     { return nil }

func (n *ValidateDiarization) Fallbacks() map[string][]Fallback {
	return map[string][]Fallback{
		"diarization_file": {
			{Stage: "pyannote_audio.diarize_speakers", Field: "diarization_file"},
		},
	}
}

func (n *ValidateDiarization) GPUBound(*config.Config) bool { return false }

func (n *ValidateDiarization) ValidateInput(inputs map[string]interface{}) error {
	_, err := requireString(inputs, "diarization_file")
	return err
}

func (n *ValidateDiarization) Execute(ctx context.Context, ec *ExecContext, inputs map[string]interface{}) (map[string]interface{}, error) {
	diarizationFile, err := ResolveLocalInput(ctx, ec, stringInput(inputs, "diarization_file"))
	if err != nil {
		return nil, err
	}

	doc, err := LoadDiarization(diarizationFile)
	if err != nil {
		return nil, err
	}

	var issues []string
	speakers := map[string]bool{}
	for i, turn := range doc.Turns {
		if turn.End <= turn.Start {
			issues = append(issues, fmt.Sprintf("turn %d has non-positive duration", i))
		}
		if turn.Speaker == "" {
			issues = append(issues, fmt.Sprintf("turn %d has no speaker label", i))
		}
		speakers[turn.Speaker] = true
	}
	if len(doc.Turns) == 0 {
		issues = append(issues, "diarization contains no turns")
	}

	issueList := make([]interface{}, 0, len(issues))
	for _, issue := range issues {
		issueList = append(issueList, issue)
	}

	return map[string]interface{}{
		"validation": map[string]interface{}{
			"valid":         len(issues) == 0,
			"issues":        issueList,
			"turns_count":   len(doc.Turns),
			"speaker_count": len(speakers),
		},
	}, nil
}
