package nodes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wionch/yivideo/config"
	"github.com/wionch/yivideo/workflow"
)

func testExecContext(t *testing.T) *ExecContext {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("storage.shared_path", t.TempDir())
	cfg, err := config.Load(v)
	require.NoError(t, err)

	log := logrus.NewEntry(logrus.New())
	engines := NewEngineClient(cfg.Engines, log)
	wf := workflow.NewContext("t1", workflow.InputParams{}, cfg.TaskDir("t1"), time.Now())
	return NewExecContext("t1", wf, cfg, log, engines)
}

func writeSegmentsFile(t *testing.T, ec *ExecContext, doc *SegmentsDocument) string {
	t.Helper()
	path := filepath.Join(ec.WorkDir, "transcription", "segments.json")
	require.NoError(t, SaveJSON(path, doc))
	return path
}

func sampleSegments() *SegmentsDocument {
	return &SegmentsDocument{
		Language: "zh",
		Segments: []Segment{
			{Start: 0.0, End: 2.5, Text: "你好，世界"},
			{Start: 2.5, End: 5.0, Text: "第二句"},
			{Start: 5.5, End: 7.0, Text: "第三句"},
		},
	}
}

func TestGenerateSubtitleFiles(t *testing.T) {
	ec := testExecContext(t)
	path := writeSegmentsFile(t, ec, sampleSegments())

	node := &GenerateSubtitleFiles{}
	out, err := node.Execute(context.Background(), ec, map[string]interface{}{
		"segments_file": path,
	})
	require.NoError(t, err)

	subtitlePath := out["subtitle_path"].(string)
	assert.FileExists(t, subtitlePath)
	assert.FileExists(t, out["json_path"].(string))
	assert.Equal(t, 3, out["subtitle_count"])

	cues, err := ParseSRTFile(subtitlePath)
	require.NoError(t, err)
	require.Len(t, cues, 3)
	assert.Equal(t, "你好，世界", cues[0].Text)
	assert.InDelta(t, 2.5, cues[0].End, 0.001)
}

func TestCorrectSubtitlesSkippedWhenDisabled(t *testing.T) {
	ec := testExecContext(t)
	node := &CorrectSubtitles{}
	_, err := node.Execute(context.Background(), ec, map[string]interface{}{
		"subtitle_path":       "/irrelevant.srt",
		"subtitle_correction": map[string]interface{}{"enabled": false},
	})
	assert.ErrorIs(t, err, ErrSkipped)
}

func TestCorrectSubtitlesCleansCues(t *testing.T) {
	ec := testExecContext(t)
	srt := filepath.Join(ec.WorkDir, "in.srt")
	require.NoError(t, WriteSRT(srt, []Segment{
		{Start: 0, End: 1, Text: "hello   world"},
		{Start: 1, End: 1, Text: "broken timing"},
		{Start: 2, End: 3, Text: "dup"},
		{Start: 3.1, End: 4, Text: "dup"},
	}))

	node := &CorrectSubtitles{}
	out, err := node.Execute(context.Background(), ec, map[string]interface{}{
		"subtitle_path": srt,
	})
	require.NoError(t, err)

	cues, err := ParseSRTFile(out["corrected_subtitle_path"].(string))
	require.NoError(t, err)
	require.Len(t, cues, 3, "duplicate cue merged")
	assert.Equal(t, "hello world", cues[0].Text)
	assert.Greater(t, cues[1].End, cues[1].Start)
	assert.Greater(t, out["corrections_count"].(int), 0)
}

func TestAIOptimizeSkippedWhenDisabled(t *testing.T) {
	ec := testExecContext(t)
	node := &AIOptimizeSubtitles{}

	_, err := node.Execute(context.Background(), ec, map[string]interface{}{
		"segments_file": "/x.json",
	})
	assert.ErrorIs(t, err, ErrSkipped)

	_, err = node.Execute(context.Background(), ec, map[string]interface{}{
		"segments_file":         "/x.json",
		"subtitle_optimization": map[string]interface{}{"enabled": false},
	})
	assert.ErrorIs(t, err, ErrSkipped)
}

func TestAIOptimizeFansOutChunks(t *testing.T) {
	ec := testExecContext(t)

	// 45 segments -> 3 chunks of up to 20.
	doc := &SegmentsDocument{Language: "zh"}
	for i := 0; i < 45; i++ {
		doc.Segments = append(doc.Segments, Segment{Start: float64(i), End: float64(i) + 1, Text: "s"})
	}
	path := writeSegmentsFile(t, ec, doc)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Segments []Segment `json:"segments"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		for i := range req.Segments {
			req.Segments[i].Text = "optimized " + req.Segments[i].Text
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"segments": req.Segments})
	}))
	defer srv.Close()
	ec.Engines = NewEngineClient(config.EnginesConfig{WServiceURL: srv.URL}, ec.Log)

	node := &AIOptimizeSubtitles{}
	out, err := node.Execute(context.Background(), ec, map[string]interface{}{
		"segments_file":         path,
		"subtitle_optimization": map[string]interface{}{"enabled": true},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, out["chunks_processed"])
	assert.Equal(t, 45, out["optimized_count"])

	optimized, err := LoadSegments(out["optimized_file_path"].(string))
	require.NoError(t, err)
	require.Len(t, optimized.Segments, 45)
	assert.Equal(t, "optimized s", optimized.Segments[0].Text)
}

func TestMergeSpeakerSegments(t *testing.T) {
	ec := testExecContext(t)
	segPath := writeSegmentsFile(t, ec, sampleSegments())

	diarPath := filepath.Join(ec.WorkDir, "diarization", "d.json")
	require.NoError(t, SaveJSON(diarPath, &DiarizationDocument{Turns: []DiarizationTurn{
		{Start: 0, End: 3, Speaker: "SPEAKER_00"},
		{Start: 3, End: 10, Speaker: "SPEAKER_01"},
	}}))

	node := &MergeSpeakerSegments{}
	out, err := node.Execute(context.Background(), ec, map[string]interface{}{
		"segments_file":    segPath,
		"diarization_file": diarPath,
	})
	require.NoError(t, err)

	merged := out["merged_segments"].([]interface{})
	require.Len(t, merged, 3)
	first := merged[0].(map[string]interface{})
	assert.Equal(t, "SPEAKER_00", first["speaker"])
	third := merged[2].(map[string]interface{})
	assert.Equal(t, "SPEAKER_01", third["speaker"])

	summary := out["summary"].(map[string]interface{})
	assert.Equal(t, 2, summary["speaker_count"])
	assert.FileExists(t, out["merged_segments_file"].(string))
}

func TestMergeSpeakerSegmentsInlineArrays(t *testing.T) {
	ec := testExecContext(t)
	node := &MergeSpeakerSegments{}
	out, err := node.Execute(context.Background(), ec, map[string]interface{}{
		"segments": []interface{}{
			map[string]interface{}{"start": 0.0, "end": 1.0, "text": "a"},
		},
		"diarization": []interface{}{
			map[string]interface{}{"start": 0.0, "end": 2.0, "speaker": "S1"},
		},
	})
	require.NoError(t, err)
	merged := out["merged_segments"].([]interface{})
	require.Len(t, merged, 1)
	assert.Equal(t, "S1", merged[0].(map[string]interface{})["speaker"])
}

func TestMergeWithWordTimestampsSplitsOnSpeakerChange(t *testing.T) {
	ec := testExecContext(t)
	doc := &SegmentsDocument{Segments: []Segment{
		{
			Start: 0, End: 4, Text: "one two three four",
			Words: []Word{
				{Start: 0, End: 1, Word: "one"},
				{Start: 1, End: 2, Word: "two"},
				{Start: 2, End: 3, Word: "three"},
				{Start: 3, End: 4, Word: "four"},
			},
		},
	}}
	segPath := writeSegmentsFile(t, ec, doc)

	diarPath := filepath.Join(ec.WorkDir, "diarization", "d.json")
	require.NoError(t, SaveJSON(diarPath, &DiarizationDocument{Turns: []DiarizationTurn{
		{Start: 0, End: 2, Speaker: "A"},
		{Start: 2, End: 4, Speaker: "B"},
	}}))

	node := &MergeWithWordTimestamps{}
	out, err := node.Execute(context.Background(), ec, map[string]interface{}{
		"segments_file":    segPath,
		"diarization_file": diarPath,
	})
	require.NoError(t, err)

	merged := out["merged_segments"].([]interface{})
	require.Len(t, merged, 2, "segment split at the speaker boundary")
	first := merged[0].(map[string]interface{})
	second := merged[1].(map[string]interface{})
	assert.Equal(t, "A", first["speaker"])
	assert.Equal(t, "one two", first["text"])
	assert.Equal(t, "B", second["speaker"])
	assert.Equal(t, "three four", second["text"])
}

func TestPrepareTTSSegments(t *testing.T) {
	ec := testExecContext(t)
	doc := sampleSegments()
	doc.Segments[1].Text = "   " // blank text is dropped
	segPath := writeSegmentsFile(t, ec, doc)

	node := &PrepareTTSSegments{}
	out, err := node.Execute(context.Background(), ec, map[string]interface{}{
		"segments_file": segPath,
	})
	require.NoError(t, err)

	prepared := out["prepared_segments"].([]interface{})
	require.Len(t, prepared, 2)
	first := prepared[0].(map[string]interface{})
	assert.Equal(t, "tts_0001.wav", first["output_name"])
	assert.Equal(t, "你好，世界", first["text"])
	assert.Equal(t, 2, out["segments_count"])
}

func TestPrepareTTSSegmentsReadsBareArray(t *testing.T) {
	ec := testExecContext(t)
	path := filepath.Join(ec.WorkDir, "merged", "speaker_segments.json")
	require.NoError(t, SaveJSON(path, []interface{}{
		map[string]interface{}{"start": 0.0, "end": 1.0, "text": "a", "speaker": "S1"},
	}))

	node := &PrepareTTSSegments{}
	out, err := node.Execute(context.Background(), ec, map[string]interface{}{
		"segments_file": path,
	})
	require.NoError(t, err)
	prepared := out["prepared_segments"].([]interface{})
	require.Len(t, prepared, 1)
	assert.Equal(t, "S1", prepared[0].(map[string]interface{})["speaker"])
}
