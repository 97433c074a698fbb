package nodes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wionch/yivideo/workflow"
)

func wfWithStages() *workflow.Context {
	wf := workflow.NewContext("t1", workflow.InputParams{TaskName: "x"}, "/share/workflows/t1", time.Now())

	extract := workflow.NewStageExecution(workflow.StageSuccess)
	extract.Output["audio_path"] = "/share/workflows/t1/audio/a.wav"
	wf.Stages["ffmpeg.extract_audio"] = extract

	sep := workflow.NewStageExecution(workflow.StageSuccess)
	sep.Output["vocal_audio"] = "/share/workflows/t1/vocal.wav"
	wf.Stages["audio_separator.separate_vocals"] = sep

	return wf
}

func TestResolveParamsExplicitWins(t *testing.T) {
	node := &TranscribeAudio{}
	resolved, err := ResolveParams(node, wfWithStages(), map[string]interface{}{
		"audio_path": "/explicit/a.wav",
	})
	require.NoError(t, err)
	assert.Equal(t, "/explicit/a.wav", resolved["audio_path"])
}

func TestResolveParamsDynamicReference(t *testing.T) {
	node := &TranscribeAudio{}
	resolved, err := ResolveParams(node, wfWithStages(), map[string]interface{}{
		"audio_path": "${{ stages.ffmpeg.extract_audio.output.audio_path }}",
	})
	require.NoError(t, err)
	assert.Equal(t, "/share/workflows/t1/audio/a.wav", resolved["audio_path"])
}

func TestResolveParamsFallbackOrder(t *testing.T) {
	node := &TranscribeAudio{}

	// Empty value falls back: separated vocals first.
	resolved, err := ResolveParams(node, wfWithStages(), map[string]interface{}{
		"audio_path": "",
	})
	require.NoError(t, err)
	assert.Equal(t, "/share/workflows/t1/vocal.wav", resolved["audio_path"])

	// Without the separation stage, the extractor output wins.
	wf := wfWithStages()
	delete(wf.Stages, "audio_separator.separate_vocals")
	resolved, err = ResolveParams(node, wf, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "/share/workflows/t1/audio/a.wav", resolved["audio_path"])
}

func TestResolveParamsFallbackIgnoresFailedStages(t *testing.T) {
	node := &TranscribeAudio{}
	wf := wfWithStages()
	wf.Stages["audio_separator.separate_vocals"].Status = workflow.StageFailed

	resolved, err := ResolveParams(node, wf, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "/share/workflows/t1/audio/a.wav", resolved["audio_path"])
}

func TestResolveParamsUnresolvedReferenceFails(t *testing.T) {
	node := &TranscribeAudio{}
	_, err := ResolveParams(node, wfWithStages(), map[string]interface{}{
		"audio_path": "${{ stages.missing.stage.output.nope }}",
	})
	require.Error(t, err)
	assert.Equal(t, KindInput, ClassifyKind(err))
}

func TestRedact(t *testing.T) {
	out := Redact(map[string]interface{}{
		"audio_path":   "/a.wav",
		"hf_api_key":   "secret-value",
		"access_token": "tok",
		"password":     "pw",
	})
	assert.Equal(t, "/a.wav", out["audio_path"])
	assert.Equal(t, "***", out["hf_api_key"])
	assert.Equal(t, "***", out["access_token"])
	assert.Equal(t, "***", out["password"])
}

func TestPresentRules(t *testing.T) {
	assert.False(t, present(nil))
	assert.False(t, present(""))
	assert.False(t, present([]interface{}{}))
	assert.False(t, present(map[string]interface{}{}))
	assert.True(t, present(0))          // numeric zero counts
	assert.True(t, present(false))      // boolean false counts
	assert.True(t, present(0.0))
	assert.True(t, present("x"))
	assert.True(t, present([]interface{}{1}))
}
