package nodes

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wionch/yivideo/workflow"
)

func TestCanReuseRequiresSuccess(t *testing.T) {
	stage := workflow.NewStageExecution(workflow.StageFailed)
	stage.Output["audio_path"] = "/a.wav"
	assert.False(t, CanReuse(stage, []string{"audio_path"}))

	stage.Status = workflow.StageSuccess
	assert.True(t, CanReuse(stage, []string{"audio_path"}))
}

func TestCanReuseRequiresNonEmptyOutputs(t *testing.T) {
	stage := workflow.NewStageExecution(workflow.StageSuccess)
	assert.False(t, CanReuse(stage, []string{"audio_path"}))

	stage.Output["audio_path"] = ""
	assert.False(t, CanReuse(stage, []string{"audio_path"}))

	stage.Output["audio_path"] = "/a.wav"
	assert.True(t, CanReuse(stage, []string{"audio_path"}))
}

func TestCanReuseZeroAndFalseCount(t *testing.T) {
	stage := workflow.NewStageExecution(workflow.StageSuccess)
	stage.Output["segments_count"] = 0
	stage.Output["enabled"] = false
	assert.True(t, CanReuse(stage, []string{"segments_count", "enabled"}))
}

func TestCanReuseNilStage(t *testing.T) {
	assert.False(t, CanReuse(nil, []string{"x"}))
}

func TestCacheKeyDeterministic(t *testing.T) {
	inputs := map[string]interface{}{
		"video_path": "/a.mp4",
		"keyframe_sample_count": 100,
		"unrelated":  "ignored",
	}
	k1 := CacheKey("ffmpeg.extract_keyframes", inputs, []string{"video_path", "keyframe_sample_count"})
	k2 := CacheKey("ffmpeg.extract_keyframes", inputs, []string{"keyframe_sample_count", "video_path"})
	assert.Equal(t, k1, k2, "field order does not matter")
	assert.Len(t, k1, 32)

	inputs["video_path"] = "/b.mp4"
	k3 := CacheKey("ffmpeg.extract_keyframes", inputs, []string{"video_path", "keyframe_sample_count"})
	assert.NotEqual(t, k1, k3)

	k4 := CacheKey("other.node", inputs, []string{"video_path", "keyframe_sample_count"})
	assert.NotEqual(t, k3, k4, "scoped by task name")
}
