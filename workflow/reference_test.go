package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contextWithOutputs() *Context {
	ctx := NewContext("t1", InputParams{TaskName: "x"}, "/share/workflows/t1", time.Now())

	sep := NewStageExecution(StageSuccess)
	sep.Output["vocal_audio"] = "/share/workflows/t1/vocal.wav"
	sep.Output["sample_rate"] = float64(16000)
	ctx.Stages["audio_separator.separate_vocals"] = sep

	ff := NewStageExecution(StageSuccess)
	ff.Output["audio_path"] = "/share/workflows/t1/audio.wav"
	ctx.Stages["ffmpeg.extract_audio"] = ff

	return ctx
}

func TestResolveWholeStringKeepsType(t *testing.T) {
	r := NewResolver(contextWithOutputs())

	v, err := r.Resolve("${{ stages.audio_separator.separate_vocals.output.vocal_audio }}")
	require.NoError(t, err)
	assert.Equal(t, "/share/workflows/t1/vocal.wav", v)

	n, err := r.Resolve("${{ stages.audio_separator.separate_vocals.output.sample_rate }}")
	require.NoError(t, err)
	assert.Equal(t, float64(16000), n)
}

func TestResolveEmbeddedReference(t *testing.T) {
	r := NewResolver(contextWithOutputs())
	v, err := r.Resolve("file://${{ stages.ffmpeg.extract_audio.output.audio_path }}")
	require.NoError(t, err)
	assert.Equal(t, "file:///share/workflows/t1/audio.wav", v)
}

func TestResolvePlainStringPassthrough(t *testing.T) {
	r := NewResolver(contextWithOutputs())
	v, err := r.Resolve("/plain/path.wav")
	require.NoError(t, err)
	assert.Equal(t, "/plain/path.wav", v)
}

func TestResolveRejectsMultipleReferences(t *testing.T) {
	r := NewResolver(contextWithOutputs())
	_, err := r.Resolve("${{ stages.a.output.b }} and ${{ stages.c.output.d }}")
	assert.Error(t, err)
}

func TestResolveMissingStageNamesReference(t *testing.T) {
	r := NewResolver(contextWithOutputs())
	_, err := r.Resolve("${{ stages.pyannote_audio.diarize_speakers.output.diarization_file }}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pyannote_audio.diarize_speakers")
}

func TestResolveMissingFieldNamesReference(t *testing.T) {
	r := NewResolver(contextWithOutputs())
	_, err := r.Resolve("${{ stages.ffmpeg.extract_audio.output.nope }}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestResolveChasesChainedReference(t *testing.T) {
	ctx := contextWithOutputs()
	alias := NewStageExecution(StageSuccess)
	alias.Output["best_audio"] = "${{ stages.audio_separator.separate_vocals.output.vocal_audio }}"
	ctx.Stages["wservice.prepare_tts_segments"] = alias

	r := NewResolver(ctx)
	v, err := r.Resolve("${{ stages.wservice.prepare_tts_segments.output.best_audio }}")
	require.NoError(t, err)
	assert.Equal(t, "/share/workflows/t1/vocal.wav", v)
}

func TestResolveDetectsCycle(t *testing.T) {
	ctx := NewContext("t1", InputParams{TaskName: "x"}, "/share", time.Now())

	a := NewStageExecution(StageSuccess)
	a.Output["f"] = "${{ stages.b.node.output.g }}"
	ctx.Stages["a.node"] = a

	b := NewStageExecution(StageSuccess)
	b.Output["g"] = "${{ stages.a.node.output.f }}"
	ctx.Stages["b.node"] = b

	r := NewResolver(ctx)
	_, err := r.Resolve("${{ stages.a.node.output.f }}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cyclic")
}

func TestResolveMalformedPath(t *testing.T) {
	r := NewResolver(contextWithOutputs())
	_, err := r.Resolve("${{ outputs.a.b }}")
	assert.Error(t, err)

	_, err = r.Resolve("${{ stages.a.b }}")
	assert.Error(t, err)
}
