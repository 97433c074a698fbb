package nodes

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSRTTimestampFormatting(t *testing.T) {
	assert.Equal(t, "00:00:00,000", srtTimestamp(0))
	assert.Equal(t, "00:00:01,500", srtTimestamp(1.5))
	assert.Equal(t, "01:02:03,250", srtTimestamp(3723.25))
	assert.Equal(t, "00:00:00,000", srtTimestamp(-1))
}

func TestSRTTimestampRoundTrip(t *testing.T) {
	for _, seconds := range []float64{0, 0.001, 1.5, 59.999, 3600, 3723.25} {
		parsed, err := parseSRTTimestamp(srtTimestamp(seconds))
		require.NoError(t, err)
		assert.InDelta(t, seconds, parsed, 0.001)
	}
}

func TestFormatAndParseSRT(t *testing.T) {
	segments := []Segment{
		{Start: 0, End: 2, Text: "first line", Speaker: "SPEAKER_00"},
		{Start: 2.5, End: 4, Text: "second"},
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "out.srt")
	require.NoError(t, WriteSRT(path, segments))

	parsed, err := ParseSRTFile(path)
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.Equal(t, "first line", parsed[0].Text)
	assert.Equal(t, "SPEAKER_00", parsed[0].Speaker)
	assert.InDelta(t, 2.5, parsed[1].Start, 0.001)
	assert.Empty(t, parsed[1].Speaker)
}

func TestParseSRTTimestampRejectsGarbage(t *testing.T) {
	_, err := parseSRTTimestamp("garbage")
	assert.Error(t, err)
}
