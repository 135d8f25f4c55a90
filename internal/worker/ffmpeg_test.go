// SPDX-License-Identifier: MIT

package worker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFFmpegProgress(t *testing.T) {
	input := strings.Join([]string{
		"frame=10",
		"out_time_us=400000",
		"total_size=1024",
		"speed=2.5x",
		"progress=continue",
		"",
		"frame=20",
		"out_time_us=800000",
		"garbage line without equals",
		"total_size=2048",
		"speed=2.4x",
		"progress=end",
	}, "\n")

	ch := make(chan FFmpegProgress, 10)
	parseFFmpegProgress(strings.NewReader(input), ch)
	close(ch)

	var blocks []FFmpegProgress
	for p := range ch {
		blocks = append(blocks, p)
	}
	require.Len(t, blocks, 2, "one block per progress= marker")

	assert.Equal(t, 10, blocks[0].Frame)
	assert.Equal(t, int64(400000), blocks[0].OutTimeUs)
	assert.Equal(t, int64(1024), blocks[0].TotalSize)
	assert.Equal(t, "2.5x", blocks[0].Speed)

	assert.Equal(t, 20, blocks[1].Frame)
	assert.Equal(t, int64(800000), blocks[1].OutTimeUs)
	assert.Equal(t, int64(2048), blocks[1].TotalSize)
}

func TestParseFFmpegProgressNoMarker(t *testing.T) {
	ch := make(chan FFmpegProgress, 1)
	parseFFmpegProgress(strings.NewReader("frame=5\nout_time_us=100\n"), ch)
	close(ch)
	_, open := <-ch
	assert.False(t, open, "no flush without a progress= line")
}

func TestProgressHasAdvanced(t *testing.T) {
	base := FFmpegProgress{Frame: 10, OutTimeUs: 1000, TotalSize: 500}

	assert.False(t, base.hasAdvanced(base))
	assert.True(t, FFmpegProgress{Frame: 11, OutTimeUs: 1000, TotalSize: 500}.hasAdvanced(base))
	assert.True(t, FFmpegProgress{Frame: 10, OutTimeUs: 1001, TotalSize: 500}.hasAdvanced(base))
	assert.True(t, FFmpegProgress{Frame: 10, OutTimeUs: 1000, TotalSize: 501}.hasAdvanced(base))
	assert.False(t, FFmpegProgress{Frame: 9, OutTimeUs: 900, TotalSize: 400}.hasAdvanced(base))
}

func TestProbeDataDurationSeconds(t *testing.T) {
	var d ProbeData
	assert.Equal(t, 0.0, d.DurationSeconds(), "empty duration reads as zero")

	d.Format.Duration = "123.456000"
	assert.InDelta(t, 123.456, d.DurationSeconds(), 1e-9)

	d.Format.Duration = "N/A"
	assert.Equal(t, 0.0, d.DurationSeconds())
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", tail("short", 100))
	assert.Equal(t, "cdef", tail("abcdef", 4))
	assert.Equal(t, "trimmed", tail("  trimmed \n", 100))
}

func TestNewFFmpegRunnerDefaults(t *testing.T) {
	r := NewFFmpegRunner("", "", testLogger())
	assert.Equal(t, "ffmpeg", r.FFmpegBin)
	assert.Equal(t, "ffprobe", r.FFprobeBin)

	r = NewFFmpegRunner("/opt/ffmpeg", "/opt/ffprobe", testLogger())
	assert.Equal(t, "/opt/ffmpeg", r.FFmpegBin)
	assert.Equal(t, "/opt/ffprobe", r.FFprobeBin)
}
