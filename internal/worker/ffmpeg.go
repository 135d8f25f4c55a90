// SPDX-License-Identifier: MIT

package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// FFmpegProgress is one parsed `-progress pipe:1` block.
type FFmpegProgress struct {
	Frame     int
	OutTimeUs int64
	TotalSize int64
	Speed     string
}

func (p FFmpegProgress) hasAdvanced(prev FFmpegProgress) bool {
	return p.OutTimeUs > prev.OutTimeUs || p.TotalSize > prev.TotalSize || p.Frame > prev.Frame
}

// FFmpegRunner supervises ffmpeg/ffprobe subprocesses: progress parsing,
// stall detection, and kill-on-cancel. Tool timeouts are enforced by the
// scheduler through the context deadline.
type FFmpegRunner struct {
	FFmpegBin    string
	FFprobeBin   string
	StartupGrace time.Duration
	StallTimeout time.Duration
	Logger       zerolog.Logger
}

// NewFFmpegRunner returns a runner with sane supervision defaults.
func NewFFmpegRunner(ffmpegBin, ffprobeBin string, logger zerolog.Logger) *FFmpegRunner {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	if ffprobeBin == "" {
		ffprobeBin = "ffprobe"
	}
	return &FFmpegRunner{
		FFmpegBin:    ffmpegBin,
		FFprobeBin:   ffprobeBin,
		StartupGrace: 30 * time.Second,
		StallTimeout: 5 * time.Minute,
		Logger:       logger,
	}
}

// Run executes ffmpeg with the given args. onProgress (may be nil) receives
// each flushed progress block and doubles as the cancellation checkpoint
// required at least every progress update.
func (r *FFmpegRunner) Run(ctx context.Context, args []string, onProgress func(FFmpegProgress)) error {
	fullArgs := append([]string{"-nostdin", "-hide_banner", "-progress", "pipe:1"}, args...)
	cmd := exec.CommandContext(ctx, r.FFmpegBin, fullArgs...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	progressCh := make(chan FFmpegProgress, 100)
	go func() {
		defer close(progressCh)
		parseFFmpegProgress(stdout, progressCh)
	}()

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	err = r.watch(ctx, done, progressCh, cmd.Process, onProgress)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg: %w (stderr tail: %s)", err, tail(stderrBuf.String(), 400))
	}
	return nil
}

// watch monitors progress and kills the process on stall or cancellation.
func (r *FFmpegRunner) watch(
	ctx context.Context,
	done <-chan error,
	progressCh <-chan FFmpegProgress,
	proc *os.Process,
	onProgress func(FFmpegProgress),
) error {
	start := time.Now()
	lastProgressAt := start
	var last FFmpegProgress

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return err

		case <-ctx.Done():
			if proc != nil {
				_ = proc.Kill()
			}
			<-done
			return ctx.Err()

		case p, ok := <-progressCh:
			if !ok {
				continue
			}
			if p.hasAdvanced(last) {
				last = p
				lastProgressAt = time.Now()
			}
			if onProgress != nil {
				onProgress(p)
			}

		case <-ticker.C:
			if time.Since(start) < r.StartupGrace {
				continue
			}
			if time.Since(lastProgressAt) > r.StallTimeout {
				r.Logger.Error().
					Dur("since_progress", time.Since(lastProgressAt)).
					Int64("last_out_time_us", last.OutTimeUs).
					Str("last_speed", last.Speed).
					Msg("ffmpeg stalled, killing process")
				if proc != nil {
					_ = proc.Kill()
				}
				<-done
				return fmt.Errorf("ffmpeg stalled")
			}
		}
	}
}

// parseFFmpegProgress reads key=value lines from r and flushes one
// FFmpegProgress per `progress=` marker.
func parseFFmpegProgress(r io.Reader, ch chan<- FFmpegProgress) {
	scanner := bufio.NewScanner(r)
	var current FFmpegProgress

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, val := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])

		switch key {
		case "frame":
			if v, err := strconv.Atoi(val); err == nil {
				current.Frame = v
			}
		case "out_time_us":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				current.OutTimeUs = v
			}
		case "total_size":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				current.TotalSize = v
			}
		case "speed":
			current.Speed = val
		case "progress":
			ch <- current
		}
	}
}

// ProbeData is the subset of ffprobe output the metadata producer persists.
type ProbeData struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width,omitempty"`
		Height     int    `json:"height,omitempty"`
		RFrameRate string `json:"r_frame_rate,omitempty"`
		Channels   int    `json:"channels,omitempty"`
	} `json:"streams"`
}

// DurationSeconds parses the container duration, or 0 when unknown.
func (d *ProbeData) DurationSeconds() float64 {
	v, err := strconv.ParseFloat(d.Format.Duration, 64)
	if err != nil {
		return 0
	}
	return v
}

// Probe runs ffprobe against the absolute source path.
func (r *FFmpegRunner) Probe(ctx context.Context, srcAbs string) (*ProbeData, error) {
	cmd := exec.CommandContext(ctx, r.FFprobeBin,
		"-v", "error",
		"-show_format",
		"-show_streams",
		"-print_format", "json",
		srcAbs,
	)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ffprobe: %w (stderr tail: %s)", err, tail(stderr.String(), 400))
	}

	var data ProbeData
	if err := json.Unmarshal(out.Bytes(), &data); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	return &data, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
