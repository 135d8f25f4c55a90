// SPDX-License-Identifier: MIT

package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/ManuGH/mediad/internal/artifact"
)

// heatmapsWorker samples per-second brightness and motion from signalstats
// and renders them as a JSON series plus a strip PNG.
type heatmapsWorker struct {
	runner *FFmpegRunner
}

// NewHeatmapsWorker returns the producer for the heatmaps kind.
func NewHeatmapsWorker(runner *FFmpegRunner) Worker {
	return &heatmapsWorker{runner: runner}
}

func (w *heatmapsWorker) Kind() artifact.Kind           { return artifact.KindHeatmaps }
func (w *heatmapsWorker) ToolClass() artifact.ToolClass { return artifact.ToolFFmpeg }
func (w *heatmapsWorker) RequiredTools() []string {
	return []string{w.runner.FFmpegBin, w.runner.FFprobeBin}
}

func (w *heatmapsWorker) Validate(params Params) (Params, error) {
	p := params.Clone()
	if fps := p.Float("sample_fps", 1); fps <= 0 || fps > 30 {
		return nil, fmt.Errorf("heatmaps: param \"sample_fps\" out of range (0,30]: %v", p["sample_fps"])
	}
	return p, nil
}

func (w *heatmapsWorker) Plan(mediaPath string, _ Params) []string {
	return artifact.Sidecars(mediaPath, artifact.KindHeatmaps)
}

type heatmapSample struct {
	T          float64 `json:"t"`
	Brightness float64 `json:"brightness"` // YAVG, 0..255
	Motion     float64 `json:"motion"`     // YDIF, 0..255
}

type heatmapSeries struct {
	SampleFPS float64         `json:"sample_fps"`
	Samples   []heatmapSample `json:"samples"`
}

func (w *heatmapsWorker) Run(ctx context.Context, rc *RunContext) (map[string]any, error) {
	src, err := rc.SourceAbs()
	if err != nil {
		return nil, err
	}
	probe, err := w.runner.Probe(ctx, src)
	if err != nil {
		return nil, err
	}
	totalUs := int64(probe.DurationSeconds() * 1e6)

	fps := rc.Params.Float("sample_fps", 1)
	statsFile := rc.WorkPath("signalstats.txt")
	args := []string{
		"-i", src,
		"-vf", fmt.Sprintf("fps=%s,signalstats,metadata=print:file=%s", formatSeconds(fps), statsFile),
		"-an", "-f", "null", "-",
	}
	if err := w.runner.Run(ctx, args, func(p FFmpegProgress) {
		rc.Report(p.OutTimeUs, totalUs, "sampling")
	}); err != nil {
		return nil, err
	}

	samples, err := parseSignalStats(statsFile)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("heatmaps: no samples extracted from %s", rc.MediaPath)
	}

	series := heatmapSeries{SampleFPS: fps, Samples: samples}
	payload, err := json.MarshalIndent(series, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode heatmap series: %w", err)
	}

	strip, err := renderHeatmapStrip(samples)
	if err != nil {
		return nil, err
	}

	sidecars := artifact.Sidecars(rc.MediaPath, artifact.KindHeatmaps)
	if err := rc.PublishBytes(sidecars[0], payload); err != nil {
		return nil, err
	}
	if err := rc.PublishBytes(sidecars[1], strip); err != nil {
		return nil, err
	}
	rc.Report(totalUs, totalUs, "done")
	return map[string]any{"samples": len(samples)}, nil
}

// parseSignalStats reads ffmpeg metadata=print output: a "frame:N pts_time:T"
// header line followed by one "lavfi.signalstats.KEY=V" line per stat.
func parseSignalStats(path string) ([]heatmapSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open signalstats output: %w", err)
	}
	defer func() { _ = f.Close() }()

	var samples []heatmapSample
	var cur *heatmapSample

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "frame:"):
			if cur != nil {
				samples = append(samples, *cur)
			}
			cur = &heatmapSample{}
			for _, field := range strings.Fields(line) {
				if v, ok := strings.CutPrefix(field, "pts_time:"); ok {
					if t, err := strconv.ParseFloat(v, 64); err == nil {
						cur.T = t
					}
				}
			}
		case strings.HasPrefix(line, "lavfi.signalstats.YAVG="):
			if cur != nil {
				if v, err := strconv.ParseFloat(strings.TrimPrefix(line, "lavfi.signalstats.YAVG="), 64); err == nil {
					cur.Brightness = v
				}
			}
		case strings.HasPrefix(line, "lavfi.signalstats.YDIF="):
			if cur != nil {
				if v, err := strconv.ParseFloat(strings.TrimPrefix(line, "lavfi.signalstats.YDIF="), 64); err == nil {
					cur.Motion = v
				}
			}
		}
	}
	if cur != nil {
		samples = append(samples, *cur)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read signalstats output: %w", err)
	}
	return samples, nil
}

// renderHeatmapStrip draws one column per sample: hue from motion, value
// from brightness. Height fixed at 32px for a compact UI strip.
func renderHeatmapStrip(samples []heatmapSample) ([]byte, error) {
	const height = 32
	img := image.NewRGBA(image.Rect(0, 0, len(samples), height))
	for x, s := range samples {
		b := uint8(math.Min(255, s.Brightness))
		m := uint8(math.Min(255, s.Motion*4)) // YDIF rarely exceeds 64
		c := color.RGBA{R: m, G: b, B: 255 - m, A: 255}
		for y := 0; y < height; y++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode heatmap strip: %w", err)
	}
	return buf.Bytes(), nil
}

// markersWorker detects scene cuts and stores them as the canonical markers
// sidecar. Markers are never embedded in the metadata sidecar.
type markersWorker struct {
	runner *FFmpegRunner
}

// NewMarkersWorker returns the producer for the markers kind.
func NewMarkersWorker(runner *FFmpegRunner) Worker {
	return &markersWorker{runner: runner}
}

func (w *markersWorker) Kind() artifact.Kind           { return artifact.KindMarkers }
func (w *markersWorker) ToolClass() artifact.ToolClass { return artifact.ToolFFmpeg }
func (w *markersWorker) RequiredTools() []string {
	return []string{w.runner.FFmpegBin, w.runner.FFprobeBin}
}

func (w *markersWorker) Validate(params Params) (Params, error) {
	p := params.Clone()
	if th := p.Float("threshold", 0.4); th <= 0 || th >= 1 {
		return nil, fmt.Errorf("markers: param \"threshold\" out of range (0,1): %v", p["threshold"])
	}
	return p, nil
}

func (w *markersWorker) Plan(mediaPath string, _ Params) []string {
	return artifact.Sidecars(mediaPath, artifact.KindMarkers)
}

type sceneMarker struct {
	Time  float64 `json:"time"`
	Score float64 `json:"score"`
}

func (w *markersWorker) Run(ctx context.Context, rc *RunContext) (map[string]any, error) {
	src, err := rc.SourceAbs()
	if err != nil {
		return nil, err
	}
	probe, err := w.runner.Probe(ctx, src)
	if err != nil {
		return nil, err
	}
	totalUs := int64(probe.DurationSeconds() * 1e6)

	threshold := rc.Params.Float("threshold", 0.4)
	scenesFile := rc.WorkPath("scenes.txt")
	args := []string{
		"-i", src,
		"-vf", fmt.Sprintf("select='gt(scene,%s)',metadata=print:file=%s", formatSeconds(threshold), scenesFile),
		"-an", "-f", "null", "-",
	}
	if err := w.runner.Run(ctx, args, func(p FFmpegProgress) {
		rc.Report(p.OutTimeUs, totalUs, "detecting scenes")
	}); err != nil {
		return nil, err
	}

	markers, err := parseSceneMarkers(scenesFile)
	if err != nil {
		return nil, err
	}

	payload, err := json.MarshalIndent(struct {
		Threshold float64       `json:"threshold"`
		Markers   []sceneMarker `json:"markers"`
	}{Threshold: threshold, Markers: markers}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode markers: %w", err)
	}
	if err := rc.PublishBytes(artifact.PrimarySidecar(rc.MediaPath, artifact.KindMarkers), payload); err != nil {
		return nil, err
	}
	rc.Report(totalUs, totalUs, "done")
	return map[string]any{"markers": len(markers)}, nil
}

func parseSceneMarkers(path string) ([]sceneMarker, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No cuts above threshold: ffmpeg writes nothing at all.
			return []sceneMarker{}, nil
		}
		return nil, fmt.Errorf("open scene output: %w", err)
	}
	defer func() { _ = f.Close() }()

	markers := []sceneMarker{}
	var cur *sceneMarker

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "frame:"):
			if cur != nil {
				markers = append(markers, *cur)
			}
			cur = &sceneMarker{}
			for _, field := range strings.Fields(line) {
				if v, ok := strings.CutPrefix(field, "pts_time:"); ok {
					if t, err := strconv.ParseFloat(v, 64); err == nil {
						cur.Time = t
					}
				}
			}
		case strings.HasPrefix(line, "lavfi.scene_score="):
			if cur != nil {
				if v, err := strconv.ParseFloat(strings.TrimPrefix(line, "lavfi.scene_score="), 64); err == nil {
					cur.Score = v
				}
			}
		}
	}
	if cur != nil {
		markers = append(markers, *cur)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read scene output: %w", err)
	}
	return markers, nil
}

// phashWorker computes a perceptual hash from a handful of downscaled
// grayscale frames spread across the runtime.
type phashWorker struct {
	runner *FFmpegRunner
}

// NewPhashWorker returns the producer for the phash kind.
func NewPhashWorker(runner *FFmpegRunner) Worker {
	return &phashWorker{runner: runner}
}

func (w *phashWorker) Kind() artifact.Kind           { return artifact.KindPhash }
func (w *phashWorker) ToolClass() artifact.ToolClass { return artifact.ToolFFmpeg }
func (w *phashWorker) RequiredTools() []string {
	return []string{w.runner.FFmpegBin, w.runner.FFprobeBin}
}

func (w *phashWorker) Validate(params Params) (Params, error) {
	p := params.Clone()
	if n := p.Float("frames", 5); n < 1 || n > 16 {
		return nil, fmt.Errorf("phash: param \"frames\" out of range [1,16]: %v", p["frames"])
	}
	return p, nil
}

func (w *phashWorker) Plan(mediaPath string, _ Params) []string {
	return artifact.Sidecars(mediaPath, artifact.KindPhash)
}

type phashFrame struct {
	T    float64 `json:"t"`
	Hash string  `json:"hash"`
}

func (w *phashWorker) Run(ctx context.Context, rc *RunContext) (map[string]any, error) {
	src, err := rc.SourceAbs()
	if err != nil {
		return nil, err
	}
	probe, err := w.runner.Probe(ctx, src)
	if err != nil {
		return nil, err
	}
	total := probe.DurationSeconds()
	if total <= 0 {
		return nil, fmt.Errorf("phash: source %s has no measurable duration", rc.MediaPath)
	}

	n := int(rc.Params.Float("frames", 5))
	frames := make([]phashFrame, 0, n)
	for i := 0; i < n; i++ {
		if err := CheckCancel(ctx); err != nil {
			return nil, err
		}
		// Spread sample points away from the very start and end.
		t := total * (float64(i) + 0.5) / float64(n)
		raw, err := w.extractGrayFrame(ctx, src, t)
		if err != nil {
			return nil, err
		}
		frames = append(frames, phashFrame{T: t, Hash: averageHash(raw)})
		rc.Report(int64(i+1), int64(n), "hashing")
	}

	payload, err := json.MarshalIndent(struct {
		Algorithm string       `json:"algorithm"`
		Frames    []phashFrame `json:"frames"`
		Combined  string       `json:"combined"`
	}{Algorithm: "ahash-8x8", Frames: frames, Combined: combineHashes(frames)}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode phash: %w", err)
	}
	if err := rc.PublishBytes(artifact.PrimarySidecar(rc.MediaPath, artifact.KindPhash), payload); err != nil {
		return nil, err
	}
	return nil, nil
}

// extractGrayFrame decodes one 8x8 grayscale frame at t as 64 raw bytes.
func (w *phashWorker) extractGrayFrame(ctx context.Context, srcAbs string, t float64) ([]byte, error) {
	cmd := exec.CommandContext(ctx, w.runner.FFmpegBin,
		"-nostdin", "-hide_banner", "-v", "error",
		"-ss", formatSeconds(t),
		"-i", srcAbs,
		"-frames:v", "1",
		"-vf", "scale=8:8",
		"-pix_fmt", "gray",
		"-f", "rawvideo", "-",
	)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("extract frame at %.3fs: %w (stderr tail: %s)", t, err, tail(stderr.String(), 200))
	}
	raw := out.Bytes()
	if len(raw) < 64 {
		return nil, fmt.Errorf("extract frame at %.3fs: short read (%d bytes)", t, len(raw))
	}
	return raw[:64], nil
}

// averageHash sets one bit per pixel above the frame mean, hex encoded.
func averageHash(raw []byte) string {
	var sum int
	for _, b := range raw {
		sum += int(b)
	}
	mean := byte(sum / len(raw))

	var bits uint64
	for i, b := range raw {
		if b > mean {
			bits |= 1 << uint(63-i)
		}
	}
	return fmt.Sprintf("%016x", bits)
}

// combineHashes takes the per-bit majority across frames.
func combineHashes(frames []phashFrame) string {
	if len(frames) == 0 {
		return ""
	}
	counts := make([]int, 64)
	for _, f := range frames {
		v, err := strconv.ParseUint(f.Hash, 16, 64)
		if err != nil {
			continue
		}
		for i := 0; i < 64; i++ {
			if v&(1<<uint(63-i)) != 0 {
				counts[i]++
			}
		}
	}
	var bits uint64
	for i, c := range counts {
		if c*2 > len(frames) {
			bits |= 1 << uint(63-i)
		}
	}
	return fmt.Sprintf("%016x", bits)
}
