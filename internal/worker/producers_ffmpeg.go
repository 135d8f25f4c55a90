// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/ManuGH/mediad/internal/artifact"
)

// metadataWorker extracts container/stream metadata via ffprobe.
type metadataWorker struct {
	runner *FFmpegRunner
}

// NewMetadataWorker returns the producer for the metadata kind.
func NewMetadataWorker(runner *FFmpegRunner) Worker {
	return &metadataWorker{runner: runner}
}

func (w *metadataWorker) Kind() artifact.Kind           { return artifact.KindMetadata }
func (w *metadataWorker) ToolClass() artifact.ToolClass { return artifact.ToolFFprobe }
func (w *metadataWorker) RequiredTools() []string       { return []string{w.runner.FFprobeBin} }

func (w *metadataWorker) Validate(params Params) (Params, error) {
	return params.Clone(), nil
}

func (w *metadataWorker) Plan(mediaPath string, _ Params) []string {
	return artifact.Sidecars(mediaPath, artifact.KindMetadata)
}

type mediaMetadata struct {
	Container       string  `json:"container"`
	DurationSeconds float64 `json:"duration_seconds"`
	SizeBytes       int64   `json:"size_bytes"`
	BitRate         int64   `json:"bit_rate,omitempty"`
	Video           *struct {
		Codec     string `json:"codec"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		FrameRate string `json:"frame_rate,omitempty"`
	} `json:"video,omitempty"`
	Audio *struct {
		Codec    string `json:"codec"`
		Channels int    `json:"channels"`
	} `json:"audio,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

func (w *metadataWorker) Run(ctx context.Context, rc *RunContext) (map[string]any, error) {
	src, err := rc.SourceAbs()
	if err != nil {
		return nil, err
	}
	rc.Report(0, 1, "probing")

	data, err := w.runner.Probe(ctx, src)
	if err != nil {
		return nil, err
	}

	meta := mediaMetadata{
		Container:       data.Format.FormatName,
		DurationSeconds: data.DurationSeconds(),
		GeneratedAt:     time.Now().UTC(),
	}
	if v, err := strconv.ParseInt(data.Format.Size, 10, 64); err == nil {
		meta.SizeBytes = v
	}
	if v, err := strconv.ParseInt(data.Format.BitRate, 10, 64); err == nil {
		meta.BitRate = v
	}
	for i := range data.Streams {
		s := &data.Streams[i]
		switch s.CodecType {
		case "video":
			if meta.Video == nil {
				meta.Video = &struct {
					Codec     string `json:"codec"`
					Width     int    `json:"width"`
					Height    int    `json:"height"`
					FrameRate string `json:"frame_rate,omitempty"`
				}{Codec: s.CodecName, Width: s.Width, Height: s.Height, FrameRate: s.RFrameRate}
			}
		case "audio":
			if meta.Audio == nil {
				meta.Audio = &struct {
					Codec    string `json:"codec"`
					Channels int    `json:"channels"`
				}{Codec: s.CodecName, Channels: s.Channels}
			}
		}
	}

	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	if err := rc.PublishBytes(rc.Resolver.Primary(rc.MediaPath, artifact.KindMetadata), payload); err != nil {
		return nil, err
	}
	rc.Report(1, 1, "done")
	return map[string]any{"duration_seconds": meta.DurationSeconds}, nil
}

// thumbnailWorker grabs one still frame near the configured timestamp.
type thumbnailWorker struct {
	runner *FFmpegRunner
}

// NewThumbnailWorker returns the producer for the thumbnail kind.
func NewThumbnailWorker(runner *FFmpegRunner) Worker {
	return &thumbnailWorker{runner: runner}
}

func (w *thumbnailWorker) Kind() artifact.Kind           { return artifact.KindThumbnail }
func (w *thumbnailWorker) ToolClass() artifact.ToolClass { return artifact.ToolFFmpeg }
func (w *thumbnailWorker) RequiredTools() []string {
	return []string{w.runner.FFmpegBin, w.runner.FFprobeBin}
}

func (w *thumbnailWorker) Validate(params Params) (Params, error) {
	p := params.Clone()
	if at := p.Float("at", -1); at != -1 && at < 0 {
		return nil, fmt.Errorf("thumbnail: param \"at\" must be >= 0 seconds, got %v", p["at"])
	}
	if width := p.Float("width", 320); width < 16 || width > 3840 {
		return nil, fmt.Errorf("thumbnail: param \"width\" out of range [16,3840]: %v", p["width"])
	}
	return p, nil
}

func (w *thumbnailWorker) Plan(mediaPath string, _ Params) []string {
	return artifact.Sidecars(mediaPath, artifact.KindThumbnail)
}

func (w *thumbnailWorker) Run(ctx context.Context, rc *RunContext) (map[string]any, error) {
	src, err := rc.SourceAbs()
	if err != nil {
		return nil, err
	}

	at := rc.Params.Float("at", -1)
	if at < 0 {
		probe, err := w.runner.Probe(ctx, src)
		if err != nil {
			return nil, err
		}
		at = probe.DurationSeconds() / 2
	}
	width := int(rc.Params.Float("width", 320))

	out := rc.WorkPath("thumbnail.jpg")
	args := []string{
		"-ss", formatSeconds(at),
		"-i", src,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:-2", width),
		"-q:v", "4",
		"-y", out,
	}
	rc.Report(0, 1, "extracting frame")
	if err := w.runner.Run(ctx, args, nil); err != nil {
		return nil, err
	}
	if err := rc.PublishFile(out, rc.Resolver.Primary(rc.MediaPath, artifact.KindThumbnail)); err != nil {
		return nil, err
	}
	rc.Report(1, 1, "done")
	return nil, nil
}

// previewWorker renders a short muted hover-preview clip.
type previewWorker struct {
	runner *FFmpegRunner
}

// NewPreviewWorker returns the producer for the preview kind.
func NewPreviewWorker(runner *FFmpegRunner) Worker {
	return &previewWorker{runner: runner}
}

func (w *previewWorker) Kind() artifact.Kind           { return artifact.KindPreview }
func (w *previewWorker) ToolClass() artifact.ToolClass { return artifact.ToolFFmpeg }
func (w *previewWorker) RequiredTools() []string {
	return []string{w.runner.FFmpegBin, w.runner.FFprobeBin}
}

func (w *previewWorker) Validate(params Params) (Params, error) {
	p := params.Clone()
	if d := p.Float("duration", 8); d <= 0 || d > 120 {
		return nil, fmt.Errorf("preview: param \"duration\" out of range (0,120]: %v", p["duration"])
	}
	switch c := p.String("container", "webm"); c {
	case "webm", "mp4":
	default:
		return nil, fmt.Errorf("preview: param \"container\" must be webm or mp4, got %q", c)
	}
	return p, nil
}

// Plan is params-sensitive: the clip is published under the container the
// request asked for, so only that sidecar is promised.
func (w *previewWorker) Plan(mediaPath string, params Params) []string {
	sidecars := artifact.Sidecars(mediaPath, artifact.KindPreview)
	if params.String("container", "webm") == "mp4" {
		return sidecars[1:2]
	}
	return sidecars[0:1]
}

func (w *previewWorker) Run(ctx context.Context, rc *RunContext) (map[string]any, error) {
	src, err := rc.SourceAbs()
	if err != nil {
		return nil, err
	}
	probe, err := w.runner.Probe(ctx, src)
	if err != nil {
		return nil, err
	}
	total := probe.DurationSeconds()
	clip := rc.Params.Float("duration", 8)
	start := total * 0.3
	if start+clip > total {
		start = math.Max(0, total-clip)
	}

	container := rc.Params.String("container", "webm")
	sidecars := rc.Resolver.Resolve(rc.MediaPath, artifact.KindPreview)
	target := sidecars[0] // .webm primary
	codec := []string{"-c:v", "libvpx-vp9", "-b:v", "0", "-crf", "40"}
	if container == "mp4" {
		target = sidecars[1]
		codec = []string{"-c:v", "libx264", "-crf", "28", "-preset", "veryfast", "-movflags", "+faststart"}
	}

	out := rc.WorkPath("preview." + container)
	args := []string{
		"-ss", formatSeconds(start),
		"-t", formatSeconds(clip),
		"-i", src,
		"-an",
		"-vf", "scale=480:-2",
	}
	args = append(args, codec...)
	args = append(args, "-y", out)

	clipUs := int64(clip * 1e6)
	if err := w.runner.Run(ctx, args, func(p FFmpegProgress) {
		rc.Report(p.OutTimeUs, clipUs, "encoding")
	}); err != nil {
		return nil, err
	}
	if err := rc.PublishFile(out, target); err != nil {
		return nil, err
	}
	rc.Report(clipUs, clipUs, "done")
	return map[string]any{"container": container}, nil
}

// spritesWorker renders a tiled sprite sheet plus its JSON index.
type spritesWorker struct {
	runner *FFmpegRunner
}

// NewSpritesWorker returns the producer for the sprites kind.
func NewSpritesWorker(runner *FFmpegRunner) Worker {
	return &spritesWorker{runner: runner}
}

func (w *spritesWorker) Kind() artifact.Kind           { return artifact.KindSprites }
func (w *spritesWorker) ToolClass() artifact.ToolClass { return artifact.ToolFFmpeg }
func (w *spritesWorker) RequiredTools() []string {
	return []string{w.runner.FFmpegBin, w.runner.FFprobeBin}
}

func (w *spritesWorker) Validate(params Params) (Params, error) {
	p := params.Clone()
	if iv := p.Float("interval", 0); iv < 0 {
		return nil, fmt.Errorf("sprites: param \"interval\" must be > 0 seconds, got %v", p["interval"])
	}
	if cols := p.Float("columns", 10); cols < 1 || cols > 20 {
		return nil, fmt.Errorf("sprites: param \"columns\" out of range [1,20]: %v", p["columns"])
	}
	return p, nil
}

func (w *spritesWorker) Plan(mediaPath string, _ Params) []string {
	return artifact.Sidecars(mediaPath, artifact.KindSprites)
}

type spriteIndex struct {
	IntervalSeconds float64 `json:"interval_seconds"`
	Columns         int     `json:"columns"`
	Rows            int     `json:"rows"`
	Count           int     `json:"count"`
	TileWidth       int     `json:"tile_width"`
	TileHeight      int     `json:"tile_height"`
	DurationSeconds float64 `json:"duration_seconds"`
}

func (w *spritesWorker) Run(ctx context.Context, rc *RunContext) (map[string]any, error) {
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
		return nil, fmt.Errorf("sprites: source %s has no measurable duration", rc.MediaPath)
	}

	cols := int(rc.Params.Float("columns", 10))
	interval := rc.Params.Float("interval", 0)
	if interval <= 0 {
		// Aim for one full grid of cols*cols tiles across the runtime.
		interval = math.Max(1, total/float64(cols*cols))
	}
	count := int(math.Ceil(total / interval))
	if count < 1 {
		count = 1
	}
	rows := (count + cols - 1) / cols

	tileW := 160
	tileH := 90
	if v := probe; v != nil {
		for _, s := range v.Streams {
			if s.CodecType == "video" && s.Width > 0 {
				h := int(math.Round(float64(tileW) * float64(s.Height) / float64(s.Width)))
				tileH = h - h%2
				break
			}
		}
	}

	sheet := rc.WorkPath("sprites.jpg")
	args := []string{
		"-i", src,
		"-vf", fmt.Sprintf("fps=1/%s,scale=%d:-2,tile=%dx%d", formatSeconds(interval), tileW, cols, rows),
		"-frames:v", "1",
		"-q:v", "5",
		"-y", sheet,
	}
	totalUs := int64(total * 1e6)
	if err := w.runner.Run(ctx, args, func(p FFmpegProgress) {
		rc.Report(p.OutTimeUs, totalUs, "tiling")
	}); err != nil {
		return nil, err
	}

	idx := spriteIndex{
		IntervalSeconds: interval,
		Columns:         cols,
		Rows:            rows,
		Count:           count,
		TileWidth:       tileW,
		TileHeight:      tileH,
		DurationSeconds: total,
	}
	idxJSON, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode sprite index: %w", err)
	}

	sidecars := rc.Resolver.Resolve(rc.MediaPath, artifact.KindSprites)
	if err := rc.PublishFile(sheet, sidecars[0]); err != nil {
		return nil, err
	}
	if err := rc.PublishBytes(sidecars[1], idxJSON); err != nil {
		return nil, err
	}
	rc.Report(totalUs, totalUs, "done")
	return map[string]any{"count": count}, nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
