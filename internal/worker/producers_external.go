// SPDX-License-Identifier: MIT

package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/ManuGH/mediad/internal/artifact"
)

// BackendConfig names the external ML tools the subtitle and face producers
// shell out to. Empty binaries leave the producer registered but failing
// tool detection at batch submission.
type BackendConfig struct {
	SubtitleBin   string // e.g. "whisper", expected to emit SRT into an output dir
	SubtitleModel string // forwarded as --model when set
	FaceBin       string // expected to support "detect" and "embed" subcommands
}

// subtitlesWorker transcribes audio through the configured subtitle backend.
type subtitlesWorker struct {
	cfg BackendConfig
}

// NewSubtitlesWorker returns the producer for the subtitles kind.
func NewSubtitlesWorker(cfg BackendConfig) Worker {
	return &subtitlesWorker{cfg: cfg}
}

func (w *subtitlesWorker) Kind() artifact.Kind           { return artifact.KindSubtitles }
func (w *subtitlesWorker) ToolClass() artifact.ToolClass { return artifact.ToolSubtitleBackend }
func (w *subtitlesWorker) RequiredTools() []string       { return []string{w.cfg.SubtitleBin} }

func (w *subtitlesWorker) Validate(params Params) (Params, error) {
	if w.cfg.SubtitleBin == "" {
		return nil, fmt.Errorf("subtitles: no subtitle backend configured")
	}
	p := params.Clone()
	if lang := p.String("language", ""); len(lang) > 8 {
		return nil, fmt.Errorf("subtitles: param \"language\" is not a language tag: %q", lang)
	}
	return p, nil
}

func (w *subtitlesWorker) Plan(mediaPath string, _ Params) []string {
	return artifact.Sidecars(mediaPath, artifact.KindSubtitles)
}

func (w *subtitlesWorker) Run(ctx context.Context, rc *RunContext) (map[string]any, error) {
	src, err := rc.SourceAbs()
	if err != nil {
		return nil, err
	}

	args := []string{
		"--output_format", "srt",
		"--output_dir", rc.Workspace,
	}
	if w.cfg.SubtitleModel != "" {
		args = append(args, "--model", w.cfg.SubtitleModel)
	}
	if lang := rc.Params.String("language", ""); lang != "" {
		args = append(args, "--language", lang)
	}
	args = append(args, src)

	rc.Report(0, 1, "transcribing")
	if err := runBackend(ctx, w.cfg.SubtitleBin, args); err != nil {
		return nil, fmt.Errorf("subtitle backend for %s: %w", rc.MediaPath, err)
	}

	// The backend names its output after the source stem.
	produced := filepath.Join(rc.Workspace, artifact.Stem(rc.MediaPath)+".srt")
	if _, err := os.Stat(produced); err != nil {
		return nil, fmt.Errorf("subtitle backend produced no SRT for %s", rc.MediaPath)
	}
	if err := rc.PublishFile(produced, artifact.PrimarySidecar(rc.MediaPath, artifact.KindSubtitles)); err != nil {
		return nil, err
	}
	rc.Report(1, 1, "done")
	return nil, nil
}

// facesWorker runs the face backend's detector over the file.
type facesWorker struct {
	cfg BackendConfig
}

// NewFacesWorker returns the producer for the faces kind.
func NewFacesWorker(cfg BackendConfig) Worker {
	return &facesWorker{cfg: cfg}
}

func (w *facesWorker) Kind() artifact.Kind           { return artifact.KindFaces }
func (w *facesWorker) ToolClass() artifact.ToolClass { return artifact.ToolFaceBackend }
func (w *facesWorker) RequiredTools() []string       { return []string{w.cfg.FaceBin} }

func (w *facesWorker) Validate(params Params) (Params, error) {
	if w.cfg.FaceBin == "" {
		return nil, fmt.Errorf("faces: no face backend configured")
	}
	p := params.Clone()
	if c := p.Float("min_confidence", 0.5); c < 0 || c > 1 {
		return nil, fmt.Errorf("faces: param \"min_confidence\" out of range [0,1]: %v", p["min_confidence"])
	}
	return p, nil
}

func (w *facesWorker) Plan(mediaPath string, _ Params) []string {
	return artifact.Sidecars(mediaPath, artifact.KindFaces)
}

func (w *facesWorker) Run(ctx context.Context, rc *RunContext) (map[string]any, error) {
	src, err := rc.SourceAbs()
	if err != nil {
		return nil, err
	}
	out := rc.WorkPath("faces.json")
	args := []string{
		"detect",
		"--input", src,
		"--output", out,
		"--min-confidence", formatSeconds(rc.Params.Float("min_confidence", 0.5)),
	}
	rc.Report(0, 1, "detecting faces")
	if err := runBackend(ctx, w.cfg.FaceBin, args); err != nil {
		return nil, fmt.Errorf("face backend for %s: %w", rc.MediaPath, err)
	}
	if err := rc.PublishFile(out, artifact.PrimarySidecar(rc.MediaPath, artifact.KindFaces)); err != nil {
		return nil, err
	}
	rc.Report(1, 1, "done")
	return nil, nil
}

// embeddingsWorker runs the face backend's embedder, reusing a faces sidecar
// when one is already present.
type embeddingsWorker struct {
	cfg BackendConfig
}

// NewEmbeddingsWorker returns the producer for the embeddings kind.
func NewEmbeddingsWorker(cfg BackendConfig) Worker {
	return &embeddingsWorker{cfg: cfg}
}

func (w *embeddingsWorker) Kind() artifact.Kind           { return artifact.KindEmbeddings }
func (w *embeddingsWorker) ToolClass() artifact.ToolClass { return artifact.ToolFaceBackend }
func (w *embeddingsWorker) RequiredTools() []string       { return []string{w.cfg.FaceBin} }

func (w *embeddingsWorker) Validate(params Params) (Params, error) {
	if w.cfg.FaceBin == "" {
		return nil, fmt.Errorf("embeddings: no face backend configured")
	}
	return params.Clone(), nil
}

func (w *embeddingsWorker) Plan(mediaPath string, _ Params) []string {
	return artifact.Sidecars(mediaPath, artifact.KindEmbeddings)
}

func (w *embeddingsWorker) Run(ctx context.Context, rc *RunContext) (map[string]any, error) {
	src, err := rc.SourceAbs()
	if err != nil {
		return nil, err
	}
	out := rc.WorkPath("embeddings.json")
	args := []string{
		"embed",
		"--input", src,
		"--output", out,
	}
	// An existing faces sidecar spares the backend a second detection pass.
	facesRel := artifact.PrimarySidecar(rc.MediaPath, artifact.KindFaces)
	if facesAbs, err := rc.Resolver.Abs(facesRel); err == nil {
		if info, err := os.Stat(facesAbs); err == nil && info.Size() > 0 {
			args = append(args, "--faces", facesAbs)
		}
	}

	rc.Report(0, 1, "embedding")
	if err := runBackend(ctx, w.cfg.FaceBin, args); err != nil {
		return nil, fmt.Errorf("face backend for %s: %w", rc.MediaPath, err)
	}
	if err := rc.PublishFile(out, artifact.PrimarySidecar(rc.MediaPath, artifact.KindEmbeddings)); err != nil {
		return nil, err
	}
	rc.Report(1, 1, "done")
	return nil, nil
}

// runBackend executes an external backend binary, surfacing a stderr tail on
// failure and mapping kill-on-cancel back to the context error.
func runBackend(ctx context.Context, bin string, args []string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w (stderr tail: %s)", filepath.Base(bin), err, tail(stderr.String(), 400))
	}
	return nil
}

// RegisterDefaults registers one producer per artifact kind.
func RegisterDefaults(reg *Registry, runner *FFmpegRunner, backends BackendConfig) error {
	workers := []Worker{
		NewMetadataWorker(runner),
		NewThumbnailWorker(runner),
		NewPreviewWorker(runner),
		NewSpritesWorker(runner),
		NewHeatmapsWorker(runner),
		NewMarkersWorker(runner),
		NewPhashWorker(runner),
		NewSubtitlesWorker(backends),
		NewFacesWorker(backends),
		NewEmbeddingsWorker(backends),
	}
	for _, w := range workers {
		if err := reg.Register(w); err != nil {
			return err
		}
	}
	return nil
}
