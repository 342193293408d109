// Package pipeline encodes batches of image files to JPEG 2000 with a
// bounded number of workers. Inputs with identical content are encoded once.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/jpfielding/jp2.go/pkg/jp2"
	"github.com/jpfielding/jp2.go/pkg/util"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Settings are the encoder options shared by every image of a batch
type Settings struct {
	Resolutions int // 0 keeps the default
	Ratios      []float64
	Qualities   []float64
	Format      jp2.OutputFormat
	Progression jp2.Progression
	Comment     string
	XMP         []byte
}

// Config builds the encoder configuration for one image size
func (s Settings) Config(width, height int) (jp2.EncoderConfig, error) {
	b := jp2.NewEncoderConfig().
		WithCompressionRatios(s.Ratios...).
		WithVisualQualities(s.Qualities...).
		WithOutputFormat(s.Format).
		WithProgression(s.Progression).
		WithComment(s.Comment).
		WithXMP(s.XMP)
	if s.Resolutions != 0 {
		b.WithNumResolutions(s.Resolutions)
	}
	return b.Build(width, height)
}

// Ext is the file extension for the output format
func (s Settings) Ext() string {
	if s.Format == jp2.FormatJ2K {
		return ".j2k"
	}
	return ".jp2"
}

// LoadImage decodes any registered image format, JPEG 2000 included
func LoadImage(data []byte) (image.Image, string, error) {
	if jp2.IsJPEG2000(data) {
		img, err := jp2.NewDecoder(jp2.DecoderConfig{}).DecodeBytes(data)
		if err != nil {
			return nil, "", err
		}
		return img, "jpeg2000", nil
	}
	return image.Decode(bytes.NewReader(data))
}

// Config controls a batch run
type Config struct {
	OutDir           string
	Workers          int // 0 uses one worker per CPU
	Settings         Settings
	ContentAddressed bool // name outputs <stem>.<hash><ext>
}

// Result reports the outcome for one input
type Result struct {
	Input       string
	Output      string
	Bytes       int64
	Hash        string // xxHash64 of the input
	DuplicateOf string // input already encoded with the same content
	Err         error
}

// Run encodes every input into cfg.OutDir. Failed inputs are reported in
// their Result; Run itself fails only when nothing could be encoded.
func Run(ctx context.Context, inputs []string, cfg Config) ([]Result, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no inputs")
	}
	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("output dir: %w", err)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	results := make([]Result, len(inputs))
	seen := util.NewDedupe()
	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for i, in := range inputs {
		wg.Add(1)
		go func(idx int, path string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := ctx.Err(); err != nil {
				results[idx] = Result{Input: path, Err: err}
				return
			}
			results[idx] = encodeOne(ctx, path, cfg, seen)
		}(i, in)
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			slog.WarnContext(ctx, "batch input failed", "input", r.Input, "error", r.Err)
		}
	}
	if failed == len(results) {
		return results, fmt.Errorf("all %d inputs failed", failed)
	}
	return results, nil
}

func encodeOne(ctx context.Context, path string, cfg Config, seen *util.Dedupe) Result {
	res := Result{Input: path}
	data, err := os.ReadFile(path)
	if err != nil {
		res.Err = err
		return res
	}
	res.Hash = util.ContentHash(data)
	if first, dup := seen.Add(res.Hash, path); dup {
		res.DuplicateOf = first
		slog.DebugContext(ctx, "batch duplicate skipped", "input", path, "first", first)
		return res
	}

	img, _, err := LoadImage(data)
	if err != nil {
		res.Err = fmt.Errorf("%s: %w", path, err)
		return res
	}
	b := img.Bounds()
	ecfg, err := cfg.Settings.Config(b.Dx(), b.Dy())
	if err != nil {
		res.Err = fmt.Errorf("%s: %w", path, err)
		return res
	}
	out, err := jp2.NewEncoder(ecfg).Encode(img)
	if err != nil {
		res.Err = fmt.Errorf("%s: %w", path, err)
		return res
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	name := stem + cfg.Settings.Ext()
	if cfg.ContentAddressed {
		name = util.ContentName(stem, out, cfg.Settings.Ext())
	}
	res.Output = filepath.Join(cfg.OutDir, name)
	if err := os.WriteFile(res.Output, out, 0o644); err != nil {
		res.Err = fmt.Errorf("%w: %w", jp2.ErrWrite, err)
		return res
	}
	res.Bytes = int64(len(out))
	slog.DebugContext(ctx, "batch encoded", "input", path, "output", res.Output, "bytes", res.Bytes)
	return res
}
