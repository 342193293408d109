package cmd

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/jpfielding/jp2.go/pkg/jp2"
	"github.com/spf13/cobra"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// NewDecodeCmd converts a JPEG 2000 image to png, jpeg, bmp or tiff
func NewDecodeCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode",
		Short: "decode a JP2/J2K image",
		Long:  "decode a JP2/J2K image, optionally at reduced resolution or quality; the output type follows the extension",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, _ := cmd.Flags().GetString("in")
			out, _ := cmd.Flags().GetString("out")
			skip, _ := cmd.Flags().GetInt("skip")
			layers, _ := cmd.Flags().GetInt("layers")
			fit, _ := cmd.Flags().GetString("fit")
			if in == "" && len(args) > 0 {
				in = args[0]
			}
			if in == "" || out == "" {
				return fmt.Errorf("--in and --out are required")
			}
			data, err := os.ReadFile(in)
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}

			var fitW, fitH int
			if fit != "" {
				if fitW, fitH, err = parseSize(fit); err != nil {
					return err
				}
				h, err := jp2.ReadHeaderBytes(data)
				if err != nil {
					return err
				}
				skip = jp2.SkipForView(h, fitW, fitH)
				slog.DebugContext(ctx, "fit selects resolution", "width", h.Width, "height", h.Height, "skip", skip)
			}
			dcfg, err := jp2.NewDecoderConfig().WithSkipResolutions(skip).WithLayersToDecode(layers).Build()
			if err != nil {
				return err
			}
			decoded, err := jp2.NewDecoder(dcfg).DecodeBytes(data)
			if err != nil {
				return err
			}

			img := decoded.ToImage()
			if fit != "" {
				img = imaging.Fit(img, fitW, fitH, imaging.Lanczos)
			}
			if err := writeImage(cmd.OutOrStdout(), out, img); err != nil {
				return fmt.Errorf("%w: %w", jp2.ErrWrite, err)
			}
			slog.InfoContext(ctx, "decoded",
				"in", in,
				"out", out,
				"width", img.Bounds().Dx(),
				"height", img.Bounds().Dy(),
				"alpha", decoded.HasAlpha,
				"skip", skip,
			)
			return nil
		},
	}
	pf := cmd.Flags()
	pf.StringP("in", "i", "", "input JP2/J2K path")
	pf.StringP("out", "o", "", "output path (.png, .jpg, .bmp, .tif), - for png on stdout")
	pf.Int("skip", 0, "finest resolutions to skip")
	pf.Int("layers", 0, "quality layers to decode, 0 for all")
	pf.String("fit", "", "fit the output into WxH, decoding only the resolutions needed")
	return cmd
}

// parseSize reads a "WxH" size
func parseSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("size %q: want WxH", s)
	}
	w, err := strconv.Atoi(ws)
	if err != nil || w < 1 {
		return 0, 0, fmt.Errorf("size %q: bad width", s)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 1 {
		return 0, 0, fmt.Errorf("size %q: bad height", s)
	}
	return w, h, nil
}

// imageWriters encode by output extension
var imageWriters = map[string]func(io.Writer, image.Image) error{
	".png": png.Encode,
	".jpg": func(w io.Writer, img image.Image) error {
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 92})
	},
	".bmp": bmp.Encode,
	".tif": func(w io.Writer, img image.Image) error {
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	},
}

// writeImage encodes img by the extension of path, "-" writes png to stdout
func writeImage(stdout io.Writer, path string, img image.Image) error {
	if path == "-" {
		return png.Encode(stdout, img)
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".jpeg":
		ext = ".jpg"
	case ".tiff":
		ext = ".tif"
	}
	enc, ok := imageWriters[ext]
	if !ok {
		return fmt.Errorf("unknown output type %q", filepath.Ext(path))
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := enc(f, img); err != nil {
		return err
	}
	return f.Close()
}
