package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jpfielding/jp2.go/pkg/compress/jpeg2k"
	"github.com/jpfielding/jp2.go/pkg/jp2"
	"github.com/jpfielding/jp2.go/pkg/pipeline"
	"github.com/jpfielding/jp2.go/pkg/util"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// addEncodeFlags registers the encoder settings shared by encode and batch
func addEncodeFlags(fs *pflag.FlagSet) {
	fs.String("format", "jp2", "output format (jp2|j2k)")
	fs.Int("resolutions", 0, "resolution count, 0 for the default of 6 clamped to the image")
	fs.Float64Slice("ratio", nil, "compression ratio per quality layer, 1 is lossless")
	fs.Float64Slice("quality", nil, "PSNR in dB per quality layer, 0 is lossless")
	fs.String("progression", "LRCP", "progression order (LRCP|RLCP|RPCL|PCRL|CPRL)")
	fs.String("comment", "", "comment stored in the codestream")
	fs.Bool("content-addressed", false, "name outputs <stem>.<xxhash><ext>")
}

// encodeSettings reads the flags registered by addEncodeFlags
func encodeSettings(fs *pflag.FlagSet) (pipeline.Settings, error) {
	var s pipeline.Settings
	format, _ := fs.GetString("format")
	switch strings.ToLower(format) {
	case "jp2":
		s.Format = jp2.FormatJP2
	case "j2k", "j2c":
		s.Format = jp2.FormatJ2K
	default:
		return s, fmt.Errorf("unknown format %q", format)
	}
	progression, _ := fs.GetString("progression")
	p, err := jpeg2k.ParseProgression(progression)
	if err != nil {
		return s, err
	}
	s.Progression = p
	s.Resolutions, _ = fs.GetInt("resolutions")
	s.Ratios, _ = fs.GetFloat64Slice("ratio")
	s.Qualities, _ = fs.GetFloat64Slice("quality")
	s.Comment, _ = fs.GetString("comment")
	return s, nil
}

// NewEncodeCmd converts one image to JPEG 2000
func NewEncodeCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "encode an image to JP2/J2K",
		Long:  "encode a png, jpeg, gif, bmp, tiff or webp image; with --content-addressed the output is a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, _ := cmd.Flags().GetString("in")
			out, _ := cmd.Flags().GetString("out")
			xmpPath, _ := cmd.Flags().GetString("xmp")
			addressed, _ := cmd.Flags().GetBool("content-addressed")
			if in == "" && len(args) > 0 {
				in = args[0]
			}
			if in == "" || out == "" {
				return fmt.Errorf("--in and --out are required")
			}
			settings, err := encodeSettings(cmd.Flags())
			if err != nil {
				return err
			}

			data, err := os.ReadFile(in)
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			img, kind, err := pipeline.LoadImage(data)
			if err != nil {
				return fmt.Errorf("failed to load %s: %w", in, err)
			}
			b := img.Bounds()
			if xmpPath != "" {
				if settings.XMP, err = os.ReadFile(xmpPath); err != nil {
					return fmt.Errorf("failed to read xmp: %w", err)
				}
			}
			cfg, err := settings.Config(b.Dx(), b.Dy())
			if err != nil {
				return err
			}
			encoded, err := jp2.NewEncoder(cfg).Encode(img)
			if err != nil {
				return err
			}

			switch {
			case out == "-":
				_, err = cmd.OutOrStdout().Write(encoded)
			case addressed:
				stem := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
				out = filepath.Join(out, util.ContentName(stem, encoded, settings.Ext()))
				err = os.WriteFile(out, encoded, 0o644)
			default:
				err = os.WriteFile(out, encoded, 0o644)
			}
			if err != nil {
				return fmt.Errorf("%w: %w", jp2.ErrWrite, err)
			}
			slog.InfoContext(ctx, "encoded",
				"in", in,
				"source", kind,
				"out", out,
				"width", b.Dx(),
				"height", b.Dy(),
				"layers", cfg.NumQualityLayers(),
				"resolutions", cfg.NumResolutions(),
				"bytes", len(encoded),
			)
			return nil
		},
	}
	pf := cmd.Flags()
	pf.StringP("in", "i", "", "input image path")
	pf.StringP("out", "o", "", "output path, - for stdout")
	pf.String("xmp", "", "file holding an XMP packet for a uuid box")
	addEncodeFlags(pf)
	return cmd
}
