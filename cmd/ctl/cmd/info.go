package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/jpfielding/jp2.go/pkg/jp2"
	"github.com/jpfielding/jp2.go/pkg/util"
	"github.com/spf13/cobra"
)

// info is the header summary printed by the info command
type info struct {
	File             string   `json:"file"`
	Bytes            int      `json:"bytes"`
	XXHash64         string   `json:"xxhash64"`
	Format           string   `json:"format"`
	Width            int      `json:"width"`
	Height           int      `json:"height"`
	Components       int      `json:"components"`
	BitDepth         int      `json:"bitDepth"`
	HasAlpha         bool     `json:"hasAlpha"`
	NumResolutions   int      `json:"numResolutions"`
	NumQualityLayers int      `json:"numQualityLayers"`
	Progression      string   `json:"progression"`
	Reversible       bool     `json:"reversible"`
	Tile             string   `json:"tile"`
	Comment          string   `json:"comment,omitempty"`
	UUIDs            []string `json:"uuids,omitempty"`
	XMPBytes         int      `json:"xmpBytes,omitempty"`
}

func newInfo(path string, data []byte, h *jp2.Header) info {
	out := info{
		File:             path,
		Bytes:            len(data),
		XXHash64:         util.ContentHash(data),
		Format:           h.Format.String(),
		Width:            h.Width,
		Height:           h.Height,
		Components:       h.NumComponents,
		BitDepth:         h.BitDepth,
		HasAlpha:         h.HasAlpha,
		NumResolutions:   h.NumResolutions,
		NumQualityLayers: h.NumQualityLayers,
		Progression:      h.Progression.String(),
		Reversible:       h.Reversible,
		Tile:             fmt.Sprintf("%dx%d", h.TileWidth, h.TileHeight),
		Comment:          h.Comment,
		XMPBytes:         len(h.XMP),
	}
	for _, u := range h.UUIDs {
		out.UUIDs = append(out.UUIDs, u.String())
	}
	return out
}

// NewInfoCmd prints the header of JPEG 2000 files without decoding them
func NewInfoCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info [files...]",
		Short: "show JP2/J2K header details",
		Long:  "show JP2/J2K header details and an xxhash64 of each file",
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			in, _ := cmd.Flags().GetString("in")
			if in != "" {
				args = append([]string{in}, args...)
			}
			if len(args) == 0 {
				return fmt.Errorf("no input files")
			}
			var infos []info
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", path, err)
				}
				h, err := jp2.ReadHeaderBytes(data)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				infos = append(infos, newInfo(path, data, h))
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if len(infos) == 1 {
					return enc.Encode(infos[0])
				}
				return enc.Encode(infos)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, i := range infos {
				fmt.Fprintf(tw, "file\t%s\n", i.File)
				fmt.Fprintf(tw, "format\t%s\n", i.Format)
				fmt.Fprintf(tw, "size\t%dx%d\n", i.Width, i.Height)
				fmt.Fprintf(tw, "components\t%d x %d bit (alpha %t)\n", i.Components, i.BitDepth, i.HasAlpha)
				fmt.Fprintf(tw, "resolutions\t%d\n", i.NumResolutions)
				fmt.Fprintf(tw, "layers\t%d\n", i.NumQualityLayers)
				fmt.Fprintf(tw, "progression\t%s\n", i.Progression)
				fmt.Fprintf(tw, "reversible\t%t\n", i.Reversible)
				fmt.Fprintf(tw, "tile\t%s\n", i.Tile)
				if i.Comment != "" {
					fmt.Fprintf(tw, "comment\t%s\n", i.Comment)
				}
				for _, u := range i.UUIDs {
					fmt.Fprintf(tw, "uuid\t%s\n", u)
				}
				fmt.Fprintf(tw, "bytes\t%d\n", i.Bytes)
				fmt.Fprintf(tw, "xxhash64\t%s\n\n", i.XXHash64)
			}
			return tw.Flush()
		},
	}
	pf := cmd.Flags()
	pf.StringP("in", "i", "", "input JP2/J2K path")
	pf.Bool("json", false, "print JSON")
	return cmd
}
