package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jpfielding/jp2.go/pkg/pipeline"
	"github.com/spf13/cobra"
)

// NewBatchCmd encodes many images concurrently
func NewBatchCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch [files...]",
		Short: "encode many images to JP2/J2K",
		Long:  "encode many images with a bounded worker pool; inputs with identical content are encoded once",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			workers, _ := cmd.Flags().GetInt("workers")
			addressed, _ := cmd.Flags().GetBool("content-addressed")
			settings, err := encodeSettings(cmd.Flags())
			if err != nil {
				return err
			}
			results, err := pipeline.Run(ctx, args, pipeline.Config{
				OutDir:           out,
				Workers:          workers,
				Settings:         settings,
				ContentAddressed: addressed,
			})
			var encoded, dups, failed int
			var total int64
			w := cmd.OutOrStdout()
			for _, r := range results {
				switch {
				case r.Err != nil:
					failed++
					fmt.Fprintf(w, "FAIL %s: %v\n", r.Input, r.Err)
				case r.DuplicateOf != "":
					dups++
					fmt.Fprintf(w, "SAME %s = %s\n", r.Input, r.DuplicateOf)
				default:
					encoded++
					total += r.Bytes
					fmt.Fprintf(w, "OK   %s -> %s (%d bytes)\n", r.Input, r.Output, r.Bytes)
				}
			}
			slog.InfoContext(ctx, "batch done", "encoded", encoded, "duplicates", dups, "failed", failed, "bytes", total)
			return err
		},
	}
	pf := cmd.Flags()
	pf.StringP("out", "o", "jp2_out", "output directory")
	pf.IntP("workers", "w", 0, "parallel workers (0 = NumCPU)")
	addEncodeFlags(pf)
	return cmd
}
