package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/MrEthical07/redisession"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newScanCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Aggregate lock and write counters over every stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := a.openHandler(cmd.Context())
			if err != nil {
				return err
			}
			defer h.Close()

			stats, err := h.Stats(cmd.Context())
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), h.Config().KeyPrefix, stats)
			return nil
		},
	}
}

func printStats(w io.Writer, prefix string, s redisession.Stats) {
	fmt.Fprintf(w, "prefix:     %s*\n", prefix)
	fmt.Fprintf(w, "sessions:   %s\n", humanize.Comma(s.Sessions))
	fmt.Fprintf(w, "locked:     %s\n", humanize.Comma(s.Locked))
	fmt.Fprintf(w, "contended:  %s\n", humanize.Comma(s.Contended))
	fmt.Fprintf(w, "waiting:    %s\n", humanize.Comma(s.Waiting))
	fmt.Fprintf(w, "writes:     %s (avg %.2f)\n", humanize.Comma(s.Writes), s.AverageWrites())
	fmt.Fprintf(w, "stored:     %s\n", humanize.IBytes(uint64(s.StoredBytes)))
	fmt.Fprintf(w, "no expiry:  %s\n", humanize.Comma(s.NoExpiry))

	encodings := make([]string, 0, len(s.Encodings))
	for enc := range s.Encodings {
		encodings = append(encodings, enc)
	}
	sort.Strings(encodings)
	for _, enc := range encodings {
		fmt.Fprintf(w, "  %-8s  %s\n", enc, humanize.Comma(s.Encodings[enc]))
	}
}
