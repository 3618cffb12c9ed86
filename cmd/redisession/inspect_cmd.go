package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/MrEthical07/redisession"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newInspectCommand(a *app) *cobra.Command {
	var showData bool
	cmd := &cobra.Command{
		Use:   "inspect <session-id>",
		Short: "Show the stored fields of one session without locking it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.openHandler(cmd.Context())
			if err != nil {
				return err
			}
			defer h.Close()

			rec, err := h.Inspect(cmd.Context(), args[0])
			if errors.Is(err, redisession.ErrSessionNotFound) {
				return fmt.Errorf("session %q not found under %q", args[0], h.Key(args[0]))
			}
			if rec == nil {
				return err
			}
			printRecord(cmd.OutOrStdout(), rec, showData)
			// A record with an undecodable payload is still printed.
			return err
		},
	}
	cmd.Flags().BoolVar(&showData, "data", false, "print the decoded payload")
	return cmd
}

func printRecord(w io.Writer, rec *redisession.Record, showData bool) {
	fmt.Fprintf(w, "key:       %s\n", rec.Key)
	fmt.Fprintf(w, "encoding:  %s\n", rec.Encoding)
	fmt.Fprintf(w, "stored:    %s\n", humanize.IBytes(uint64(rec.StoredBytes)))
	if rec.Data != nil {
		fmt.Fprintf(w, "decoded:   %s\n", humanize.IBytes(uint64(len(rec.Data))))
	}
	fmt.Fprintf(w, "lock:      %d", rec.Lock)
	if rec.Locked() {
		fmt.Fprint(w, " (held)")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "pid:       %s\n", rec.PID)
	fmt.Fprintf(w, "wait:      %d\n", rec.Wait)
	fmt.Fprintf(w, "writes:    %s\n", humanize.Comma(rec.Writes))
	fmt.Fprintf(w, "ttl:       %s\n", formatTTL(rec.TTL))
	if showData && rec.Data != nil {
		if utf8.Valid(rec.Data) {
			fmt.Fprintf(w, "data:      %s\n", rec.Data)
		} else {
			fmt.Fprintf(w, "data:      %s\n", strconv.Quote(string(rec.Data)))
		}
	}
}

func formatTTL(ttl time.Duration) string {
	if ttl < 0 {
		return "none"
	}
	return ttl.String() + " (expires " + humanize.Time(time.Now().Add(ttl)) + ")"
}
