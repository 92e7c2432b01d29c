package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/lucasew/disklru/internal/errutil"
	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:   "put <key> [file]",
	Short: "Store a file, or stdin, under key",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		quiet, err := cmd.Flags().GetBool("quiet")
		if err != nil {
			return err
		}

		var (
			src  io.Reader = cmd.InOrStdin()
			size int64     = -1
		)
		if len(args) == 2 {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer func() { errutil.LogMsg(f.Close(), "Failed to close input file") }()
			if info, err := f.Stat(); err == nil {
				size = info.Size()
			}
			src = f
		}
		if !quiet {
			src = io.TeeReader(src, newProgressBar(size, "storing"))
		}

		c, err := openCache()
		if err != nil {
			return err
		}
		defer func() { errutil.LogMsg(c.Close(), "Failed to close cache") }()

		n, err := c.Store(cmd.Context(), key, src)
		if err != nil {
			return err
		}
		slog.Info("Stored blob", "key", key, "size", humanize.IBytes(uint64(n)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(putCmd)
	putCmd.Flags().BoolP("quiet", "q", false, "Do not show progress")
}
