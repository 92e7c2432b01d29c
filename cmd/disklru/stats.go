package main

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/lucasew/disklru/internal/errutil"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache occupancy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, err := cmd.Flags().GetBool("json")
		if err != nil {
			return err
		}

		c, err := openCache()
		if err != nil {
			return err
		}
		defer func() { errutil.LogMsg(c.Close(), "Failed to close cache") }()

		stats, err := c.Stats(cmd.Context())
		if err != nil {
			return err
		}

		if asJSON {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(stats)
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "entries: %d\nsize:    %s / %s\n",
			stats.Entries,
			humanize.IBytes(uint64(stats.Bytes)),
			humanize.IBytes(uint64(stats.MaxBytes)),
		)
		return err
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().Bool("json", false, "Print JSON")
}
