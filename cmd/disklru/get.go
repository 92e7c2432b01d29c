package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/lucasew/disklru"
	"github.com/lucasew/disklru/internal/errutil"
	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Copy a cached blob to stdout or a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		output, err := cmd.Flags().GetString("output")
		if err != nil {
			return err
		}
		quiet, err := cmd.Flags().GetBool("quiet")
		if err != nil {
			return err
		}

		c, err := openCache()
		if err != nil {
			return err
		}
		defer func() { errutil.LogMsg(c.Close(), "Failed to close cache") }()

		r, err := c.Read(cmd.Context(), key)
		if errors.Is(err, disklru.ErrNotFound) {
			return fmt.Errorf("%s: %w", key, err)
		}
		if err != nil {
			return err
		}
		defer func() { errutil.LogMsg(r.Close(), "Failed to close cache reader") }()

		src, err := r.Open()
		if err != nil {
			return err
		}
		defer func() { errutil.LogMsg(src.Close(), "Failed to close cache file") }()

		var out io.Writer = cmd.OutOrStdout()
		if output != "" {
			file, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			defer func() { errutil.LogMsg(file.Close(), "Failed to close output file") }()
			out = file
		}
		if !quiet {
			out = io.MultiWriter(out, newProgressBar(r.Size(), "reading"))
		}

		if _, err := io.Copy(out, src); err != nil {
			if output != "" {
				errutil.LogMsg(os.Remove(output), "Failed to remove output file after failed read", "path", output)
			}
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().StringP("output", "o", "", "Output file")
	getCmd.Flags().BoolP("quiet", "q", false, "Do not show progress")
}
