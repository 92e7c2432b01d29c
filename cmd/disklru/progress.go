package main

import (
	"fmt"
	"os"
	"time"

	"github.com/lucasew/disklru/internal/errutil"
	"github.com/schollz/progressbar/v3"
)

// newProgressBar reports transferred bytes on stderr. size is -1 when unknown.
func newProgressBar(size int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(
		size,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(10),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			if _, err := fmt.Fprint(os.Stderr, "\n"); err != nil {
				errutil.LogMsg(err, "Failed to print newline to stderr")
			}
		}),
	)
}
