package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"github.com/JakeFAU/post-archiver/internal/archive"
)

// BarReporter advances a terminal progress bar as batches finish.
type BarReporter struct {
	mu     sync.Mutex
	bar    *progressbar.ProgressBar
	done   int64
	failed int64
	bytes  int64
}

// NewBarReporter sizes the bar for total links. A total of zero or less
// renders a spinner. Output goes to w, or stderr when w is nil.
func NewBarReporter(total int64, w io.Writer) *BarReporter {
	if w == nil {
		w = os.Stderr
	}
	if total <= 0 {
		total = -1
	}
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetDescription("[green]Downloading[reset]"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSpinnerType(14),
	)
	return &BarReporter{bar: bar}
}

// Report advances the bar by every link the batch finished.
func (r *BarReporter) Report(report archive.BatchReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	finished := int64(report.Succeeded + report.Failed + report.Skipped)
	r.done += finished
	r.failed += int64(report.Failed)
	r.bytes += report.Bytes
	r.bar.Describe(fmt.Sprintf("[green]Downloading[reset] %s, %d failed",
		humanize.Bytes(uint64(max(r.bytes, 0))), r.failed))
	_ = r.bar.Add64(finished)
}

// Done returns the number of links counted so far.
func (r *BarReporter) Done() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Close completes the bar.
func (r *BarReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.bar.Finish(); err != nil {
		return fmt.Errorf("finish progress bar: %w", err)
	}
	return nil
}
