package progress

import (
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/JakeFAU/post-archiver/internal/archive"
)

// LogReporter emits one structured log line per batch.
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter wires a Zap logger to the reporter interface.
func NewLogReporter(logger *zap.Logger) *LogReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogReporter{logger: logger}
}

// Report logs the batch counters.
func (r *LogReporter) Report(report archive.BatchReport) {
	r.logger.Info("batch finished",
		zap.Int("batch", report.Batch),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.String("bytes", humanize.Bytes(uint64(max(report.Bytes, 0)))),
		zap.Int64("remaining", report.Remaining),
	)
}
