package progress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/post-archiver/internal/archive"
)

func TestLogReporterFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	reporter := NewLogReporter(zap.New(core))
	reporter.Report(archive.BatchReport{Batch: 2, Succeeded: 3, Failed: 1, Bytes: 2048, Remaining: 10})

	entries := logs.FilterMessage("batch finished").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, 2, fields["batch"])
	assert.EqualValues(t, 3, fields["succeeded"])
	assert.EqualValues(t, 1, fields["failed"])
	assert.Equal(t, "2.0 kB", fields["bytes"])
	assert.EqualValues(t, 10, fields["remaining"])
}

func TestLogReporterNilLogger(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		NewLogReporter(nil).Report(archive.BatchReport{Batch: 1})
	})
}

func TestBarReporterCountsFinishedLinks(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	reporter := NewBarReporter(10, &out)
	reporter.Report(archive.BatchReport{Batch: 1, Succeeded: 2, Failed: 1, Skipped: 1, Bytes: 100})
	reporter.Report(archive.BatchReport{Batch: 2, Succeeded: 3})
	assert.EqualValues(t, 7, reporter.Done())
	require.NoError(t, reporter.Close())
	assert.NotEmpty(t, out.String())
}

func TestBarReporterUnknownTotal(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	reporter := NewBarReporter(0, &out)
	reporter.Report(archive.BatchReport{Batch: 1, Succeeded: 1})
	assert.EqualValues(t, 1, reporter.Done())
	require.NoError(t, reporter.Close())
}
