// Package progress turns download batch reports into human-facing output:
// structured log lines for services and a terminal progress bar for the CLI.
package progress
