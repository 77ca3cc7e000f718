package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

const (
	sizeKB int64 = 1 << (10 * (iota + 1))
	sizeMB
	sizeGB
	sizeTB
)

var sizeUnits = []struct {
	limit int64
	name  string
}{
	{sizeTB, "TB"},
	{sizeGB, "GB"},
	{sizeMB, "MB"},
	{sizeKB, "KB"},
}

// formatSize renders a byte count with the largest unit that keeps the
// value at or above one.
func formatSize(bytes int64) string {
	for _, u := range sizeUnits {
		if bytes >= u.limit {
			return fmt.Sprintf("%.1f %s", float64(bytes)/float64(u.limit), u.name)
		}
	}

	return fmt.Sprintf("%d B", bytes)
}

// formatTime renders a timestamp in local time. The zero time renders as a
// dash so table columns stay aligned when a backend reports no modification
// time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	t = t.Local()

	if t.Year() == time.Now().Year() {
		return t.Format("Jan _2 15:04")
	}

	return t.Format("Jan _2  2006")
}

// printTable writes rows under headers with two-space gutters, each column
// padded to its widest cell. headers and every row must have the same
// length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))

	measure := func(cells []string) {
		for i, cell := range cells {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	measure(headers)

	for _, row := range rows {
		measure(row)
	}

	write := func(cells []string) {
		padded := make([]string, len(cells))
		for i, cell := range cells {
			padded[i] = fmt.Sprintf("%-*s", widths[i], cell)
		}

		fmt.Fprintln(w, strings.Join(padded, "  "))
	}

	write(headers)

	for _, row := range rows {
		write(row)
	}
}
