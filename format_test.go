package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{5 * sizeMB, "5.0 MB"},
		{3 * sizeGB, "3.0 GB"},
		{2 * sizeTB, "2.0 TB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, formatSize(tt.bytes))
	}
}

func TestFormatTime_Zero(t *testing.T) {
	assert.Equal(t, "-", formatTime(time.Time{}))
}

func TestPrintTable_Alignment(t *testing.T) {
	var sb strings.Builder

	printTable(&sb, []string{"PATH", "SIZE"}, [][]string{
		{"/inbox/application_a.json", "120 B"},
		{"/inbox/b.json", "1.0 KB"},
	})

	lines := strings.Split(strings.TrimRight(sb.String(), "\n"), "\n")
	assert.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "PATH"))

	// The SIZE column starts at the same offset in every line.
	offset := strings.Index(lines[1], "120 B")
	assert.Equal(t, offset, strings.Index(lines[2], "1.0 KB"))
}
