package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/artsync/internal/store"
)

// formatBytes formats a byte count into human-readable format
func formatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// formatRelative renders t as "3 hours ago" or "in 5 minutes".
func formatRelative(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func formatDuration(start, end time.Time) string {
	if start.IsZero() {
		return "-"
	}
	if end.IsZero() {
		return "running for " + time.Since(start).Truncate(time.Second).String()
	}
	return end.Sub(start).Truncate(time.Millisecond).String()
}

func formatProgress(p store.Progress) string {
	return fmt.Sprintf("%s ok, %s skipped, %s failed, %s",
		humanize.Comma(p.Success), humanize.Comma(p.Skip), humanize.Comma(p.Failed), formatBytes(p.TotalSize))
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
