package ui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/bamsammich/sdsync/internal/stats"
)

// IsTTY reports whether fd is a terminal.
func IsTTY(fd uintptr) bool {
	return term.IsTerminal(int(fd)) //nolint:gosec // G115: fds fit in int
}

// FormatBytes renders a byte count in binary units.
func FormatBytes(b int64) string {
	return stats.FormatBytes(b)
}

// FormatRate renders a throughput in the same units as FormatBytes.
func FormatRate(bytesPerSec float64) string {
	if bytesPerSec < 1 {
		return "0 B/s"
	}
	return stats.FormatBytes(int64(bytesPerSec)) + "/s"
}

// FormatETA renders a remaining-time estimate, or "--" when unknown.
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	return clock(d)
}

// FormatDuration renders elapsed time.
func FormatDuration(d time.Duration) string {
	return clock(max(d, 0))
}

func clock(d time.Duration) string {
	d = d.Round(time.Second)
	h, m, s := int(d/time.Hour), int(d/time.Minute)%60, int(d/time.Second)%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// FormatCount groups digits in thousands: 14302 becomes "14,302".
func FormatCount(n int64) string {
	digits := strconv.FormatInt(n, 10)
	sign := ""
	if n < 0 {
		sign, digits = "-", digits[1:]
	}
	var b strings.Builder
	for i, c := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return sign + b.String()
}

// ProgressBar renders a fraction in [0,1] as a bar of width cells.
func ProgressBar(frac float64, width int) string {
	if width <= 0 {
		return ""
	}
	filled := min(max(int(frac*float64(width)), 0), width)
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}
