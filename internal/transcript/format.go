package transcript

import (
	"fmt"
	"math"
	"strings"
)

type Format string

const (
	FormatPlainText     Format = "plain_text"
	FormatFormattedText Format = "formatted_text"
	FormatSRT           Format = "srt"
	FormatVTT           Format = "vtt"
)

// ParseFormat normalizes a caller supplied format name. Empty input maps to
// plain text; anything else is kept verbatim so Render can fall back on it.
func ParseFormat(name string) Format {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return FormatPlainText
	}
	return Format(trimmed)
}

// Render formats segments as the requested format. Unknown formats render as
// plain text.
func Render(segments []Segment, format Format) string {
	switch format {
	case FormatFormattedText:
		return joinText(segments, "\n")
	case FormatSRT:
		return renderSRT(segments)
	case FormatVTT:
		return renderVTT(segments)
	default:
		return PlainText(segments)
	}
}

// PlainText joins segment texts with single spaces.
func PlainText(segments []Segment) string {
	return joinText(segments, " ")
}

func joinText(segments []Segment, sep string) string {
	texts := make([]string, 0, len(segments))
	for _, s := range segments {
		texts = append(texts, s.Text)
	}
	return strings.TrimSpace(strings.Join(texts, sep))
}

func renderSRT(segments []Segment) string {
	blocks := make([]string, 0, len(segments))
	for i, s := range segments {
		blocks = append(blocks, fmt.Sprintf("%d\n%s --> %s\n%s\n", i+1, timestamp(s.Start, ','), timestamp(s.End, ','), s.Text))
	}
	return strings.TrimSpace(strings.Join(blocks, "\n"))
}

func renderVTT(segments []Segment) string {
	blocks := make([]string, 0, len(segments)+1)
	blocks = append(blocks, "WEBVTT\n")
	for _, s := range segments {
		blocks = append(blocks, fmt.Sprintf("%s --> %s\n%s\n", timestamp(s.Start, '.'), timestamp(s.End, '.'), s.Text))
	}
	return strings.TrimSpace(strings.Join(blocks, "\n"))
}

// maxTimestampSeconds keeps the millisecond count well inside int64, +Inf
// included.
const maxTimestampSeconds = 1e12

// timestamp renders seconds as HH:MM:SS<sep>mmm, truncating to whole
// milliseconds.
func timestamp(seconds float64, millisSeparator rune) string {
	switch {
	case seconds < 0 || math.IsNaN(seconds):
		seconds = 0
	case seconds > maxTimestampSeconds:
		seconds = maxTimestampSeconds
	}

	ms := int64(math.Floor(seconds * 1000))
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", ms/3600000, (ms/60000)%60, (ms/1000)%60, millisSeparator, ms%1000)
}
