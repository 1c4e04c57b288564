package transcript

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	speakerMarkup   = regexp.MustCompile(`^<\d+>`)
	timestampMarkup = regexp.MustCompile(`<\d+>$`)
	lineMarkup      = regexp.MustCompile(`^<(\d+)>(.*) \((\d{2,}:\d{2})\): (.*)<(\d+)>$`)
)

// Line is the decoded form of a raw transcript line.
type Line struct {
	SpeakerID   string
	SpeakerName string
	Offset      string
	Text        string
	Timestamp   time.Time
}

// CreateLine encodes one utterance as
// "<speakerId>speakerName (mm:ss): text<unixMillis>\n".
func CreateLine(speakerName, speakerID, text string, offset time.Duration, timestamp time.Time) string {
	return fmt.Sprintf("<%s>%s (%s): %s<%d>\n", speakerID, speakerName, FormatOffset(offset), text, timestamp.UnixMilli())
}

// CleanLine strips the speaker and timestamp markup and embedded newlines.
func CleanLine(raw string) string {
	line := strings.ReplaceAll(raw, "\r", "")
	line = strings.ReplaceAll(line, "\n", "")
	line = speakerMarkup.ReplaceAllString(line, "")
	return timestampMarkup.ReplaceAllString(line, "")
}

// ParseLine decodes a raw line; ok is false for lines not produced by CreateLine.
func ParseLine(raw string) (Line, bool) {
	m := lineMarkup.FindStringSubmatch(strings.TrimRight(raw, "\r\n"))
	if m == nil {
		return Line{}, false
	}
	millis, err := strconv.ParseInt(m[5], 10, 64)
	if err != nil {
		return Line{}, false
	}
	return Line{
		SpeakerID:   m[1],
		SpeakerName: m[2],
		Offset:      m[3],
		Text:        m[4],
		Timestamp:   time.UnixMilli(millis),
	}, true
}

func CleanLines(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		out = append(out, CleanLine(r))
	}
	return out
}

// FormatOffset renders minutes unwrapped, so an hour reads as 60:00.
func FormatOffset(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

func speakerPrefix(speakerID string) string {
	return "<" + speakerID + ">"
}

// estimateTokens is advisory; roughly four characters per token.
func estimateTokens(s string) int {
	n := len([]rune(s))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
