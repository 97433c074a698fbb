package nodes

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SRT formatting and parsing used by the subtitle nodes.

// srtTimestamp renders seconds as an SRT timestamp (HH:MM:SS,mmm).
func srtTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int(seconds*1000 + 0.5)
	h := ms / 3600000
	ms -= h * 3600000
	m := ms / 60000
	ms -= m * 60000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// parseSRTTimestamp parses an SRT timestamp back to seconds.
func parseSRTTimestamp(value string) (float64, error) {
	value = strings.TrimSpace(value)
	parts := strings.Split(strings.ReplaceAll(value, ",", ":"), ":")
	if len(parts) != 4 {
		return 0, fmt.Errorf("malformed timestamp %q", value)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	s, err3 := strconv.Atoi(parts[2])
	ms, err4 := strconv.Atoi(parts[3])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return 0, fmt.Errorf("malformed timestamp %q", value)
	}
	return float64(h)*3600 + float64(m)*60 + float64(s) + float64(ms)/1000, nil
}

// FormatSRT renders segments as an SRT document. Speaker labels, when
// present, prefix each cue text.
func FormatSRT(segments []Segment) string {
	var b strings.Builder
	for i, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if seg.Speaker != "" {
			text = fmt.Sprintf("[%s] %s", seg.Speaker, text)
		}
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", i+1, srtTimestamp(seg.Start), srtTimestamp(seg.End), text)
	}
	return b.String()
}

// WriteSRT writes segments as an SRT file, creating parent directories.
func WriteSRT(path string, segments []Segment) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Resourcef("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(FormatSRT(segments)), 0o644); err != nil {
		return Resourcef("failed to write %s: %v", path, err)
	}
	return nil
}

// ParseSRTFile reads an SRT file back into segments. Cue indices are
// ignored; speaker prefixes of the form "[NAME] " are restored.
func ParseSRTFile(path string) ([]Segment, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, Resourcef("failed to open subtitle file %s: %v", path, err)
	}
	defer func() { _ = file.Close() }()

	var segments []Segment
	var current *Segment
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			if current != nil {
				segments = append(segments, *current)
				current = nil
			}
		case strings.Contains(trimmed, "-->"):
			parts := strings.SplitN(trimmed, "-->", 2)
			start, err := parseSRTTimestamp(parts[0])
			if err != nil {
				return nil, Inputf("subtitle file %s: %v", path, err)
			}
			end, err := parseSRTTimestamp(parts[1])
			if err != nil {
				return nil, Inputf("subtitle file %s: %v", path, err)
			}
			current = &Segment{Start: start, End: end}
		case current != nil:
			text := trimmed
			if strings.HasPrefix(text, "[") {
				if idx := strings.Index(text, "] "); idx > 0 {
					current.Speaker = text[1:idx]
					text = text[idx+2:]
				}
			}
			if current.Text != "" {
				current.Text += "\n"
			}
			current.Text += text
		default:
			// bare cue index line, ignored
		}
	}
	if current != nil {
		segments = append(segments, *current)
	}
	if err := scanner.Err(); err != nil {
		return nil, Resourcef("failed to read %s: %v", path, err)
	}
	return segments, nil
}
