package app

import (
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	ansiReset   = "\x1b[0m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
	ansiDim     = "\x1b[2m"
	ansiBright  = "\x1b[1m"
)

const (
	defaultLogWidth = 100
	minLogWidth     = 40
	wrapIndent      = "    "
	truncMarker     = "…"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// visualLen is the number of runes printed once escape codes are removed.
func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

// truncateVisual shortens s to at most width printed runes, ending in the
// truncation marker. Color is dropped from truncated segments.
func truncateVisual(s string, width int) string {
	if visualLen(s) <= width {
		return s
	}
	if width <= 0 {
		return ""
	}
	plain := []rune(stripANSI(s))
	return string(plain[:width-1]) + truncMarker
}

// wrapSegments packs segments into lines of at most width printed runes.
// Continuation lines start with indent. A segment that cannot fit on a line
// of its own is truncated.
func wrapSegments(segments []string, sep string, width int, indent string) []string {
	var lines []string
	var cur strings.Builder
	curLen := 0
	sepLen := visualLen(sep)

	start := func(seg string) {
		lead := ""
		if len(lines) > 0 {
			lead = indent
		}
		seg = truncateVisual(seg, width-visualLen(lead))
		cur.Reset()
		cur.WriteString(lead)
		cur.WriteString(seg)
		curLen = visualLen(lead) + visualLen(seg)
	}

	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if cur.Len() == 0 {
			start(seg)
			continue
		}
		segLen := visualLen(seg)
		if curLen+sepLen+segLen <= width {
			cur.WriteString(sep)
			cur.WriteString(seg)
			curLen += sepLen + segLen
			continue
		}
		lines = append(lines, cur.String())
		start(seg)
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}

// terminalWidth prefers PULSE_LOG_WIDTH, then COLUMNS. Values too narrow to
// be useful fall back to the default.
func (h *prettyHandler) terminalWidth() int {
	for _, key := range []string{"PULSE_LOG_WIDTH", "COLUMNS"} {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err == nil && n >= minLogWidth {
			return n
		}
	}
	return defaultLogWidth
}

func colorize(s, code string, color bool) string {
	if !color || code == "" {
		return s
	}
	return code + s + ansiReset
}

func colorizeHTTPMethod(method string, color bool) string {
	code := ""
	switch method {
	case "GET", "HEAD":
		code = ansiGreen
	case "POST":
		code = ansiBlue
	case "PUT", "PATCH":
		code = ansiYellow
	case "DELETE":
		code = ansiRed
	case "OPTIONS":
		code = ansiDim
	}
	return colorize(method, code, color)
}

func colorizeStatusCode(status int, color bool) string {
	return colorize(strconv.Itoa(status), statusColor(statusClass(status)), color)
}

func colorizeStatusClass(class string, color bool) string {
	return colorize(class, statusColor(class), color)
}

func statusColor(class string) string {
	switch class {
	case "2xx":
		return ansiGreen
	case "3xx":
		return ansiCyan
	case "4xx":
		return ansiYellow
	case "5xx":
		return ansiRed
	default:
		return ""
	}
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return colorize(s, ansiRed, color)
	case ms >= 250:
		return colorize(s, ansiYellow, color)
	default:
		return colorize(s, ansiDim, color)
	}
}

func colorizeResult(result string, color bool) string {
	code := ""
	switch result {
	case "success":
		code = ansiGreen
	case "redirect":
		code = ansiCyan
	case "client_error":
		code = ansiYellow
	case "server_error":
		code = ansiRed
	}
	return colorize(result, code, color)
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
