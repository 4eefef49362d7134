// Package codec renders inbound/outbound request and event payloads for
// human consumption: hex dumps, raw text, and GB2312-encoded text.
// Grounded on listener.go's FormatForDisplay/FormatForDisplayCompact in
// the teacher repo, which declares a GB2312 display mode but (having no
// real CJK codec wired in) falls back to stripping non-ASCII bytes for
// it same as plain text. This package finishes that mode for real.
package codec

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding/simplifiedchinese"
)

// Format selects how Render turns a payload into text.
type Format string

const (
	FormatHex    Format = "HEX"
	FormatUTF8   Format = "UTF8"
	FormatGB2312 Format = "GB2312"
)

// Render formats payload for display under format. Unlike the teacher's
// version, GB2312 is decoded properly via simplifiedchinese.GB18030
// rather than degraded to ASCII-cleaning; decode failures fall back to
// the cleaned-ASCII rendering so a misidentified payload never panics or
// drops output entirely.
func Render(payload []byte, format Format) string {
	switch format {
	case FormatHex:
		return hexDump(payload)
	case FormatGB2312:
		if text, err := simplifiedchinese.GB18030.NewDecoder().String(string(payload)); err == nil {
			return text
		}
		return cleanNonPrintable(payload)
	default:
		return cleanNonPrintable(payload)
	}
}

// RenderCompact is Render without the 16-byte-per-line hex wrapping,
// suitable for a single-line log entry or status bar.
func RenderCompact(payload []byte, format Format) string {
	if format != FormatHex {
		return Render(payload, format)
	}
	parts := make([]string, len(payload))
	for i, b := range payload {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, " ")
}

func hexDump(data []byte) string {
	var lines []string
	for i := 0; i < len(data); i += 16 {
		end := i + 16
		if end > len(data) {
			end = len(data)
		}
		var b strings.Builder
		for j := i; j < end; j++ {
			if j > i {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%02x", data[j])
		}
		lines = append(lines, b.String())
	}
	return strings.Join(lines, "\n")
}

func cleanNonPrintable(data []byte) string {
	buf := make([]byte, 0, len(data))
	for _, b := range data {
		switch {
		case b >= 32 && b <= 126, b == 9, b == 10, b == 13:
			buf = append(buf, b)
		default:
			buf = append(buf, '.')
		}
	}
	return string(buf)
}
