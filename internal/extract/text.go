package extract

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// utf8BOM is stripped from the start of UTF-8 input.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decoder converts raw bytes into a string, reporting false when the bytes
// are not valid in its encoding.
type decoder struct {
	name   string
	decode func([]byte) (string, bool)
}

// fallbacks is tried in order when the input is not clean UTF-8, and the
// first plausible result wins. Windows-1252 comes before ISO-8859-1 because
// it assigns printable characters to 0x80-0x9F where ISO-8859-1 has C1 controls.
var fallbacks = []decoder{
	{"windows-1252", decodeCharmap(charmap.Windows1252)},
	{"iso-8859-1", decodeCharmap(charmap.ISO8859_1)},
}

// readText reads path and decodes it with the fallback chain.
func readText(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	text, _, err := decodeText(raw)
	return text, err
}

// decodeText returns the text and the name of the encoding that produced it.
func decodeText(raw []byte) (string, string, error) {
	if len(raw) == 0 {
		return "", "utf-8", nil
	}
	// Valid UTF-8 is taken as is unless it carries a NUL. Control bytes
	// such as ANSI escapes are legitimate text here.
	if s, ok := decodeUTF8(raw); ok && !strings.ContainsRune(s, 0) {
		return s, "utf-8", nil
	}
	for _, d := range fallbacks {
		if s, ok := d.decode(raw); ok && plausible(s) {
			return s, d.name, nil
		}
	}
	return "", "", ErrUndecodable
}

func decodeUTF8(raw []byte) (string, bool) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if !utf8.Valid(raw) {
		return "", false
	}
	return string(raw), true
}

// decodeCharmap rejects output containing U+FFFD, which the charmap
// decoders substitute for bytes the code page leaves undefined.
func decodeCharmap(cm *charmap.Charmap) func([]byte) (string, bool) {
	return func(raw []byte) (string, bool) {
		out, err := cm.NewDecoder().Bytes(raw)
		if err != nil || bytes.ContainsRune(out, utf8.RuneError) {
			return "", false
		}
		return string(out), true
	}
}

// plausible rejects single-byte decodings that are evidently binary: any
// NUL, or more than one control character in a hundred.
func plausible(s string) bool {
	if strings.ContainsRune(s, 0) {
		return false
	}
	var runes, controls int
	for _, r := range s {
		runes++
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			controls++
		}
	}
	return controls*100 <= runes
}
