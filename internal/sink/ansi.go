package sink

import "regexp"

// ansiPattern matches CSI sequences (colors, cursor movement) and the
// stray single-character escapes a remote PTY can emit.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b[()][A-Z0-9]|\x1b[>=<]|\r`)

// StripANSI removes terminal escape sequences and carriage returns from
// remote output, for rendering to non-TTY destinations.
func StripANSI(b []byte) []byte {
	return ansiPattern.ReplaceAll(b, nil)
}

// StripANSIString is StripANSI for strings.
func StripANSIString(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}
