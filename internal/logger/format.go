package logger

import "strings"

func ansiFinal(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

// stripAnsiCodes removes CSI colour sequences before a record reaches the
// JSON file handler
func stripAnsiCodes(s string) string {
	if !strings.ContainsRune(s, '\x1b') {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for {
		j := strings.IndexByte(s, '\x1b')
		if j < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:j])
		s = s[j:]

		k := 1
		if k < len(s) && s[k] == '[' {
			k++
			for k < len(s) && !ansiFinal(s[k]) {
				k++
			}
			if k < len(s) {
				k++ // consume the final byte
			}
		}
		s = s[k:]
	}
	return b.String()
}
