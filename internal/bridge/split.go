package bridge

import (
	"strings"
	"unicode/utf8"
)

// Split breaks content into lines of at most limit runes. It splits on line
// breaks first, then between words; a word longer than limit is cut.
func Split(content string, limit int) []string {
	if limit < 1 {
		limit = 1
	}
	var parts []string
	for _, line := range strings.Split(content, "\n") {
		words := strings.Fields(line)
		if len(words) == 0 {
			continue
		}
		var cur strings.Builder
		curLen := 0
		flush := func() {
			if curLen > 0 {
				parts = append(parts, cur.String())
				cur.Reset()
				curLen = 0
			}
		}
		for _, w := range words {
			wl := utf8.RuneCountInString(w)
			switch {
			case curLen == 0 && wl <= limit:
				cur.WriteString(w)
				curLen = wl
			case curLen > 0 && curLen+1+wl <= limit:
				cur.WriteByte(' ')
				cur.WriteString(w)
				curLen += 1 + wl
			default:
				flush()
				for _, chunk := range chunkRunes(w, limit) {
					if utf8.RuneCountInString(chunk) == limit {
						parts = append(parts, chunk)
						continue
					}
					cur.WriteString(chunk)
					curLen = utf8.RuneCountInString(chunk)
				}
			}
		}
		flush()
	}
	return parts
}

func chunkRunes(s string, n int) []string {
	runes := []rune(s)
	out := make([]string, 0, len(runes)/n+1)
	for len(runes) > n {
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return append(out, string(runes))
}
