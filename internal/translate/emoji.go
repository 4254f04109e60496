package translate

import (
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
	"github.com/kyokomi/emoji/v2"

	"github.com/park285/guild-chat-bridge/internal/chatplatform"
)

// emojiTable maps shortcodes to glyphs and back.
type emojiTable struct {
	byName   map[string]string // "smile" -> glyph
	toName   *strings.Replacer // glyph -> ":name:"
	glyphSet map[string]string // glyph -> name
}

var (
	tableOnce sync.Once
	table     *emojiTable
)

func defaultEmoji() *emojiTable {
	tableOnce.Do(func() {
		codes := emoji.CodeMap()
		t := &emojiTable{
			byName:   make(map[string]string, len(codes)),
			glyphSet: make(map[string]string, len(codes)),
		}
		for code, glyph := range codes {
			name := strings.Trim(code, ":")
			glyph = strings.TrimSpace(glyph)
			if name == "" || glyph == "" || isASCII(glyph) {
				continue
			}
			t.byName[strings.ToLower(name)] = glyph
			// aliases share a glyph; keep the shortest name
			if prev, ok := t.glyphSet[glyph]; !ok || len(name) < len(prev) || (len(name) == len(prev) && name < prev) {
				t.glyphSet[glyph] = name
			}
		}
		glyphs := make([]string, 0, len(t.glyphSet))
		for g := range t.glyphSet {
			glyphs = append(glyphs, g)
		}
		// longest first so sequences win over their components
		sort.Slice(glyphs, func(i, j int) bool {
			if len(glyphs[i]) != len(glyphs[j]) {
				return len(glyphs[i]) > len(glyphs[j])
			}
			return glyphs[i] < glyphs[j]
		})
		pairs := make([]string, 0, 2*len(glyphs))
		for _, g := range glyphs {
			pairs = append(pairs, g, ":"+t.glyphSet[g]+":")
		}
		t.toName = strings.NewReplacer(pairs...)
		table = t
	})
	return table
}

// GlyphsToNames replaces unicode emoji with :shortcodes:.
func GlyphsToNames(s string) string {
	return defaultEmoji().toName.Replace(s)
}

// GlyphFor returns the unicode glyph of a shortcode without colons.
func GlyphFor(name string) (string, bool) {
	g, ok := defaultEmoji().byName[strings.ToLower(name)]
	return g, ok
}

// FormatCustomEmoji renders a custom emoji token.
func FormatCustomEmoji(e chatplatform.Emoji) string {
	if e.Animated {
		return "<a:" + e.Name + ":" + e.ID + ">"
	}
	return "<:" + e.Name + ":" + e.ID + ">"
}

// MatchCustomEmoji finds name among emojis: exact case-insensitive match
// first, otherwise the closest name within an edit distance of a quarter of
// its length (at least one).
func MatchCustomEmoji(name string, emojis []chatplatform.Emoji) (chatplatform.Emoji, bool) {
	lower := strings.ToLower(name)
	for _, e := range emojis {
		if strings.ToLower(e.Name) == lower {
			return e, true
		}
	}
	limit := max(1, len(lower)/4)
	best, bestDist := chatplatform.Emoji{}, limit+1
	for _, e := range emojis {
		d := levenshtein.ComputeDistance(lower, strings.ToLower(e.Name))
		if d < bestDist {
			best, bestDist = e, d
		}
	}
	if bestDist > limit {
		return chatplatform.Emoji{}, false
	}
	return best, true
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
