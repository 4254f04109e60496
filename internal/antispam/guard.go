// Package antispam keeps fingerprints of recently sent game lines and pads
// resends so the server's duplicate-message filter does not drop them.
package antispam

import (
	"math/rand/v2"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

const (
	// RingSize is the number of recent fingerprints kept.
	RingSize = 8
	// SimilarityThreshold is the normalized similarity at which two lines
	// count as duplicates.
	SimilarityThreshold = 0.975

	// MaxLineModern and MaxLineLegacy are the server's chat line limits.
	MaxLineModern = 256
	MaxLineLegacy = 100

	// MaxAttempts bounds how often one line is sent: the first send plus
	// the resends after a repeat echo.
	MaxAttempts = 4
	// PadReserve is the headroom a line needs below the limit so every
	// attempt can carry its full padding.
	PadReserve = basePadding * MaxAttempts

	basePadding = 4
)

// 게임 클라이언트에서 보이지 않는 제로폭/공백 채움 문자.
var fillers = []rune{'\u200b', '\u200c', '\u200d', '\u2060', '\u2800', '\u3164', '\ufeff'}

var invisible = func() map[rune]struct{} {
	m := make(map[rune]struct{}, len(fillers)+2)
	for _, r := range fillers {
		m[r] = struct{}{}
	}
	m['\u180e'] = struct{}{}
	m['\u00ad'] = struct{}{}
	return m
}()

// IsInvisible reports whether r is a zero-width or blank filler rune.
func IsInvisible(r rune) bool {
	_, ok := invisible[r]
	return ok
}

// StripInvisible removes filler runes.
func StripInvisible(s string) string {
	return strings.Map(func(r rune) rune {
		if IsInvisible(r) {
			return -1
		}
		return r
	}, s)
}

// Clean reduces a line to its fingerprint: digits and invisible runes are
// removed, whitespace runs are collapsed and the result is lowercased.
func Clean(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) || IsInvisible(r) {
			return -1
		}
		return r
	}, s)
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Similarity returns 1 - editDistance/maxLen over runes; identical strings
// score 1.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// Guard is owned by one bridge; it is safe for concurrent use.
type Guard struct {
	maxLen int

	mu   sync.Mutex
	ring [RingSize]string
	next int
	rnd  *rand.Rand
}

// New returns a guard for a transport with the given line limit.
func New(maxLen int) *Guard {
	if maxLen <= 0 {
		maxLen = MaxLineModern
	}
	return &Guard{
		maxLen: maxLen,
		rnd:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// MaxLen is the transport line limit the guard pads within.
func (g *Guard) MaxLen() int { return g.maxLen }

// ShouldPad reports whether candidate matches a recent fingerprint.
func (g *Guard) ShouldPad(candidate string) bool {
	fp := Clean(candidate)
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, prev := range g.ring {
		if prev == "" {
			continue
		}
		if prev == fp || Similarity(prev, fp) >= SimilarityThreshold {
			return true
		}
	}
	return false
}

// Record stores the fingerprint of a sent line in the oldest slot.
func (g *Guard) Record(sent string) {
	fp := Clean(sent)
	g.mu.Lock()
	g.ring[g.next] = fp
	g.next = (g.next + 1) % RingSize
	g.mu.Unlock()
}

// Pad는 시도 횟수만큼 늘어나는 제로폭 문자를 줄 끝에 덧붙임. 줄 길이 제한은
// 넘지 않고 본문은 자르지 않음: 여유가 없으면 그대로 반환하므로 호출자는
// 분할 시 PadReserve를 비워 둘 것.
func (g *Guard) Pad(line string, attempt int) string {
	want := basePadding * (attempt + 1)
	room := g.maxLen - utf8.RuneCountInString(line)
	n := min(want, room)
	if n < 1 {
		return line
	}

	var b strings.Builder
	b.Grow(len(line) + n*3)
	b.WriteString(line)
	g.mu.Lock()
	for i := 0; i < n; i++ {
		b.WriteRune(fillers[g.rnd.IntN(len(fillers))])
	}
	g.mu.Unlock()
	return b.String()
}
