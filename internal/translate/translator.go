// Package translate converts message text between the chat platform's
// markdown dialect and the game's plain chat lines.
package translate

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/park285/guild-chat-bridge/internal/antispam"
	"github.com/park285/guild-chat-bridge/internal/chatplatform"
)

// Resolver looks up chat-platform names and ids. Every lookup reports false
// when nothing matches; the translator then leaves the text as written.
type Resolver interface {
	UserName(ctx context.Context, id string) (string, bool)
	UserByName(ctx context.Context, name string) (string, bool)
	RoleName(ctx context.Context, id string) (string, bool)
	RoleByName(ctx context.Context, name string) (string, bool)
	ChannelName(ctx context.Context, id string) (string, bool)
	ChannelByName(ctx context.Context, name string) (string, bool)
	Emojis(ctx context.Context) []chatplatform.Emoji
}

var (
	urlRe = regexp.MustCompile(`https?://[^\s<>]+`)

	userMentionRe  = regexp.MustCompile(`<@!?(\d+)>`)
	roleMentionRe  = regexp.MustCompile(`<@&(\d+)>`)
	channelRefRe   = regexp.MustCompile(`<#(\d+)>`)
	customEmojiRe  = regexp.MustCompile(`<(a?):(\w+):(\d+)>`)
	timestampRe    = regexp.MustCompile(`<t:(-?\d+)(?::([tTdDfFR]))?>`)
	hspaceRe       = regexp.MustCompile(`[ \t\f\v\r]+`)
	escapedRe      = regexp.MustCompile(`\\([\\*_~` + "`" + `|>])`)
	quoteRe        = regexp.MustCompile(`(?m)^>>?>? `)
	codeFenceRe    = regexp.MustCompile("```(?:[a-zA-Z0-9]+\n)?((?s:.*?))```")
	inlineCodeRe   = regexp.MustCompile("`([^`\n]+)`")
	pairedMarkupRe = regexp.MustCompile(`(\*\*\*|\*\*|__|~~|\|\|)(.+?)(\*\*\*|\*\*|__|~~|\|\|)`)

	nameMentionRe = regexp.MustCompile(`(^|\s)@(\w{2,32}(?:\.\w+)*)`)
	nameChannelRe = regexp.MustCompile(`(^|\s)#([\w-]{1,100})`)
	shortcodeRe   = regexp.MustCompile(`:([\w+-]{1,64}):`)
	isoTimeRe     = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})[T ](\d{2}:\d{2}(?::\d{2})?)(Z|[+-]\d{2}:\d{2})?\b`)
	mdEscapeRe    = regexp.MustCompile("[\\\\*_~`|]")
	leadQuoteRe   = regexp.MustCompile(`(?m)^>`)
)

// Translator is safe for concurrent use.
type Translator struct {
	res Resolver
	loc *time.Location
	now func() time.Time
}

// Option configures a Translator.
type Option func(*Translator)

// WithLocation renders absolute timestamps in loc. The default is UTC.
func WithLocation(loc *time.Location) Option {
	return func(t *Translator) { t.loc = loc }
}

// WithClock overrides the clock used for relative timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Translator) { t.now = now }
}

// New returns a translator. A nil resolver leaves every reference literal.
func New(res Resolver, opts ...Option) *Translator {
	t := &Translator{res: res, loc: time.UTC, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

// holder swaps protected spans for mark-delimited placeholders and puts
// them back.
type holder struct {
	mark  string
	spans []string
}

func (h *holder) key(i int) string {
	return h.mark + strconv.Itoa(i) + h.mark
}

func (h *holder) hold(s string) string {
	h.spans = append(h.spans, s)
	return h.key(len(h.spans) - 1)
}

func (h *holder) restore(s string) string {
	for i := len(h.spans) - 1; i >= 0; i-- {
		s = strings.ReplaceAll(s, h.key(i), h.spans[i])
	}
	return s
}

// replaceSub runs fn on every match of re, passing submatches.
func replaceSub(re *regexp.Regexp, s string, fn func(sub []string) string) string {
	return re.ReplaceAllStringFunc(s, func(m string) string {
		return fn(re.FindStringSubmatch(m))
	})
}

// collapse squeezes horizontal whitespace runs and drops blank lines. Line
// breaks survive so callers can split on them.
func collapse(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.TrimSpace(hspaceRe.ReplaceAllString(l, " "))
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// ToGame converts a chat-platform message into text the game client can
// show: ids become names, markup is unwrapped, emoji become shortcodes.
func (t *Translator) ToGame(ctx context.Context, text string) string {
	s := antispam.StripInvisible(text)
	s = collapse(s)

	h := holder{mark: "\x00"}
	s = urlRe.ReplaceAllStringFunc(s, h.hold)

	now := t.now()
	s = replaceSub(timestampRe, s, func(sub []string) string {
		sec, err := strconv.ParseInt(sub[1], 10, 64)
		if err != nil {
			return sub[0]
		}
		style := StyleShortDateTime
		if sub[2] != "" {
			style = Style(sub[2][0])
		}
		return h.hold(RenderTimestamp(time.Unix(sec, 0), now, style, t.loc))
	})

	s = replaceSub(customEmojiRe, s, func(sub []string) string {
		return h.hold(":" + sub[2] + ":")
	})
	s = GlyphsToNames(s)

	s = replaceSub(userMentionRe, s, func(sub []string) string {
		if t.res == nil {
			return sub[0]
		}
		if name, ok := t.res.UserName(ctx, sub[1]); ok {
			return h.hold("@" + name)
		}
		return sub[0]
	})
	s = replaceSub(roleMentionRe, s, func(sub []string) string {
		if t.res == nil {
			return sub[0]
		}
		if name, ok := t.res.RoleName(ctx, sub[1]); ok {
			return h.hold("@" + name)
		}
		return sub[0]
	})
	s = replaceSub(channelRefRe, s, func(sub []string) string {
		if t.res == nil {
			return sub[0]
		}
		if name, ok := t.res.ChannelName(ctx, sub[1]); ok {
			return h.hold("#" + name)
		}
		return sub[0]
	})

	s = unescape(s)
	return collapse(h.restore(s))
}

// unescape strips markdown markup and backslash escapes. Escaped markers are
// held aside first so they come out literal.
func unescape(s string) string {
	esc := holder{mark: "\x01"}
	s = replaceSub(escapedRe, s, func(sub []string) string { return esc.hold(sub[1]) })
	s = codeFenceRe.ReplaceAllString(s, "$1")
	s = inlineCodeRe.ReplaceAllString(s, "$1")
	s = quoteRe.ReplaceAllString(s, "")
	for {
		next := replaceSub(pairedMarkupRe, s, func(sub []string) string {
			if sub[1] != sub[3] {
				return sub[0]
			}
			return sub[2]
		})
		if next == s {
			break
		}
		s = next
	}
	return esc.restore(s)
}

// ToChat converts a game line into chat-platform markdown: names become
// references where they resolve, shortcodes become emoji, markup characters
// are escaped. URLs pass through untouched.
func (t *Translator) ToChat(ctx context.Context, text string) string {
	s := antispam.StripInvisible(text)
	s = collapse(s)

	h := holder{mark: "\x00"}
	s = urlRe.ReplaceAllStringFunc(s, h.hold)

	s = replaceSub(isoTimeRe, s, func(sub []string) string {
		ts, ok := parseISO(sub[1], sub[2], sub[3])
		if !ok {
			return sub[0]
		}
		return h.hold("<t:" + strconv.FormatInt(ts.Unix(), 10) + ":f>")
	})

	var custom []chatplatform.Emoji
	if t.res != nil && shortcodeRe.MatchString(s) {
		custom = t.res.Emojis(ctx)
	}
	s = replaceSub(shortcodeRe, s, func(sub []string) string {
		name := sub[1]
		for _, e := range custom {
			if strings.EqualFold(e.Name, name) {
				return h.hold(FormatCustomEmoji(e))
			}
		}
		if g, ok := GlyphFor(name); ok {
			return h.hold(g)
		}
		if e, ok := MatchCustomEmoji(name, custom); ok {
			return h.hold(FormatCustomEmoji(e))
		}
		return sub[0]
	})

	if t.res != nil {
		s = replaceSub(nameMentionRe, s, func(sub []string) string {
			if id, ok := t.res.UserByName(ctx, sub[2]); ok {
				return sub[1] + h.hold("<@"+id+">")
			}
			if id, ok := t.res.RoleByName(ctx, sub[2]); ok {
				return sub[1] + h.hold("<@&"+id+">")
			}
			return sub[0]
		})
		s = replaceSub(nameChannelRe, s, func(sub []string) string {
			if id, ok := t.res.ChannelByName(ctx, sub[2]); ok {
				return sub[1] + h.hold("<#"+id+">")
			}
			return sub[0]
		})
	}

	s = Escape(s)
	return h.restore(s)
}

// Escape backslash-escapes markdown emphasis characters and leading quote
// markers.
func Escape(s string) string {
	s = mdEscapeRe.ReplaceAllString(s, `\$0`)
	return leadQuoteRe.ReplaceAllString(s, `\>`)
}

func parseISO(date, clock, zone string) (time.Time, bool) {
	layout := "2006-01-02 15:04"
	if len(clock) == len("15:04:05") {
		layout = "2006-01-02 15:04:05"
	}
	value := date + " " + clock
	if zone != "" {
		if zone == "Z" {
			zone = "+00:00"
		}
		layout += "-07:00"
		value += zone
	}
	ts, err := time.Parse(layout, value)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
