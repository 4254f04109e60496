package translate

import (
	"fmt"
	"math"
	"time"
)

// Style is a timestamp rendering style of the chat platform.
type Style byte

const (
	StyleShortTime     Style = 't'
	StyleLongTime      Style = 'T'
	StyleShortDate     Style = 'd'
	StyleLongDate      Style = 'D'
	StyleShortDateTime Style = 'f'
	StyleLongDateTime  Style = 'F'
	StyleRelative      Style = 'R'
)

var styleLayouts = map[Style]string{
	StyleShortTime:     "15:04 MST",
	StyleLongTime:      "15:04:05 MST",
	StyleShortDate:     "01/02/2006",
	StyleLongDate:      "January 2, 2006",
	StyleShortDateTime: "January 2, 2006 15:04 MST",
	StyleLongDateTime:  "Monday, January 2, 2006 15:04 MST",
}

// RenderTimestamp renders t the way the chat client would for style. An
// unknown style falls back to the short date-time.
func RenderTimestamp(t, now time.Time, style Style, loc *time.Location) string {
	if style == StyleRelative {
		return Relative(t, now)
	}
	layout, ok := styleLayouts[style]
	if !ok {
		layout = styleLayouts[StyleShortDateTime]
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(layout)
}

type relUnit struct {
	size time.Duration
	name string
}

var relUnits = []relUnit{
	{365 * 24 * time.Hour, "year"},
	{30 * 24 * time.Hour, "month"},
	{24 * time.Hour, "day"},
	{time.Hour, "hour"},
	{time.Minute, "minute"},
}

// Relative renders t relative to now, e.g. "in 5 minutes" or "3 days ago".
func Relative(t, now time.Time) string {
	d := t.Sub(now)
	abs := time.Duration(math.Abs(float64(d)))
	phrase := "a few seconds"
	for _, u := range relUnits {
		if abs >= u.size {
			n := int(math.Round(float64(abs) / float64(u.size)))
			if n == 1 {
				phrase = "1 " + u.name
			} else {
				phrase = fmt.Sprintf("%d %ss", n, u.name)
			}
			break
		}
	}
	if d >= 0 {
		return "in " + phrase
	}
	return phrase + " ago"
}
