// Package when turns the natural-language time phrase at the end of a
// schedule command into a concrete UTC instant. Phrases are interpreted in
// the owner's configured timezone.
package when

import (
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

type Parser struct {
	w   *when.Parser
	loc *time.Location
}

func NewParser(loc *time.Location) *Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	if loc == nil {
		loc = time.UTC
	}
	return &Parser{w: w, loc: loc}
}

// Parse resolves phrases like "tomorrow 09:00", "in 1 minute" or "Sun 9am"
// relative to base in the configured timezone. The second return is false
// when nothing in the phrase looks like a time.
func (p *Parser) Parse(phrase string, base time.Time) (time.Time, bool) {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return time.Time{}, false
	}

	// Absolute forms first: RFC3339 and the common "2006-01-02 15:04".
	if t, err := time.Parse(time.RFC3339, phrase); err == nil {
		return t.UTC(), true
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", phrase, p.loc); err == nil {
		return t.UTC(), true
	}

	r, err := p.w.Parse(phrase, base.In(p.loc))
	if err != nil || r == nil {
		return time.Time{}, false
	}
	return r.Time.UTC(), true
}
