// Package urlmatch implements the URL matcher (C6): a compiled glob
// whitelist returning the highest-priority matching source. Malformed
// patterns are dropped with a diagnostic at compile time rather than
// aborting the whole load — the same "accumulate, don't abort" idiom
// internal/config uses for env-var validation, applied per-pattern here
// instead of per-setting.
package urlmatch

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/nous-run/nous/internal/model"
)

// compiledSource pairs a whitelist source with its compiled pattern.
type compiledSource struct {
	source model.WhitelistSource
	re     *regexp.Regexp
}

// Matcher holds the compiled, enabled whitelist sorted by descending priority.
type Matcher struct {
	sources []compiledSource
}

// Compile builds a Matcher from the whitelist, dropping disabled entries and
// any entry whose url_pattern fails to compile (logged, not fatal).
func Compile(whitelist []model.WhitelistSource, logger *slog.Logger) *Matcher {
	m := &Matcher{}
	for _, src := range whitelist {
		if !src.Enabled {
			continue
		}
		re, err := globToRegexp(src.URLPattern)
		if err != nil {
			if logger != nil {
				logger.Warn("urlmatch: dropping malformed pattern", "source_id", src.SourceID, "pattern", src.URLPattern, "error", err)
			}
			continue
		}
		m.sources = append(m.sources, compiledSource{source: src, re: re})
	}
	sort.SliceStable(m.sources, func(i, j int) bool {
		return m.sources[i].source.Priority > m.sources[j].source.Priority
	})
	return m
}

// globToRegexp translates glob syntax ('*' = any run of non-'/' characters,
// '**' = any run including '/') into an anchored, case-insensitive regexp.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString("[^/]*")
			}
		case '.', '+', '?', '(', ')', '[', ']', '{', '}', '^', '$', '|', '\\':
			b.WriteString(regexp.QuoteMeta(string(runes[i])))
		default:
			b.WriteRune(runes[i])
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// Match returns the highest-priority source whose pattern matches url, and
// true, or the zero value and false if nothing matches. Iteration order
// follows descending priority, so the first hit is the answer.
func (m *Matcher) Match(url string) (model.WhitelistSource, bool) {
	for _, cs := range m.sources {
		if cs.re.MatchString(url) {
			return cs.source, true
		}
	}
	return model.WhitelistSource{}, false
}

// IsWhitelisted is a convenience wrapper around Match.
func (m *Matcher) IsWhitelisted(url string) bool {
	_, ok := m.Match(url)
	return ok
}
