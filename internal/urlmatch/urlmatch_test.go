package urlmatch_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nous-run/nous/internal/model"
	"github.com/nous-run/nous/internal/urlmatch"
)

func TestMatchHighestPriorityWins(t *testing.T) {
	m := urlmatch.Compile([]model.WhitelistSource{
		{SourceID: "wiki", URLPattern: "https://en.wikipedia.org/**", Priority: 1, Enabled: true},
		{SourceID: "wiki-high", URLPattern: "https://en.wikipedia.org/**", Priority: 10, Enabled: true},
	}, nil)

	src, ok := m.Match("https://en.wikipedia.org/wiki/Go")
	require.True(t, ok)
	require.Equal(t, "wiki-high", src.SourceID)
}

func TestNotWhitelisted(t *testing.T) {
	m := urlmatch.Compile([]model.WhitelistSource{
		{SourceID: "wiki", URLPattern: "https://en.wikipedia.org/**", Priority: 1, Enabled: true},
	}, nil)

	require.True(t, m.IsWhitelisted("https://en.wikipedia.org/x"))
	require.False(t, m.IsWhitelisted("https://evil.example/x"))
}

func TestDisabledSourceDropped(t *testing.T) {
	m := urlmatch.Compile([]model.WhitelistSource{
		{SourceID: "wiki", URLPattern: "https://en.wikipedia.org/**", Priority: 1, Enabled: false},
	}, nil)
	require.False(t, m.IsWhitelisted("https://en.wikipedia.org/x"))
}

func TestMalformedPatternDroppedNotFatal(t *testing.T) {
	m := urlmatch.Compile([]model.WhitelistSource{
		{SourceID: "bad", URLPattern: "https://[", Priority: 1, Enabled: true},
		{SourceID: "ok", URLPattern: "https://good.example/*", Priority: 1, Enabled: true},
	}, nil)
	require.True(t, m.IsWhitelisted("https://good.example/x"))
}

func TestCaseInsensitiveWholeString(t *testing.T) {
	m := urlmatch.Compile([]model.WhitelistSource{
		{SourceID: "wiki", URLPattern: "https://EN.wikipedia.org/*", Priority: 1, Enabled: true},
	}, nil)
	require.True(t, m.IsWhitelisted("https://en.wikipedia.org/x"))
	require.False(t, m.IsWhitelisted("https://en.wikipedia.org/x/y"))
}
