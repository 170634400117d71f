package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeSources() []Source {
	return []Source{
		{ID: 1, Title: "Doc un", URL: "http://public/download/url1"},
		{ID: 2, Title: "Doc deux", URL: "http://public/download/url2"},
		{ID: 3, Title: "Doc trois", URL: "http://public/download/url3"},
	}
}

func TestRewriterSplitToken(t *testing.T) {
	rw := NewRewriter(threeSources())

	out := rw.Write("See [SOUR")
	out += rw.Write("CE 2] and [SOURCE 9] ok")
	out += rw.Flush()

	assert.Equal(t, "See [2](http://public/download/url2) and  ok", out)

	used := rw.Used()
	require.Len(t, used, 1)
	assert.Equal(t, 2, used[0].ID)
}

func TestRewriterCaseAndSpacing(t *testing.T) {
	rw := NewRewriter(threeSources())
	out := rw.Write("a [source 1] b [ SOURCE 3 ] c")
	out += rw.Flush()
	assert.Equal(t, "a [1](http://public/download/url1) b [3](http://public/download/url3) c", out)
}

func TestRewriterFirstUseOrder(t *testing.T) {
	rw := NewRewriter(threeSources())
	_ = rw.Write("[SOURCE 3] then [SOURCE 1] then [SOURCE 3]")
	_ = rw.Flush()

	used := rw.Used()
	require.Len(t, used, 2)
	assert.Equal(t, 3, used[0].ID)
	assert.Equal(t, 1, used[1].ID)
}

func TestRewriterUnknownSourceStripped(t *testing.T) {
	rw := NewRewriter(threeSources())
	out := rw.Write("fact [SOURCE 999].")
	out += rw.Flush()
	assert.Equal(t, "fact .", out)
	assert.Empty(t, rw.Used())
}

func TestRewriterPlainBracketsPassThrough(t *testing.T) {
	rw := NewRewriter(threeSources())
	out := rw.Write("array[3] and [note] stay")
	out += rw.Flush()
	assert.Equal(t, "array[3] and [note] stay", out)
}

func TestRewriterNoURLSource(t *testing.T) {
	sources := []Source{{ID: 1, Title: "Sans lien"}}
	rw := NewRewriter(sources)
	out := rw.Write("voir [SOURCE 1]")
	out += rw.Flush()
	assert.Equal(t, "voir [1]", out)
	require.Len(t, rw.Used(), 1)
}

func TestRewriterLongPendingFlushes(t *testing.T) {
	rw := NewRewriter(threeSources())
	// Looks like a token start but never completes; must not be held
	// beyond the pending bound.
	text := "[source 1234567890123456789012345678901234567890123456789012345678901234567890 suite"
	out := rw.Write(text)
	out += rw.Flush()
	assert.Equal(t, text, out)
}

func TestRewriteAllCollapsesConsecutiveDuplicates(t *testing.T) {
	text := "fait [SOURCE 1] [SOURCE 1] et [SOURCE 2]"
	out, used := RewriteAll(text, threeSources())
	assert.Equal(t, "fait [1](http://public/download/url1) et [2](http://public/download/url2)", out)
	require.Len(t, used, 2)
}

func TestFormatSources(t *testing.T) {
	used := []Source{
		{ID: 2, Title: "Doc deux", URL: "http://public/d/2"},
		{ID: 3, Title: "Doc trois", URL: "http://public/d/2"},
		{ID: 1, Title: "Sans lien"},
	}
	out := FormatSources(used)
	assert.Equal(t, "[2] Doc deux — http://public/d/2\n[1] Sans lien — (no url)", out)
}
