package rag

import (
	"fmt"
	"strings"

	"github.com/fjoulin/savoir/retriever"
)

// Source is the deduplicated, display-ready view of a retrieved chunk.
type Source struct {
	ID      int
	Title   string
	URL     string
	Snippet string
	Chunk   retriever.RankedChunk
}

const untitledDocument = "Document sans titre"

// URLResolver rewrites store-internal document URLs into the public form
// shown to users. Fileserver-internal URLs must never leak downstream.
type URLResolver struct {
	InternalBase string
	PublicBase   string
}

// Resolve maps a chunk to its public URL. Chunks carrying a file hash are
// addressed through the fileserver; everything else keeps its canonical
// URL, with the internal prefix swapped for the public one.
func (r URLResolver) Resolve(c retriever.RankedChunk) string {
	if hash := c.ExtraTags["hash"]; hash != "" {
		return strings.TrimRight(r.PublicBase, "/") + "/download/" + hash
	}

	url := c.SourceURL
	if url == "" {
		return ""
	}
	if r.InternalBase != "" && strings.HasPrefix(url, r.InternalBase) {
		return strings.TrimRight(r.PublicBase, "/") + strings.TrimPrefix(url, strings.TrimRight(r.InternalBase, "/"))
	}
	if strings.HasSuffix(strings.ToLower(url), ".pdf") {
		// No hash to serve the PDF through the fileserver; link the page
		// it came from instead.
		return url[:len(url)-4]
	}
	return url
}

// SourcesFromChunks numbers chunks 1..N and resolves their URLs.
func SourcesFromChunks(chunks []retriever.RankedChunk, resolver URLResolver) []Source {
	sources := make([]Source, 0, len(chunks))
	for i, c := range chunks {
		title := c.Title
		if title == "" {
			title = untitledDocument
		}
		sources = append(sources, Source{
			ID:      i + 1,
			Title:   title,
			URL:     resolver.Resolve(c),
			Snippet: snippet(c.Text),
			Chunk:   c,
		})
	}
	return sources
}

func snippet(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > 500 {
		return text[:500] + "..."
	}
	return text
}

// FormatSources renders the sources list shown under an answer: one
// "[k] title — url" line per source, in the given order, duplicate URLs
// collapsed onto the first entry that carries them.
func FormatSources(used []Source) string {
	var sb strings.Builder
	seen := make(map[string]bool)
	for _, s := range used {
		if s.URL != "" && seen[s.URL] {
			continue
		}
		if s.URL != "" {
			seen[s.URL] = true
		}
		url := s.URL
		if url == "" {
			url = "(no url)"
		}
		fmt.Fprintf(&sb, "[%d] %s — %s\n", s.ID, s.Title, url)
	}
	return strings.TrimRight(sb.String(), "\n")
}
