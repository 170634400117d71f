// Package lemma normalizes French query text for BM25 parity with the
// indexing pipeline: markdown cleanup, lowercasing, then per-token
// stemming with the same snowball rules the indexer applies.
package lemma

import (
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/kljensen/snowball/french"
	"go.uber.org/zap"
)

var (
	reCodeBlock  = regexp.MustCompile("```[\\s\\S]*?```")
	reImage      = regexp.MustCompile(`!\[[^\]]*\]\([^)]+\)`)
	reLink       = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	reHeading    = regexp.MustCompile(`#+\s*`)
	reInlineCode = regexp.MustCompile("`([^`]*)`")
	reEmphasis   = regexp.MustCompile(`[*_]{1,3}`)
	reListMarker = regexp.MustCompile(`(?m)^\s*[-*+]\s*`)
	reBlockquote = regexp.MustCompile(`(?m)^\s*>\s*`)
	reTableRow   = regexp.MustCompile(`\|.*\|`)
	reRule       = regexp.MustCompile(`[-*_]{3,}`)
	reBraces     = regexp.MustCompile(`[{}\[\]]`)
	reHTMLTag    = regexp.MustCompile(`<[^>]+>`)
	reSpaces     = regexp.MustCompile(`\s+`)
)

// Normalizer reduces a query string to a whitespace-joined sequence of
// lowercase lemmas. Stemming is stateless, so a single Normalizer is safe
// for concurrent use.
type Normalizer struct {
	logger   *zap.Logger
	warnOnce sync.Once
}

func NewNormalizer(logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{logger: logger}
}

// Normalize cleans markdown, lowercases and stems each token. It never
// fails: if the stemmer fails on any token, the raw input is returned
// lowercased, with a one-time warning.
func (n *Normalizer) Normalize(text string) string {
	cleaned := stripMarkdown(text)
	cleaned = strings.ToLower(strings.TrimSpace(cleaned))
	if cleaned == "" {
		return ""
	}

	tokens := tokenize(cleaned)
	lemmas := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.Trim(tok, "'-")
		if tok == "" {
			continue
		}
		lemma, ok := n.stem(tok)
		if !ok {
			return strings.ToLower(strings.TrimSpace(text))
		}
		lemmas = append(lemmas, lemma)
	}
	return strings.Join(lemmas, " ")
}

// stem reduces a token to its snowball fixpoint, so normalizing an
// already-normalized string changes nothing. ok is false when the stemmer
// failed on the token.
func (n *Normalizer) stem(token string) (lemma string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			n.warnOnce.Do(func() {
				n.logger.Warn("stemmer failed, falling back to raw lowercased text",
					zap.Any("cause", r))
			})
			lemma, ok = token, false
		}
	}()

	lemma = token
	for i := 0; i < 10; i++ {
		next := french.Stem(lemma, false)
		if next == lemma {
			break
		}
		lemma = next
	}
	return lemma, true
}

func stripMarkdown(text string) string {
	text = reCodeBlock.ReplaceAllString(text, " ")
	text = reImage.ReplaceAllString(text, " ")
	text = reLink.ReplaceAllString(text, "$1")
	text = reHeading.ReplaceAllString(text, " ")
	text = reInlineCode.ReplaceAllString(text, "$1")
	text = reEmphasis.ReplaceAllString(text, " ")
	text = reListMarker.ReplaceAllString(text, " ")
	text = reBlockquote.ReplaceAllString(text, " ")
	text = reTableRow.ReplaceAllString(text, " ")
	text = reRule.ReplaceAllString(text, " ")
	text = reBraces.ReplaceAllString(text, " ")
	text = reHTMLTag.ReplaceAllString(text, " ")
	return reSpaces.ReplaceAllString(text, " ")
}

// tokenize splits on anything that is not a letter, digit, apostrophe or
// hyphen, dropping punctuation the way the indexer does.
func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
		return r != '\'' && r != '-'
	})
}
