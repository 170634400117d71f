package qcm

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjoulin/savoir/rag"
	"github.com/fjoulin/savoir/retriever"
)

func sampleItems() []Item {
	return []Item{
		{
			Question: "Qu'est-ce qu'un décorateur ?",
			Answers:  [3]string{"A1_correct", "A1_plaus", "A1_wrong"},
			Source: rag.Source{
				ID: 1, Title: "Doc Python", URL: "https://public/d/1",
				Chunk: retriever.RankedChunk{Chunk: retriever.Chunk{Text: "Texte source complet 1."}},
			},
		},
		{
			Question: "Que fait le GIL ?",
			Answers:  [3]string{"A2_correct", "A2_plaus", "A2_wrong"},
			Source: rag.Source{
				ID: 2, Title: "Doc GIL", URL: "https://public/d/2",
				Chunk: retriever.RankedChunk{Chunk: retriever.Chunk{Text: "Texte source complet 2."}},
			},
		},
	}
}

func TestFormatDownloadableCorrectFirst(t *testing.T) {
	quiz := FormatDownloadable(sampleItems(), "Python", DifficultyMedium)

	require.Len(t, quiz.Questions, 2)
	assert.Equal(t, "A1_correct", quiz.Questions[0].AnsList[0])
	assert.Equal(t, "A2_correct", quiz.Questions[1].AnsList[0])
	assert.Equal(t, "Texte source complet 1.", quiz.Questions[0].SourceText)
	assert.Equal(t, "https://public/d/2", quiz.Questions[1].SourceURL)

	// The invariant survives serialization.
	data, err := json.Marshal(quiz)
	require.NoError(t, err)
	var decoded DownloadableQuiz
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "A1_correct", decoded.Questions[0].AnsList[0])
}

func TestFormatMarkdownStructure(t *testing.T) {
	noShuffle := func(n int, swap func(i, j int)) {}
	out := formatMarkdown(sampleItems(), "Python", DifficultyMedium, noShuffle)

	assert.Contains(t, out, "# QCM: Python")
	assert.Contains(t, out, "**Difficulté:** Moyen")
	assert.Contains(t, out, "## Question 1")
	assert.Contains(t, out, "## Question 2")
	assert.Contains(t, out, "<details><summary>Voir la réponse</summary>")
	// With the identity permutation the correct answer stays on A.
	assert.Contains(t, out, "**Réponse correcte: A**")
	assert.Contains(t, out, "> Texte source complet 1.")
	assert.Contains(t, out, "Source: [1](https://public/d/1)")
	assert.Contains(t, out, "Source: [2](https://public/d/2)")

	// Sources section numbered in question order.
	assert.Contains(t, out, "## Sources")
	idx1 := strings.Index(out, "- [1] [Doc Python](https://public/d/1)")
	idx2 := strings.Index(out, "- [2] [Doc GIL](https://public/d/2)")
	require.Greater(t, idx1, 0)
	require.Greater(t, idx2, idx1)
}

func TestFormatMarkdownDeduplicatesSourceURLs(t *testing.T) {
	items := sampleItems()
	items[1].Source.URL = items[0].Source.URL
	items[1].Source.Title = items[0].Source.Title

	noShuffle := func(n int, swap func(i, j int)) {}
	out := formatMarkdown(items, "Python", DifficultyEasy, noShuffle)

	assert.Equal(t, 1, strings.Count(out, "- [1] [Doc Python]"))
	assert.NotContains(t, out, "- [2]")
}

func TestFormatMarkdownShuffleKeepsCorrectLetterConsistent(t *testing.T) {
	reverse := func(n int, swap func(i, j int)) { swap(0, n-1) }
	out := formatMarkdown(sampleItems()[:1], "Python", DifficultyHard, reverse)

	// Order becomes [wrong, plaus, correct]: correct sits on C.
	assert.Contains(t, out, "- **A.** A1_wrong")
	assert.Contains(t, out, "- **C.** A1_correct")
	assert.Contains(t, out, "**Réponse correcte: C**")
}
