package qcm

import (
	"fmt"
	"math/rand"
	"strings"
)

// DownloadableQuiz is the JSON artifact uploaded to the fileserver.
// AnsList[0] is the correct answer; consumers shuffle at render time.
type DownloadableQuiz struct {
	Topic      string             `json:"topic"`
	Difficulty string             `json:"difficulty"`
	Questions  []DownloadableItem `json:"questions"`
}

type DownloadableItem struct {
	Question   string    `json:"question"`
	AnsList    [3]string `json:"ans_list"`
	SourceText string    `json:"source_text"`
	SourceURL  string    `json:"source_url"`
}

// FormatDownloadable builds the structured quiz payload, question order
// preserved.
func FormatDownloadable(items []Item, topic, difficulty string) DownloadableQuiz {
	quiz := DownloadableQuiz{Topic: topic, Difficulty: difficulty}
	for _, item := range items {
		quiz.Questions = append(quiz.Questions, DownloadableItem{
			Question:   item.Question,
			AnsList:    item.Answers,
			SourceText: item.Source.Chunk.Text,
			SourceURL:  item.Source.URL,
		})
	}
	return quiz
}

// FormatMarkdown renders the quiz for display: choices shuffled per
// question with the correct letter revealed in a collapsible section, and
// a final sources list numbered in question order.
func FormatMarkdown(items []Item, topic, difficulty string) string {
	return formatMarkdown(items, topic, difficulty, rand.Shuffle)
}

// formatMarkdown takes the shuffler as a parameter so rendering stays
// checkable with a fixed permutation.
func formatMarkdown(items []Item, topic, difficulty string, shuffle func(n int, swap func(i, j int))) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# QCM: %s\n", topic)
	fmt.Fprintf(&sb, "**Difficulté:** %s\n", difficultyLabels[difficulty])
	fmt.Fprintf(&sb, "**Nombre de questions:** %d\n\n---\n\n", len(items))

	type citedSource struct {
		number int
		title  string
		url    string
	}
	var allSources []citedSource
	urlToNumber := make(map[string]int)

	for i, item := range items {
		letters := []string{"A", "B", "C"}
		order := []int{0, 1, 2}
		if shuffle != nil {
			shuffle(len(order), func(a, b int) { order[a], order[b] = order[b], order[a] })
		}

		correctLetter := ""
		for pos, ansIdx := range order {
			if ansIdx == 0 {
				correctLetter = letters[pos]
			}
		}

		fmt.Fprintf(&sb, "## Question %d\n**%s**\n\n", i+1, item.Question)
		for pos, ansIdx := range order {
			fmt.Fprintf(&sb, "- **%s.** %s\n", letters[pos], item.Answers[ansIdx])
		}

		sb.WriteString("\n<details><summary>Voir la réponse</summary>\n\n")
		fmt.Fprintf(&sb, "**Réponse correcte: %s**\n", correctLetter)

		if text := strings.TrimSpace(item.Source.Chunk.Text); text != "" {
			fmt.Fprintf(&sb, "\n**Extrait source:**\n\n> %s\n", strings.ReplaceAll(text, "\n", "\n> "))
		}

		if item.Source.URL != "" {
			number, ok := urlToNumber[item.Source.URL]
			if !ok {
				number = len(allSources) + 1
				urlToNumber[item.Source.URL] = number
				allSources = append(allSources, citedSource{number: number, title: item.Source.Title, url: item.Source.URL})
			}
			fmt.Fprintf(&sb, "\nSource: [%d](%s)\n", number, item.Source.URL)
		}

		sb.WriteString("</details>\n\n---\n\n")
	}

	if len(allSources) > 0 {
		sb.WriteString("\n## Sources\n\n")
		for _, src := range allSources {
			fmt.Fprintf(&sb, "- [%d] [%s](%s)\n", src.number, src.title, src.url)
		}
	}

	return strings.TrimRight(sb.String(), "\n") + "\n"
}
