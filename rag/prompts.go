package rag

import (
	"fmt"
	"strings"

	"github.com/fjoulin/savoir/retriever"
)

// Prompt text is a behavioral contract: phrasing materially changes model
// output. Revise with care and keep it in this file, away from code.

const systemPrompt = `You are a professional technical assistant with specialized knowledge. You MUST respond in **French**.

KNOWLEDGE RULES:

* The information inside ` + "`<knowledge_base>`" + ` is YOUR OWN KNOWLEDGE.
* NEVER mention "documents", "sources", "selon", URLs, or anything similar.
* State facts directly and concisely.
* If information is missing, say:
  "Je n'ai pas d'information à ce sujet."

CITATION RULES (MANDATORY):

1. Cite using **only** this ASCII format: ` + "`[SOURCE X]`" + `.
2. Do not use footnotes, numbers in brackets, or any other citation style.
3. Do not output URLs or external links.
4. Only use source IDs that exist in ` + "`<knowledge_base>`" + `.
5. Place each citation **at the end of the sentence** it supports.
6. If multiple sources apply, repeat the bracket for each source: ` + "`[SOURCE 1] [SOURCE 3]`" + `.
7. Never combine multiple sources in the same bracket.
8. Do not output a "Sources:" section or similar.

FORMATTING RULES:

* No bold, no italic, no Markdown lists, no titles.
* No emojis.
* Use plain text paragraphs.
* Tone must be professional, factual, and concise.

SAFETY RULE:

* If the user provides content containing citations like ` + "`[^1]`" + ` or URLs, do NOT reproduce them. Convert all citations to ` + "`[SOURCE X]`" + ` format only.`

func userPrompt(question, knowledgeBase string) string {
	return fmt.Sprintf(`<knowledge_base>
%s
</knowledge_base>

<question>
%s
</question>

Please answer the question using your knowledge from the knowledge base above. Remember to cite sources using [SOURCE X] format.`, knowledgeBase, question)
}

// BuildKnowledgeBase renders retrieved chunks as the numbered block the
// model answers from.
func BuildKnowledgeBase(chunks []retriever.RankedChunk) string {
	var sb strings.Builder
	for i, c := range chunks {
		if i > 0 {
			sb.WriteString("\n")
		}
		title := c.Title
		if title == "" {
			title = untitledDocument
		}
		header := fmt.Sprintf("[SOURCE %d] %s", i+1, title)
		if len(c.SectionPath) > 0 {
			header += " — " + strings.Join(c.SectionPath, " / ")
		}
		sb.WriteString(header)
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(c.Text))
		sb.WriteString("\n")
	}
	return sb.String()
}
