package qcm

import "fmt"

// Prompt text is a behavioral contract; keep it here as data.

func questionGeneratorSystem(topic string, number int, difficulty string) string {
	return fmt.Sprintf(`Tu es un concepteur d'évaluations pédagogiques. Tu rédiges des questions de QCM en français sur le sujet « %s », au niveau %s, exclusivement à partir du contexte fourni.

RÈGLES:
- Produis exactement %d questions pédagogiquement distinctes.
- Chaque question doit pouvoir être résolue à partir du contexte.
- Ne produis ni réponses ni choix, uniquement les questions.

Réponds UNIQUEMENT avec un objet JSON, sans texte autour:
{"questions": ["question 1", "question 2", ...]}`, topic, difficultyLabels[difficulty], number)
}

func questionGeneratorUser(topic string, number int, context string) string {
	return fmt.Sprintf(`Contexte:

%s

Rédige %d questions sur « %s ».`, context, number, topic)
}

func answerGeneratorSystem(topic, difficulty string) string {
	policy := map[string]string{
		DifficultyEasy:   "Les deux mauvais choix sont clairement faux et faciles à éliminer.",
		DifficultyMedium: "Un mauvais choix est plausible, l'autre clairement faux.",
		DifficultyHard:   "Les deux mauvais choix sont très plausibles et difficiles à distinguer de la bonne réponse.",
	}[difficulty]

	return fmt.Sprintf(`Tu es un concepteur d'évaluations pédagogiques. Pour une question de QCM sur « %s », tu identifies la bonne réponse à partir du contexte fourni et tu rédiges deux mauvais choix.

POLITIQUE DE DIFFICULTÉ (%s): %s

RÈGLES:
- La bonne réponse doit être appuyée par le contexte.
- "source_id" est l'identifiant de l'extrait qui appuie le mieux la bonne réponse.

Réponds UNIQUEMENT avec un objet JSON, sans texte autour:
{"right_choice": "...", "wrong_choice_1": "...", "wrong_choice_2": "...", "source_id": N}`, topic, difficultyLabels[difficulty], policy)
}

func answerGeneratorUser(question, context string) string {
	return fmt.Sprintf(`Contexte:

%s

Question: %s`, context, question)
}
