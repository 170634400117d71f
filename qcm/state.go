package qcm

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fjoulin/savoir/llm"
)

// Phase is the parameter-collection conversation state.
type Phase string

const (
	PhaseAskTopic      Phase = "ask_topic"
	PhaseAskDifficulty Phase = "ask_difficulty"
	PhaseAskCount      Phase = "ask_count"
	PhaseConfirm       Phase = "confirm"
	PhaseRunning       Phase = "running"
)

// Difficulty levels drive the distractor policy.
const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

var difficultyLabels = map[string]string{
	DifficultyEasy:   "Facile",
	DifficultyMedium: "Moyen",
	DifficultyHard:   "Difficile",
}

const (
	minQuestions = 1
	maxQuestions = 50
)

// State is the collected quiz configuration. It is rebuilt from the full
// message history on every turn; nothing is kept in-process between
// requests.
type State struct {
	Phase      Phase
	Topic      string
	Difficulty string
	Count      int
}

// Advance replays the conversation history and returns the resulting
// state plus the assistant reply for the latest turn. It is a pure
// function of the history: identical input always produces identical
// output. Malformed user input keeps the current phase and re-prompts.
func Advance(history []llm.Message) (State, string) {
	state := State{Phase: PhaseAskTopic}
	reply := welcomeMessage

	for _, msg := range history {
		if msg.Role != llm.RoleUser {
			continue
		}
		state, reply = step(state, msg.Content)
	}
	return state, reply
}

func step(state State, input string) (State, string) {
	text := strings.TrimSpace(input)

	switch state.Phase {
	case PhaseAskTopic:
		if text == "" {
			return state, welcomeMessage
		}
		state.Topic = text
		state.Phase = PhaseAskDifficulty
		return state, askDifficultyMessage(state)

	case PhaseAskDifficulty:
		diff, ok := parseDifficulty(text)
		if !ok {
			return state, retryDifficultyMessage
		}
		state.Difficulty = diff
		state.Phase = PhaseAskCount
		return state, askCountMessage(state)

	case PhaseAskCount:
		count, ok := parseCount(text)
		if !ok {
			return state, retryCountMessage
		}
		state.Count = count
		state.Phase = PhaseConfirm
		return state, confirmMessage(state)

	case PhaseConfirm:
		switch {
		case isAffirmative(text):
			state.Phase = PhaseRunning
			return state, launchMessage
		case isNegative(text):
			return State{Phase: PhaseAskTopic}, restartMessage
		default:
			return state, confirmMessage(state)
		}

	default:
		return state, ""
	}
}

// difficultyAliases is scanned in order so parsing stays deterministic
// even when several levels appear in one message.
var difficultyAliases = []struct {
	alias string
	level string
}{
	{"facile", DifficultyEasy}, {"easy", DifficultyEasy}, {"simple", DifficultyEasy},
	{"moyen", DifficultyMedium}, {"moyenne", DifficultyMedium}, {"medium", DifficultyMedium}, {"intermédiaire", DifficultyMedium},
	{"difficile", DifficultyHard}, {"hard", DifficultyHard}, {"dur", DifficultyHard}, {"avancé", DifficultyHard},
}

func parseDifficulty(text string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(text))
	// Tolerate the level inside a sentence ("plutôt difficile").
	for _, entry := range difficultyAliases {
		if normalized == entry.alias || containsWord(normalized, entry.alias) {
			return entry.level, true
		}
	}
	return "", false
}

var intRe = regexp.MustCompile(`\d+`)

func parseCount(text string) (int, bool) {
	match := intRe.FindString(text)
	if match == "" {
		return 0, false
	}
	count, err := strconv.Atoi(match)
	if err != nil || count < minQuestions || count > maxQuestions {
		return 0, false
	}
	return count, true
}

var affirmatives = []string{"oui", "yes", "ok", "go", "lance", "d'accord", "confirme", "c'est bon", "vas-y", "parfait"}

var negatives = []string{"non", "no", "modifier", "recommence", "change"}

func isAffirmative(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	for _, word := range affirmatives {
		if normalized == word || containsWord(normalized, word) {
			return true
		}
	}
	return false
}

func isNegative(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	for _, word := range negatives {
		if normalized == word || containsWord(normalized, word) {
			return true
		}
	}
	return false
}

func containsWord(text, word string) bool {
	idx := strings.Index(text, word)
	if idx < 0 {
		return false
	}
	before := idx == 0 || !isWordByte(text[idx-1])
	afterIdx := idx + len(word)
	after := afterIdx >= len(text) || !isWordByte(text[afterIdx])
	return before && after
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

const welcomeMessage = "Bienvenue dans le générateur de QCM!\n\n" +
	"Pour créer vos questions, j'ai besoin de:\n" +
	"- **Le sujet** des questions\n" +
	"- **La difficulté** (facile, moyen, difficile)\n" +
	"- **Le nombre** de questions\n\n" +
	"Quel est le sujet de votre QCM ?"

func askDifficultyMessage(state State) string {
	return fmt.Sprintf("Bien noté! Sujet: %s\n\nQuelle difficulté souhaitez-vous ? (facile, moyen, difficile)", state.Topic)
}

const retryDifficultyMessage = "Je n'ai pas compris la difficulté. Répondez par **facile**, **moyen** ou **difficile**."

func askCountMessage(state State) string {
	return fmt.Sprintf("Difficulté: %s\n\nCombien de questions ? (entre %d et %d)",
		difficultyLabels[state.Difficulty], minQuestions, maxQuestions)
}

var retryCountMessage = fmt.Sprintf("Je n'ai pas compris le nombre de questions. Indiquez un entier entre %d et %d.", minQuestions, maxQuestions)

func confirmMessage(state State) string {
	return fmt.Sprintf("**Configuration du QCM:**\n- **Sujet:** %s\n- **Difficulté:** %s\n- **Nombre de questions:** %d\n\n"+
		"Est-ce correct? Répondez **oui** pour confirmer ou **non** pour recommencer.",
		state.Topic, difficultyLabels[state.Difficulty], state.Count)
}

const launchMessage = "Lancement de la génération du QCM...\n\n"

const restartMessage = "D'accord, reprenons depuis le début. Quel est le sujet de votre QCM ?"
