package classifier

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

// Intent labels with special meaning to the resolver.
const (
	IntentGreeting = "greeting"
	IntentFarewell = "farewell"
	IntentGeneral  = "general"
)

// IntentClassifier labels the conversational intent of a message.
type IntentClassifier interface {
	Classify(ctx context.Context, text string) (label string, confidence float64, err error)
}

// EntityExtractor pulls named things (people, places, projects, hashtags) out of a message.
type EntityExtractor interface {
	Extract(ctx context.Context, text string) ([]string, error)
}

type SimpleClassifier struct {
	minConfidence float64
	maxEntities   int
}

func NewSimpleClassifier(minConfidence float64, maxEntities int) *SimpleClassifier {
	if maxEntities <= 0 {
		maxEntities = 10
	}
	return &SimpleClassifier{
		minConfidence: minConfidence,
		maxEntities:   maxEntities,
	}
}

var greetings = []string{"hi", "hello", "hey", "good morning", "good evening", "good afternoon", "yo"}

var farewells = []string{"bye", "goodbye", "good night", "see you", "see ya", "talk later", "gotta go"}

// Keyword categories, checked in a fixed order so results are deterministic.
var categories = []struct {
	name     string
	keywords []string
}{
	{"work", []string{"project", "meeting", "deadline", "task", "report"}},
	{"personal", []string{"family", "friend", "home", "birthday", "holiday"}},
	{"shopping", []string{"buy", "purchase", "store", "shop", "price"}},
	{"education", []string{"study", "learn", "course", "book", "homework"}},
	{"travel", []string{"trip", "flight", "hotel", "vacation", "booking"}},
	{"question", []string{"how", "what", "why", "when", "where", "which"}},
}

// Classify detects greetings and farewells by leading phrase, then falls back to keyword categories.
func (c *SimpleClassifier) Classify(ctx context.Context, text string) (string, float64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	words := words(text)
	if len(words) == 0 {
		return IntentGeneral, c.minConfidence, nil
	}
	lead := strings.Join(words[:min(len(words), 2)], " ")

	if matchesLead(lead, words[0], farewells) {
		return IntentFarewell, 0.9, nil
	}
	// A bare greeting opens a new conversation; a greeting followed by content is weaker.
	if matchesLead(lead, words[0], greetings) {
		if len(words) <= 3 {
			return IntentGreeting, 0.9, nil
		}
		return IntentGreeting, 0.6, nil
	}

	for _, cat := range categories {
		for _, w := range words {
			for _, kw := range cat.keywords {
				if w == kw {
					return cat.name, c.minConfidence, nil
				}
			}
		}
	}
	return IntentGeneral, c.minConfidence / 2, nil
}

func matchesLead(lead, first string, phrases []string) bool {
	for _, p := range phrases {
		if first == p || lead == p {
			return true
		}
	}
	return false
}

// Extract returns hashtags and capitalized words that do not start a sentence.
func (c *SimpleClassifier) Extract(ctx context.Context, text string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entities := make(map[string]struct{})
	fields := strings.Fields(text)
	sentenceStart := true
	for _, field := range fields {
		word := strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '#'
		})
		switch {
		case strings.HasPrefix(word, "#"):
			if tag := strings.ToLower(strings.TrimPrefix(word, "#")); tag != "" {
				entities[tag] = struct{}{}
			}
		case !sentenceStart && len(word) > 1 && unicode.IsUpper([]rune(word)[0]):
			entities[strings.ToLower(word)] = struct{}{}
		}
		sentenceStart = strings.ContainsAny(field[len(field)-1:], ".!?")
	}

	result := make([]string, 0, len(entities))
	for e := range entities {
		result = append(result, e)
	}
	sort.Strings(result)

	if len(result) > c.maxEntities {
		result = result[:c.maxEntities]
	}
	return result, nil
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
}
