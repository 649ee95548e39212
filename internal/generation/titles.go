// Session title generation.
//
// A new session created with a first message but no explicit title gets a
// short generated one. The LLM path asks Gemini for a descriptive title; the
// deterministic fallback derives one from the message itself, so titling
// never blocks or fails session creation.
package generation

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/generative-ai-go/genai"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// TitleMaxChars caps generated session titles.
const TitleMaxChars = 30

// TitleSuggester produces a short display title from a session's first
// message. Implementations may be slow or fail; callers fall back to
// HeuristicTitle.
type TitleSuggester interface {
	SuggestTitle(ctx context.Context, firstMessage string) (string, error)
}

const titleSystemPrompt = "Generate a short, descriptive title (max 30 characters) for a chat session based on the user's first message. Return only the title, nothing else."

// SuggestTitle asks the Gemini model for a session title.
func (g *GeminiGateway) SuggestTitle(ctx context.Context, firstMessage string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	m := g.client.GenerativeModel(g.modelName)
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(titleSystemPrompt)}}
	temp := float32(0.3)
	m.Temperature = &temp

	resp, err := m.GenerateContent(ctx, genai.Text(firstMessage))
	if err != nil {
		return "", err
	}
	title := strings.TrimSpace(flattenCandidates(resp))
	if title == "" {
		return "", ErrEmptyOutput
	}
	return ClipTitle(title), nil
}

// titleWordRE extracts Unicode letters with optional trailing digits.
var titleWordRE = regexp.MustCompile(`[\p{L}]+[\p{N}]*`)

// titleStopWords is a minimal English stop-word set for compact titles.
var titleStopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"is": {}, "are": {}, "for": {}, "on": {}, "with": {}, "by": {}, "from": {},
	"at": {}, "as": {}, "that": {}, "this": {}, "it": {}, "be": {}, "was": {}, "were": {},
}

// HeuristicTitle derives a title from the first message without any external
// call: keep the content words, title-case them, cap the word count, and clip
// to TitleMaxChars. When nothing survives filtering it falls back to a plain
// prefix of the message with an ellipsis.
func HeuristicTitle(firstMessage string) string {
	firstMessage = strings.TrimSpace(firstMessage)
	if firstMessage == "" {
		return ""
	}

	titleCaser := cases.Title(language.English)
	out := make([]string, 0, 6)
	for _, w := range titleWordRE.FindAllString(strings.ToLower(firstMessage), -1) {
		if _, skip := titleStopWords[w]; skip {
			continue
		}
		out = append(out, titleCaser.String(w))
		if len(out) >= 6 {
			break
		}
	}
	if len(out) > 0 {
		if t := ClipTitle(strings.Join(out, " ")); t != "" {
			return t
		}
	}

	// Raw prefix fallback, matching the client's own truncation rule.
	if utf8.RuneCountInString(firstMessage) > TitleMaxChars {
		return string([]rune(firstMessage)[:TitleMaxChars-3]) + "..."
	}
	return firstMessage
}

// ClipTitle truncates a title to TitleMaxChars runes.
func ClipTitle(title string) string {
	if utf8.RuneCountInString(title) > TitleMaxChars {
		return strings.TrimSpace(string([]rune(title)[:TitleMaxChars]))
	}
	return title
}
