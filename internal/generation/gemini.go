// Gemini gateway.
//
// Direct-LLM implementation of Gateway for deployments without a RAG
// workflow. The whole active transcript is replayed as chat history so the
// model sees the same context the user sees.
package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const defaultGeminiModel = "gemini-1.5-flash"

// geminiSystemPrompt frames the assistant for agricultural use. The location
// hint is appended per request when present.
const geminiSystemPrompt = "You are an agricultural assistant. Provide helpful farming and agricultural advice."

// GeminiGateway answers from a Gemini model via the Google generative AI SDK.
type GeminiGateway struct {
	client    *genai.Client
	modelName string
	timeout   time.Duration
}

// NewGeminiGateway dials the Gemini API. modelName defaults to
// gemini-1.5-flash; timeout bounds each Generate call (<= 0 defaults to 30s).
func NewGeminiGateway(ctx context.Context, apiKey, modelName string, timeout time.Duration) (*GeminiGateway, error) {
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = defaultGeminiModel
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GeminiGateway{client: cl, modelName: modelName, timeout: timeout}, nil
}

// Close releases the underlying API client.
func (g *GeminiGateway) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// Generate replays the transcript as chat history and asks the model to
// answer the final user turn.
func (g *GeminiGateway) Generate(ctx context.Context, req Request) (*Result, error) {
	last := LastUserQuery(req.Transcript)
	if strings.TrimSpace(last) == "" {
		return nil, fmt.Errorf("gemini gateway: transcript has no user turn")
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	m := g.client.GenerativeModel(g.modelName)
	system := geminiSystemPrompt
	if req.LocationHint != "" {
		system += " The user farms near " + req.LocationHint + "."
	}
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}

	cs := m.StartChat()
	cs.History = historyFor(req.Transcript)

	start := time.Now()
	resp, err := cs.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return nil, fmt.Errorf("gemini gateway: %w", err)
	}

	text := flattenCandidates(resp)
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyOutput
	}
	return &Result{Text: text, Model: g.modelName, Elapsed: time.Since(start)}, nil
}

// historyFor converts all transcript turns before the final user query into
// Gemini chat history. Gemini knows two chat roles; assistant maps to "model"
// and system turns are folded into the system instruction upstream, so they
// are skipped here.
func historyFor(transcript []Message) []*genai.Content {
	if len(transcript) == 0 {
		return nil
	}
	// Drop the trailing user turn; it is sent as the message itself.
	upto := len(transcript)
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == "user" {
			upto = i
			break
		}
	}

	out := make([]*genai.Content, 0, upto)
	for _, t := range transcript[:upto] {
		role := ""
		switch t.Role {
		case "user":
			role = "user"
		case "assistant":
			role = "model"
		default:
			continue
		}
		out = append(out, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(t.Content)},
		})
	}
	return out
}

// flattenCandidates concatenates the text parts of the first candidate.
func flattenCandidates(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}
