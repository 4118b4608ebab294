package ai

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const systemPrompt = "You are a friendly assistant. Keep your responses concise and helpful."

const titlePrompt = "Generate a short title (at most 80 characters) summarizing the user's message. " +
	"Respond with the title only: no quotes, no colons, no markdown."

// Gemini implements Completer using Google's Gemini API.
type Gemini struct {
	client     *genai.Client
	titleModel string
}

// NewGemini creates a Gemini-backed completer.
func NewGemini(ctx context.Context, apiKey, titleModel string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if titleModel == "" {
		titleModel = "gemini-2.5-flash-lite"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &Gemini{client: client, titleModel: titleModel}, nil
}

func toContents(turns []Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, turn := range turns {
		var role genai.Role = genai.RoleUser
		if turn.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Text, role))
	}
	return contents
}

// StreamChat streams a completion for the conversation.
func (g *Gemini) StreamChat(ctx context.Context, model string, turns []Turn, onDelta func(string) error) (string, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
	}

	var full strings.Builder
	for chunk, err := range g.client.Models.GenerateContentStream(ctx, model, toContents(turns), config) {
		if err != nil {
			return full.String(), fmt.Errorf("gemini stream failed: %w", err)
		}
		delta := chunk.Text()
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return full.String(), err
			}
		}
	}
	return full.String(), nil
}

// GenerateTitle produces a short chat title from the first user message.
func (g *Gemini) GenerateTitle(ctx context.Context, text string) (string, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(titlePrompt, genai.RoleUser),
	}
	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}

	result, err := g.client.Models.GenerateContent(ctx, g.titleModel, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini title failed: %w", err)
	}

	title := strings.TrimSpace(result.Text())
	title = strings.Trim(title, `"`)
	if title == "" {
		return "New chat", nil
	}
	if len(title) > 80 {
		title = title[:80]
	}
	return title, nil
}
