// Package transcribe turns voice notes into text via the Gemini API.
package transcribe

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const prompt = "Transcribe this audio verbatim. Return only the spoken words, no commentary."

// Gemini transcribes audio with a Gemini model.
type Gemini struct {
	client *genai.Client
	model  string
}

// New dials the Gemini API. The key is required; the engine skips voice
// support entirely when none is configured.
func New(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("transcription API key is empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

// Transcribe sends the audio bytes inline and returns the transcript.
func (g *Gemini) Transcribe(ctx context.Context, audio []byte, mime string) (string, error) {
	if mime == "" {
		mime = "audio/ogg"
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(audio, mime),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("transcription came back empty")
	}
	return text, nil
}
