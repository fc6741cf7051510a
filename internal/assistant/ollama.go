package assistant

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// OllamaGenerator produces completions with a model served by Ollama.
type OllamaGenerator struct {
	client *api.Client
	model  string
}

func NewOllamaGenerator(host, model string) (*OllamaGenerator, error) {
	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host: %w", err)
	}

	return &OllamaGenerator{
		client: api.NewClient(base, http.DefaultClient),
		model:  model,
	}, nil
}

func (g *OllamaGenerator) Generate(ctx context.Context, prompt, system string) (string, error) {
	stream := false
	req := &api.GenerateRequest{
		Model:  g.model,
		Prompt: prompt,
		System: system,
		Stream: &stream,
	}

	var result strings.Builder
	err := g.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		result.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}

	return strings.TrimSpace(result.String()), nil
}
